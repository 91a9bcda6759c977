package cogate

import (
	"errors"
	"fmt"
)

// Error kinds returned by this package's operations. Use errors.Is to
// test for a kind; the wrapped message text is stable per operation
// and documented alongside the call that can produce it.
var (
	// ErrInvalidArgument is returned synchronously when a caller
	// passes a negative count or permit value.
	ErrInvalidArgument = errors.New("cogate: invalid argument")

	// ErrInvalidState is returned synchronously when an operation is
	// attempted on a handle that is no longer held.
	ErrInvalidState = errors.New("cogate: invalid state")

	// ErrTimedOut is delivered through a Completion when a timed
	// acquisition's deadline passes before it is satisfied.
	ErrTimedOut = errors.New("cogate: timeout expired")

	// ErrUserComputationFailed is delivered through a Completion when
	// a ConcurrentKeyedMap compute/merge function (or the Completion
	// it returned) fails.
	ErrUserComputationFailed = errors.New("cogate: user computation failed")
)

func negativeArgError(n int64) error {
	return fmt.Errorf("%w: %d < 0", ErrInvalidArgument, n)
}

func invalidStateError(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, msg)
}

func timedOutError() error {
	return fmt.Errorf("%w: Timeout expired", ErrTimedOut)
}

func userComputationError(cause error) error {
	return fmt.Errorf("%w: %w", ErrUserComputationFailed, cause)
}
