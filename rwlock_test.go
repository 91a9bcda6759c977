package cogate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadWriteLockMultipleReadersConcurrent(t *testing.T) {
	l := NewReadWriteLock()

	h1, err := l.AcquireRead().Await(context.Background())
	require.NoError(t, err)
	h2, err := l.AcquireRead().Await(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, l.CurrentReadCount())
	assert.NoError(t, h1.Release())
	assert.NoError(t, h2.Release())
	assert.Equal(t, 0, l.CurrentReadCount())
}

func TestReadWriteLockWriterExcludesReaders(t *testing.T) {
	l := NewReadWriteLock()

	wh, err := l.AcquireWrite().Await(context.Background())
	require.NoError(t, err)

	readDone := make(chan struct{})
	go func() {
		_, _ = l.AcquireRead().Await(context.Background())
		close(readDone)
	}()

	require.Eventually(t, func() bool { return l.WaitingReadCount() == 1 }, time.Second, time.Millisecond)

	select {
	case <-readDone:
		t.Fatal("read lock granted while write lock held")
	case <-time.After(10 * time.Millisecond):
	}

	require.NoError(t, wh.Release())
	select {
	case <-readDone:
	case <-time.After(time.Second):
		t.Fatal("read lock never granted after write release")
	}
}

func TestReadWriteLockFairModeBlocksNewReaderBehindQueuedWriter(t *testing.T) {
	l := NewReadWriteLock(WithFair(true))

	rh, err := l.AcquireRead().Await(context.Background())
	require.NoError(t, err)

	writeDone := make(chan struct{})
	go func() {
		_, _ = l.AcquireWrite().Await(context.Background())
		close(writeDone)
	}()
	require.Eventually(t, func() bool { return l.WaitingWriteCount() == 1 }, time.Second, time.Millisecond)

	secondReadDone := make(chan struct{})
	go func() {
		_, _ = l.AcquireRead().Await(context.Background())
		close(secondReadDone)
	}()

	select {
	case <-secondReadDone:
		t.Fatal("fair mode let a new reader jump a queued writer")
	case <-time.After(10 * time.Millisecond):
	}

	require.NoError(t, rh.Release())

	select {
	case <-writeDone:
	case <-time.After(time.Second):
		t.Fatal("queued writer never granted in fair mode")
	}
}

func TestReadWriteLockNonFairModeLetsReaderBypassQueuedWriter(t *testing.T) {
	l := NewReadWriteLock(WithFair(false))

	rh, err := l.AcquireRead().Await(context.Background())
	require.NoError(t, err)

	writeDone := make(chan struct{})
	go func() {
		_, _ = l.AcquireWrite().Await(context.Background())
		close(writeDone)
	}()
	require.Eventually(t, func() bool { return l.WaitingWriteCount() == 1 }, time.Second, time.Millisecond)

	secondReadDone := make(chan struct{})
	go func() {
		_, _ = l.AcquireRead().Await(context.Background())
		close(secondReadDone)
	}()

	select {
	case <-secondReadDone:
	case <-time.After(time.Second):
		t.Fatal("non-fair mode should let a new reader join an active reader ahead of a queued writer")
	}

	select {
	case <-writeDone:
		t.Fatal("queued writer granted while readers still active")
	case <-time.After(10 * time.Millisecond):
	}

	require.NoError(t, rh.Release())
}

func TestReadWriteLockUpgradeToWrite(t *testing.T) {
	l := NewReadWriteLock()

	rh, err := l.AcquireRead().Await(context.Background())
	require.NoError(t, err)

	wh, err := rh.UpgradeToWrite().Await(context.Background())
	require.NoError(t, err)
	assert.True(t, l.IsWriteHeld())
	assert.False(t, rh.IsHeld())

	require.NoError(t, wh.Release())
}

func TestReadWriteLockDowngradeToRead(t *testing.T) {
	l := NewReadWriteLock()

	wh, err := l.AcquireWrite().Await(context.Background())
	require.NoError(t, err)

	rh, err := wh.DowngradeToRead()
	require.NoError(t, err)
	assert.False(t, wh.IsHeld())
	assert.True(t, rh.IsHeld())
	assert.Equal(t, 1, l.CurrentReadCount())
	assert.False(t, l.IsWriteHeld())

	require.NoError(t, rh.Release())
}

func TestReadWriteLockReleaseAlreadyReleasedFails(t *testing.T) {
	l := NewReadWriteLock()
	rh, err := l.AcquireRead().Await(context.Background())
	require.NoError(t, err)
	require.NoError(t, rh.Release())

	err = rh.Release()
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestReadWriteLockAcquireWriteTimeout(t *testing.T) {
	fc := newFakeClock()
	l := NewReadWriteLock(WithLockClock(fc))

	rh, err := l.AcquireRead().Await(context.Background())
	require.NoError(t, err)

	c := l.AcquireWriteTimeout(time.Second)
	fc.Advance(time.Second)

	_, err = c.Await(context.Background())
	assert.ErrorIs(t, err, ErrTimedOut)

	require.NoError(t, rh.Release())
}

func TestReadWriteLockStringForms(t *testing.T) {
	l := NewReadWriteLock()
	assert.Equal(t, "ReadWriteLock[write lock=false, read locks=0]", l.String())

	rh, err := l.AcquireRead().Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ReadLock[held=true]", rh.String())
	assert.Equal(t, "ReadWriteLock[write lock=false, read locks=1]", l.String())

	require.NoError(t, rh.Release())
	assert.Equal(t, "ReadLock[held=false]", rh.String())
}
