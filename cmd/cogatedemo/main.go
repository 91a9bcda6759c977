// Command cogatedemo exercises every coordination primitive in
// github.com/webriots/cogate against a single shared workload: a pool
// of worker goroutines, bounded by a CountingSemaphore, read and
// update a ConcurrentKeyedMap guarded by a ReadWriteLock, and a
// CountdownBarrier gates a final report until every worker has
// finished.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/webriots/cogate"
)

func main() {
	workers := flag.Int("workers", 8, "number of concurrent worker goroutines")
	keys := flag.Int("keys", 4, "number of distinct keys workers contend over")
	flag.Parse()

	if *workers < 1 || *keys < 1 {
		fmt.Fprintln(os.Stderr, "cogatedemo: workers and keys must be positive")
		os.Exit(1)
	}

	if err := run(*workers, *keys); err != nil {
		log.Fatal(err)
	}
}

func run(workers, keys int) error {
	sema, err := cogate.NewCountingSemaphore(4)
	if err != nil {
		return err
	}

	lock := cogate.NewReadWriteLock()
	m := cogate.NewConcurrentKeyedMap[string, int]()
	barrier, err := cogate.NewCountdownBarrier(workers)
	if err != nil {
		return err
	}
	mu := cogate.NewMutex()
	group, _ := cogate.NewErrGroup(context.Background())
	dedup := cogate.NewSingleFlight[string, int]()

	for i := 0; i < workers; i++ {
		i := i
		group.Go(func(ctx context.Context) error {
			defer barrier.CountDown()
			return runWorker(ctx, i, keys, sema, lock, m, mu, dedup)
		})
	}

	if _, err := group.Wait().Await(context.Background()); err != nil {
		return err
	}

	if _, err := barrier.Await().Await(context.Background()); err != nil {
		return err
	}

	fmt.Println("final state:")
	for _, e := range m.Entries() {
		fmt.Printf("  %s = %d\n", e.Key, e.Value)
	}
	return nil
}

func runWorker(
	ctx context.Context,
	id, keys int,
	sema *cogate.CountingSemaphore,
	lock *cogate.ReadWriteLock,
	m *cogate.ConcurrentKeyedMap[string, int],
	mu *cogate.Mutex,
	dedup *cogate.SingleFlight[string, int],
) error {
	if _, err := sema.Acquire(1).Await(ctx); err != nil {
		return err
	}
	defer sema.Release(1)

	key := fmt.Sprintf("key-%d", id%keys)

	if _, err := dedup.Do(key, func() *cogate.Completion[int] {
		return cogate.Resolved(rand.Intn(100))
	}).Await(ctx); err != nil {
		return err
	}

	handle, err := lock.AcquireWrite().Await(ctx)
	if err != nil {
		return err
	}
	_, err = m.Compute(key, func(_ string, cur cogate.Maybe[int]) *cogate.Completion[cogate.Maybe[int]] {
		next := 1
		if cur.Ok {
			next = cur.Value + 1
		}
		return cogate.Resolved(cogate.Some(next))
	}).Await(ctx)
	if relErr := handle.Release(); err == nil {
		err = relErr
	}
	if err != nil {
		return err
	}

	mh, err := mu.Lock().Await(ctx)
	if err != nil {
		return err
	}
	time.Sleep(time.Millisecond)
	return mh.Unlock()
}
