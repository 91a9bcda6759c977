package cogate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentKeyedMapSetAndGet(t *testing.T) {
	m := NewConcurrentKeyedMap[string, int]()

	old, err := m.Set("a", 1).Await(context.Background())
	require.NoError(t, err)
	assert.False(t, old.Ok)

	v, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	old, err = m.Set("a", 2).Await(context.Background())
	require.NoError(t, err)
	require.True(t, old.Ok)
	assert.Equal(t, 1, old.Value)
}

func TestConcurrentKeyedMapDelete(t *testing.T) {
	m := NewConcurrentKeyedMap[string, int]()
	_, _ = m.Set("a", 1).Await(context.Background())

	old, err := m.Delete("a").Await(context.Background())
	require.NoError(t, err)
	require.True(t, old.Ok)
	assert.Equal(t, 1, old.Value)
	assert.False(t, m.Has("a"))

	old, err = m.Delete("missing").Await(context.Background())
	require.NoError(t, err)
	assert.False(t, old.Ok)
}

func TestConcurrentKeyedMapSetIfAbsent(t *testing.T) {
	m := NewConcurrentKeyedMap[string, int]()

	existing, err := m.SetIfAbsent("a", 1).Await(context.Background())
	require.NoError(t, err)
	assert.False(t, existing.Ok)

	existing, err = m.SetIfAbsent("a", 2).Await(context.Background())
	require.NoError(t, err)
	require.True(t, existing.Ok)
	assert.Equal(t, 1, existing.Value)

	v, _ := m.Get("a")
	assert.Equal(t, 1, v)
}

func TestConcurrentKeyedMapReplace(t *testing.T) {
	m := NewConcurrentKeyedMap[string, int]()
	_, _ = m.Set("a", 1).Await(context.Background())

	ok, err := m.Replace("a", 2, 3).Await(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Replace("a", 1, 3).Await(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	v, _ := m.Get("a")
	assert.Equal(t, 3, v)
}

func TestConcurrentKeyedMapComputeIfAbsentOnlyCallsFnOnce(t *testing.T) {
	m := NewConcurrentKeyedMap[string, int]()

	calls := 0
	fn := func(k string) *Completion[Maybe[int]] {
		calls++
		return Resolved(Some(calls))
	}

	v1, err := m.ComputeIfAbsent("a", fn).Await(context.Background())
	require.NoError(t, err)
	require.True(t, v1.Ok)
	assert.Equal(t, 1, v1.Value)

	v2, err := m.ComputeIfAbsent("a", fn).Await(context.Background())
	require.NoError(t, err)
	require.True(t, v2.Ok)
	assert.Equal(t, 1, v2.Value)
	assert.Equal(t, 1, calls)
}

func TestConcurrentKeyedMapComputeIfPresentDeletesOnNone(t *testing.T) {
	m := NewConcurrentKeyedMap[string, int]()
	_, _ = m.Set("a", 1).Await(context.Background())

	res, err := m.ComputeIfPresent("a", func(_ string, cur int) *Completion[Maybe[int]] {
		return Resolved(None[int]())
	}).Await(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Ok)
	assert.False(t, m.Has("a"))
}

func TestConcurrentKeyedMapComputeCoversAbsentAndPresent(t *testing.T) {
	m := NewConcurrentKeyedMap[string, int]()

	res, err := m.Compute("a", func(_ string, cur Maybe[int]) *Completion[Maybe[int]] {
		assert.False(t, cur.Ok)
		return Resolved(Some(10))
	}).Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, res.Value)

	res, err = m.Compute("a", func(_ string, cur Maybe[int]) *Completion[Maybe[int]] {
		require.True(t, cur.Ok)
		return Resolved(Some(cur.Value + 1))
	}).Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 11, res.Value)
}

func TestConcurrentKeyedMapMergeSetsOnAbsent(t *testing.T) {
	m := NewConcurrentKeyedMap[string, int]()

	called := false
	res, err := m.Merge("a", 5, func(old, new int) *Completion[Maybe[int]] {
		called = true
		return Resolved(Some(old + new))
	}).Await(context.Background())
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, 5, res.Value)
}

func TestConcurrentKeyedMapMergeCombinesOnPresent(t *testing.T) {
	m := NewConcurrentKeyedMap[string, int]()
	_, _ = m.Set("a", 5).Await(context.Background())

	res, err := m.Merge("a", 3, func(old, new int) *Completion[Maybe[int]] {
		return Resolved(Some(old + new))
	}).Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, res.Value)
}

func TestConcurrentKeyedMapComputeErrorIsWrapped(t *testing.T) {
	m := NewConcurrentKeyedMap[string, int]()
	sentinel := errors.New("boom")

	_, err := m.ComputeIfAbsent("a", func(k string) *Completion[Maybe[int]] {
		return Rejected[Maybe[int]](sentinel)
	}).Await(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUserComputationFailed)
	assert.ErrorIs(t, err, sentinel)
	assert.False(t, m.Has("a"))
}

func TestConcurrentKeyedMapSerializesPerKeyActions(t *testing.T) {
	m := NewConcurrentKeyedMap[string, int]()

	var order []int
	n := 5
	done := NewWaitGroup()
	done.Add(n)

	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer done.Done()
			_, _ = m.Compute("shared", func(_ string, cur Maybe[int]) *Completion[Maybe[int]] {
				time.Sleep(time.Millisecond)
				order = append(order, i)
				next := 1
				if cur.Ok {
					next = cur.Value + 1
				}
				return Resolved(Some(next))
			}).Await(context.Background())
		}()
	}

	_, err := done.Wait().Await(context.Background())
	require.NoError(t, err)

	v, ok := m.Get("shared")
	require.True(t, ok)
	assert.Equal(t, n, v)
	assert.Len(t, order, n)
}

func TestConcurrentKeyedMapEntriesPreserveInsertionOrder(t *testing.T) {
	m := NewConcurrentKeyedMap[string, int]()
	_, _ = m.Set("c", 3).Await(context.Background())
	_, _ = m.Set("a", 1).Await(context.Background())
	_, _ = m.Set("b", 2).Await(context.Background())

	assert.Equal(t, []string{"c", "a", "b"}, m.Keys())
	assert.Equal(t, []int{3, 1, 2}, m.Values())

	entries := m.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, Entry[string, int]{Key: "c", Value: 3}, entries[0])
}

func TestConcurrentKeyedMapClearWaitsForPendingActions(t *testing.T) {
	m := NewConcurrentKeyedMap[string, int]()
	_, _ = m.Set("a", 1).Await(context.Background())
	_, _ = m.Set("b", 2).Await(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	slowDone := make(chan struct{})
	go func() {
		_, _ = m.Compute("a", func(_ string, cur Maybe[int]) *Completion[Maybe[int]] {
			close(started)
			<-release
			return Resolved(Some(99))
		}).Await(context.Background())
		close(slowDone)
	}()
	<-started

	clear := m.Clear()
	assert.Equal(t, 0, m.Size(), "Clear must report an empty map immediately, even with an action in flight")
	assert.False(t, m.Has("a"))
	assert.False(t, m.Has("b"))

	clearDone := make(chan struct{})
	go func() {
		_, _ = clear.Await(context.Background())
		close(clearDone)
	}()

	select {
	case <-clearDone:
		t.Fatal("Clear resolved before the in-flight compute on key \"a\" finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-slowDone:
	case <-time.After(time.Second):
		t.Fatal("in-flight compute never finished")
	}
	select {
	case <-clearDone:
	case <-time.After(time.Second):
		t.Fatal("Clear never resolved once the in-flight compute finished")
	}

	assert.Equal(t, 0, m.Size())
	assert.False(t, m.Has("a"), "value written back by the in-flight compute must be cleared by the tail delete")
}

func TestConcurrentKeyedMapSize(t *testing.T) {
	m := NewConcurrentKeyedMap[string, int]()
	assert.Equal(t, 0, m.Size())

	_, _ = m.Set("a", 1).Await(context.Background())
	_, _ = m.Set("b", 2).Await(context.Background())
	assert.Equal(t, 2, m.Size())
}
