// Package syncutil holds locking primitives that respect context cancellation.
package syncutil

import (
	"context"
)

// ContextMutex is a mutex implemented with a one-slot channel so that
// waiters can give up when their context is cancelled.
//
// The zero value is not usable; call NewContextMutex.
type ContextMutex struct {
	ch chan struct{}
}

// NewContextMutex returns an unlocked mutex.
func NewContextMutex() *ContextMutex {
	m := &ContextMutex{ch: make(chan struct{}, 1)}
	m.ch <- struct{}{}
	return m
}

// LockContext blocks until the mutex is acquired or ctx is done. On success
// the caller MUST call the returned unlock function exactly once.
func (m *ContextMutex) LockContext(ctx context.Context) (func(), error) {
	// Fail fast on an already-cancelled context even if the lock is free.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-m.ch:
		return m.unlock, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the mutex only if it is free.
func (m *ContextMutex) TryLock() (func(), bool) {
	select {
	case <-m.ch:
		return m.unlock, true
	default:
		return nil, false
	}
}

func (m *ContextMutex) unlock() {
	select {
	case m.ch <- struct{}{}:
	default:
		panic("syncutil: unlock of unlocked ContextMutex")
	}
}
