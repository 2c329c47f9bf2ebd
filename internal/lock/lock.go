// Package lock provides per-key single-writer locks.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotAcquired is returned when a lock could not be taken before the context ended.
var ErrNotAcquired = errors.New("lock not acquired")

// Release gives a lock back. It is safe to call more than once.
type Release func(ctx context.Context) error

// Locker hands out exclusive locks on string keys.
type Locker interface {
	// Acquire blocks until key is held or ctx is done. ttl bounds how long a
	// crashed holder can keep the key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

// =============================================
// In-memory
// =============================================

// MemoryLocker serializes holders of the same key inside one process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewMemoryLocker creates an empty locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]chan struct{})}
}

// Acquire ignores ttl; a holder in the same process cannot vanish without releasing.
func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	for {
		l.mu.Lock()
		wait, busy := l.held[key]
		if !busy {
			done := make(chan struct{})
			l.held[key] = done
			l.mu.Unlock()
			return l.releaser(key, done), nil
		}
		l.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		}
	}
}

func (l *MemoryLocker) releaser(key string, done chan struct{}) Release {
	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
			close(done)
		})
		return nil
	}
}
