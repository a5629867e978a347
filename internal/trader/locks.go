package trader

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a correlation lock is not acquired within the wait budget.
var ErrLockTimeout = errors.New("timed out waiting for position lock")

type keyLock struct {
	token chan struct{} // holding the single slot means owning the lock
	refs  int           // holder plus waiters
}

// LockTable serializes work per correlation key. Entries are created on first
// use and removed once no holder or waiter remains.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// NewLockTable creates an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]*keyLock)}
}

// Acquire waits up to wait for the lock on key and returns its release func.
// A non-positive wait blocks until ctx is done.
func (t *LockTable) Acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	t.mu.Lock()
	l, ok := t.locks[key]
	if !ok {
		l = &keyLock{token: make(chan struct{}, 1)}
		t.locks[key] = l
	}
	l.refs++
	t.mu.Unlock()

	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case l.token <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.token
				t.drop(key, l)
			})
		}, nil
	case <-timeout:
		t.drop(key, l)
		return nil, ErrLockTimeout
	case <-ctx.Done():
		t.drop(key, l)
		return nil, ctx.Err()
	}
}

func (t *LockTable) drop(key string, l *keyLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, key)
	}
}

// Len returns the number of keys currently held or waited on.
func (t *LockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
