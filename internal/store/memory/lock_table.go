package memory

import (
	"context"
	"sync"
	"time"

	"github.com/slotbook/bookd/internal/store"
)

type lockID struct {
	class int32
	key   int32
}

// lockTable is the in-process stand-in for database advisory locks: one slot
// per 32-bit lock id, acquired blocking with a bounded wait. Collisions on an
// id serialize unrelated work, which is safe; they can never skip
// serialization.
type lockTable struct {
	mu    sync.Mutex
	slots map[lockID]chan struct{}
	wait  time.Duration
}

func newLockTable(wait time.Duration) *lockTable {
	if wait <= 0 {
		wait = store.DefaultLockWait
	}
	return &lockTable{
		slots: make(map[lockID]chan struct{}),
		wait:  wait,
	}
}

// acquire blocks until the lock id is free, the context ends, or the table's
// wait bound elapses. The returned release func stands in for transaction end
// and must be deferred by the caller.
func (t *lockTable) acquire(ctx context.Context, class, key int32) (func(), error) {
	id := lockID{class: class, key: key}
	t.mu.Lock()
	slot, ok := t.slots[id]
	if !ok {
		slot = make(chan struct{}, 1)
		t.slots[id] = slot
	}
	t.mu.Unlock()

	timer := time.NewTimer(t.wait)
	defer timer.Stop()
	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, store.LockTimeout(key)
	case <-timer.C:
		return nil, store.LockTimeout(key)
	}
}
