package ledger

import (
	"context"
	"sync"
)

// userLocks serializes work per user id. Entries are reference counted and
// removed when the last holder or waiter leaves, so the table only holds busy users.
type userLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{entries: make(map[string]*lockEntry)}
}

// lock blocks until the user's lock is held or ctx is done.
// The returned func releases the lock and must be called exactly once.
func (u *userLocks) lock(ctx context.Context, userID string) (func(), error) {
	u.mu.Lock()
	e, ok := u.entries[userID]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		u.entries[userID] = e
	}
	e.refs++
	u.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		return func() {
			<-e.sem
			u.release(userID, e)
		}, nil
	case <-ctx.Done():
		u.release(userID, e)
		return nil, ctx.Err()
	}
}

func (u *userLocks) release(userID string, e *lockEntry) {
	u.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(u.entries, userID)
	}
	u.mu.Unlock()
}

func (u *userLocks) size() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.entries)
}
