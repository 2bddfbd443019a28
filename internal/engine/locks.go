package engine

import (
	"context"
	"sync"

	"github.com/xx70235/AstroPropose/pkg/schema"
)

// proposalLocks serializes transitions per proposal id. Entries are
// reference counted and removed when the last holder or waiter leaves.
type proposalLocks struct {
	mu    sync.Mutex
	locks map[int64]*proposalLock
}

type proposalLock struct {
	ch   chan struct{}
	refs int
}

func newProposalLocks() *proposalLocks {
	return &proposalLocks{locks: make(map[int64]*proposalLock)}
}

// acquire blocks until the lock for id is held or ctx is done. The returned
// func releases it.
func (l *proposalLocks) acquire(ctx context.Context, id int64) (func(), error) {
	l.mu.Lock()
	pl, ok := l.locks[id]
	if !ok {
		pl = &proposalLock{ch: make(chan struct{}, 1)}
		l.locks[id] = pl
	}
	pl.refs++
	l.mu.Unlock()

	select {
	case pl.ch <- struct{}{}:
		return func() {
			<-pl.ch
			l.leave(id, pl)
		}, nil
	case <-ctx.Done():
		l.leave(id, pl)
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"waiting for proposal %d: %s", id, ctx.Err().Error()).WithCause(ctx.Err())
	}
}

func (l *proposalLocks) leave(id int64, pl *proposalLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pl.refs--
	if pl.refs == 0 {
		delete(l.locks, id)
	}
}

func (l *proposalLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
