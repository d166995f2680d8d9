package application

import "sync"

type parentLock struct {
	mu   sync.Mutex
	refs int
}

// parentLocks serialises aggregation per parent meter and forgets a lock once unused.
type parentLocks struct {
	mu    sync.Mutex
	locks map[string]*parentLock
}

func newParentLocks() *parentLocks {
	return &parentLocks{locks: make(map[string]*parentLock)}
}

func (l *parentLocks) lock(parentID string) func() {
	l.mu.Lock()
	entry := l.locks[parentID]
	if entry == nil {
		entry = &parentLock{}
		l.locks[parentID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, parentID)
		}
		l.mu.Unlock()
	}
}
