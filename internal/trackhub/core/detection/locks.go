package detection

import "sync"

// unitLocks serialises evaluations per unit while letting different units run in parallel.
// Entries are dropped once no goroutine holds or waits for them.
type unitLocks struct {
	mu    sync.Mutex
	locks map[string]*unitLock
}

type unitLock struct {
	sync.Mutex
	refs int
}

func newUnitLocks() *unitLocks {
	return &unitLocks{locks: make(map[string]*unitLock)}
}

// lock blocks until the unit is free and returns the matching unlock.
func (l *unitLocks) lock(unitID string) func() {
	l.mu.Lock()
	ul, ok := l.locks[unitID]
	if !ok {
		ul = &unitLock{}
		l.locks[unitID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.Lock()

	return func() {
		ul.Unlock()

		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.locks, unitID)
		}
		l.mu.Unlock()
	}
}
