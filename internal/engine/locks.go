package engine

import "sync"

// lockTable hands out per-test locks. Recording an event holds the test lock
// shared and its variant's lock exclusively; status transitions hold the test
// lock exclusively, so no increment straddles a transition.
//
// Entries are reference counted and dropped when the last holder releases
// them, so ids that never match a test don't accumulate.
type lockTable struct {
	mu    sync.Mutex
	tests map[string]*testLocks
}

type testLocks struct {
	refs  int
	state sync.RWMutex

	mu       sync.Mutex
	variants map[string]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{tests: make(map[string]*testLocks)}
}

// acquire returns the locks of a test. Every call must be paired with release.
func (lt *lockTable) acquire(id string) *testLocks {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	tl, ok := lt.tests[id]
	if !ok {
		tl = &testLocks{variants: make(map[string]*sync.Mutex)}
		lt.tests[id] = tl
	}
	tl.refs++
	return tl
}

func (lt *lockTable) release(id string) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	tl, ok := lt.tests[id]
	if !ok {
		return
	}
	tl.refs--
	if tl.refs <= 0 {
		delete(lt.tests, id)
	}
}

func (lt *lockTable) len() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return len(lt.tests)
}

func (tl *testLocks) variant(id string) *sync.Mutex {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	m, ok := tl.variants[id]
	if !ok {
		m = &sync.Mutex{}
		tl.variants[id] = m
	}
	return m
}
