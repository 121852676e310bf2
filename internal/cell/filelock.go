package cell

import "sync"

// fileLocks serializes metadata-changing operations per file ID. Entries are
// dropped once no caller holds or waits on them.
type fileLocks struct {
	mu    sync.Mutex
	locks map[string]*fileLock
}

type fileLock struct {
	mu   sync.Mutex
	refs int
}

func newFileLocks() *fileLocks {
	return &fileLocks{locks: make(map[string]*fileLock)}
}

// lock blocks until fileID is free and returns the matching unlock.
func (l *fileLocks) lock(fileID string) func() {
	l.mu.Lock()
	fl, ok := l.locks[fileID]
	if !ok {
		fl = &fileLock{}
		l.locks[fileID] = fl
	}
	fl.refs++
	l.mu.Unlock()

	fl.mu.Lock()
	return func() {
		fl.mu.Unlock()

		l.mu.Lock()
		fl.refs--
		if fl.refs == 0 {
			delete(l.locks, fileID)
		}
		l.mu.Unlock()
	}
}

func (l *fileLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
