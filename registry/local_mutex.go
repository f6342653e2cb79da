package registry

import (
	"errors"
	"sync"

	"playcast/broadcaster/stream"
)

var ErrLockHeld = errors.New("lock failed")

// lockTable tracks which stream ids are locked in this process. An id is only
// present while its lock is held.
type lockTable struct {
	mu   sync.Mutex
	held map[stream.Id]struct{}
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[stream.Id]struct{})}
}

func (t *lockTable) mutex(id stream.Id) *LocalMutex {
	return &LocalMutex{table: t, id: id}
}

func (t *lockTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.held)
}

// LocalMutex never blocks: Lock fails right away when the stream is locked.
type LocalMutex struct {
	table *lockTable
	id    stream.Id
}

func (l *LocalMutex) Lock() error {
	l.table.mu.Lock()
	defer l.table.mu.Unlock()
	if _, ok := l.table.held[l.id]; ok {
		return ErrLockHeld
	}
	l.table.held[l.id] = struct{}{}
	return nil
}

// Unlock reports false when the stream was not locked.
func (l *LocalMutex) Unlock() (bool, error) {
	l.table.mu.Lock()
	defer l.table.mu.Unlock()
	if _, ok := l.table.held[l.id]; !ok {
		return false, nil
	}
	delete(l.table.held, l.id)
	return true, nil
}

// Extend is a no-op, a LocalMutex does not expire.
func (l *LocalMutex) Extend() (bool, error) {
	return true, nil
}
