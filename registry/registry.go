package registry

import (
	"context"
	"sync"

	"playcast/broadcaster/stream"
)

// Registry holds the live process record of every active stream. Only the
// supervisor of a stream writes its key; anyone may read. A reader can observe
// a record that was just created or just removed, both are valid states.
type Registry interface {
	Set(ctx context.Context, id stream.Id, rec stream.Record) error
	Get(ctx context.Context, id stream.Id) (stream.Record, bool, error)
	Remove(ctx context.Context, id stream.Id) error
	// List returns the ids that currently have a record, in no particular order.
	List(ctx context.Context) ([]stream.Id, error)
	StreamMutex(id stream.Id) stream.Mutex
}

// Memory is an in-process Registry.
type Memory struct {
	mu      sync.RWMutex
	records map[stream.Id]stream.Record
	locks   *lockTable
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[stream.Id]stream.Record),
		locks:   newLockTable(),
	}
}

func (m *Memory) Set(_ context.Context, id stream.Id, rec stream.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id] = rec
	return nil
}

func (m *Memory) Get(_ context.Context, id stream.Id) (stream.Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	return rec, ok, nil
}

func (m *Memory) Remove(_ context.Context, id stream.Id) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *Memory) List(_ context.Context) ([]stream.Id, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]stream.Id, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Memory) StreamMutex(id stream.Id) stream.Mutex {
	return m.locks.mutex(id)
}

// Len reports how many records are held.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
