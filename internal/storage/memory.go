package storage

import (
	"context"
	"sync"
)

// PersisterStats contains statistics about a persister.
type PersisterStats struct {
	Saves int // Number of successful saves
	Bytes int // Size of the stored weight blob in bytes
}

// MemoryPersister implements Persister with an in-process record.
// Uses sync.RWMutex for thread-safe concurrent access.
// Nothing survives a restart; it backs the "memory" persistence mode and tests.
type MemoryPersister struct {
	saveErr error        // Injected failure returned by Save
	rec     *Record      // Stored record, nil until the first save
	mu      sync.RWMutex // Protects concurrent access
	saves   int
}

// NewMemoryPersister creates an empty in-memory persister
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{}
}

// Load returns a copy of the stored record to prevent external modification
func (m *MemoryPersister) Load(ctx context.Context) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.rec == nil {
		return nil, ErrNoRecord
	}
	return m.rec.Clone(), nil
}

// Save stores a copy of rec, or returns the error set with SetSaveError.
func (m *MemoryPersister) Save(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.saveErr != nil {
		return m.saveErr
	}
	m.rec = rec.Clone()
	m.saves++
	return nil
}

// SetSaveError makes every following Save fail with err until it is reset
// with nil.
func (m *MemoryPersister) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

// Put replaces the stored record directly, bypassing SetSaveError.
func (m *MemoryPersister) Put(rec *Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = rec.Clone()
}

// Stats returns persister statistics
func (m *MemoryPersister) Stats() PersisterStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := PersisterStats{Saves: m.saves}
	if m.rec != nil {
		stats.Bytes = len(m.rec.Blob)
	}
	return stats
}
