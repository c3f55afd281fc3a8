// Package registry tracks pending writes: mutations that have been submitted
// to the remote origin but not yet confirmed by the remote indexer. The
// durable backend survives process restart so reconciliation can resume for
// writes submitted just before a reload.
package registry

import (
	"sync"
	"time"

	"github.com/gillohner/eventky-sub000/pkg/model"
)

// PendingWrite is the durable record of an unconfirmed local mutation.
type PendingWrite struct {
	Key         model.Key    `json:"key"`
	Data        model.Entity `json:"data"`
	Sequence    int64        `json:"sequence"`
	SubmittedAt int64        `json:"submittedAt"` // Unix milliseconds
	Attempts    int          `json:"attempts"`
	SyncedAt    int64        `json:"syncedAt,omitempty"` // Unix milliseconds, 0 = unconfirmed
}

// Confirmed reports whether the indexer has been observed to reflect a
// version not older than this write.
func (p *PendingWrite) Confirmed() bool {
	return p != nil && p.SyncedAt != 0
}

// Store defines the pending write registry.
// Implementations: MemStore (memory), PebbleStore (PebbleDB).
// All operations are idempotent and perform no remote I/O.
type Store interface {
	// SetPending records a pending write, resetting the attempt counter and
	// clearing any previous confirmation.
	SetPending(key model.Key, data *model.Entity) error

	// ClearPending removes the pending record. Clearing an absent key is a
	// no-op.
	ClearPending(key model.Key) error

	// GetPending returns the pending write for key, or nil if none exists.
	GetPending(key model.Key) (*PendingWrite, error)

	// MarkSyncAttempt increments the attempt counter and returns the new
	// count. Marking an absent key returns 0.
	MarkSyncAttempt(key model.Key) (int, error)

	// MarkSynced records that the indexer reflects the pending write.
	// Marking an already-synced or absent key is a no-op.
	MarkSynced(key model.Key) error

	// List returns all pending writes, for resuming reconciliation after a
	// restart.
	List() ([]*PendingWrite, error)

	// Close releases the backing storage.
	Close() error
}

// MemStore is an in-memory Store. It does not survive restarts; it backs
// tests and embedded use.
type MemStore struct {
	mu      sync.RWMutex
	records map[model.Key]*PendingWrite
	closed  bool
	now     func() time.Time
}

// NewMemStore creates an empty in-memory registry.
func NewMemStore() *MemStore {
	return &MemStore{
		records: make(map[model.Key]*PendingWrite),
		now:     time.Now,
	}
}

func (s *MemStore) SetPending(key model.Key, data *model.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.ErrClosed
	}

	s.records[key] = &PendingWrite{
		Key:         key,
		Data:        *data.Clone(),
		Sequence:    data.Sequence,
		SubmittedAt: s.now().UnixMilli(),
	}
	return nil
}

func (s *MemStore) ClearPending(key model.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.ErrClosed
	}

	delete(s.records, key)
	return nil
}

func (s *MemStore) GetPending(key model.Key) (*PendingWrite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, model.ErrClosed
	}

	p, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	return clonePending(p), nil
}

func (s *MemStore) MarkSyncAttempt(key model.Key) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, model.ErrClosed
	}

	p, ok := s.records[key]
	if !ok {
		return 0, nil
	}
	p.Attempts++
	return p.Attempts, nil
}

func (s *MemStore) MarkSynced(key model.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.ErrClosed
	}

	p, ok := s.records[key]
	if !ok || p.SyncedAt != 0 {
		return nil
	}
	p.SyncedAt = s.now().UnixMilli()
	return nil
}

func (s *MemStore) List() ([]*PendingWrite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, model.ErrClosed
	}

	out := make([]*PendingWrite, 0, len(s.records))
	for _, p := range s.records {
		out = append(out, clonePending(p))
	}
	return out, nil
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func clonePending(p *PendingWrite) *PendingWrite {
	if p == nil {
		return nil
	}
	out := *p
	out.Data = *p.Data.Clone()
	return &out
}
