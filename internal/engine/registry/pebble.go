package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/gillohner/eventky-sub000/pkg/model"
)

// Key layout: pending/{authorID}/{entityID} → JSON(PendingWrite).
// Components are URL-escaped to avoid '/' conflicts.
const prefixPending = "pending/"

func pendingKey(key model.Key) []byte {
	author := url.PathEscape(key.AuthorID)
	entity := url.PathEscape(key.EntityID)
	k := make([]byte, 0, len(prefixPending)+len(author)+1+len(entity))
	k = append(k, prefixPending...)
	k = append(k, author...)
	k = append(k, '/')
	k = append(k, entity...)
	return k
}

// PebbleStore is a durable Store backed by PebbleDB.
type PebbleStore struct {
	db     *pebble.DB
	path   string
	logger *slog.Logger

	// mu serializes read-modify-write cycles (MarkSyncAttempt, MarkSynced).
	mu     sync.Mutex
	closed bool
	now    func() time.Time
}

// OpenPebble opens (or creates) a durable registry at path.
func OpenPebble(path string, logger *slog.Logger) (*PebbleStore, error) {
	if path == "" {
		return nil, fmt.Errorf("registry path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}

	return &PebbleStore{
		db:     db,
		path:   path,
		logger: logger.With("component", "pending-registry"),
		now:    time.Now,
	}, nil
}

// Path returns the registry storage path.
func (s *PebbleStore) Path() string {
	return s.path
}

func (s *PebbleStore) SetPending(key model.Key, data *model.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.ErrClosed
	}

	p := &PendingWrite{
		Key:         key,
		Data:        *data.Clone(),
		Sequence:    data.Sequence,
		SubmittedAt: s.now().UnixMilli(),
	}
	return s.put(p)
}

func (s *PebbleStore) ClearPending(key model.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.ErrClosed
	}

	// Pebble deletes are blind: clearing an absent key succeeds.
	if err := s.db.Delete(pendingKey(key), pebble.Sync); err != nil {
		return fmt.Errorf("failed to clear pending write: %w", err)
	}
	return nil
}

func (s *PebbleStore) GetPending(key model.Key) (*PendingWrite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, model.ErrClosed
	}
	return s.get(key)
}

func (s *PebbleStore) MarkSyncAttempt(key model.Key) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, model.ErrClosed
	}

	p, err := s.get(key)
	if err != nil {
		return 0, err
	}
	if p == nil {
		return 0, nil
	}

	p.Attempts++
	if err := s.put(p); err != nil {
		return 0, err
	}
	return p.Attempts, nil
}

func (s *PebbleStore) MarkSynced(key model.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.ErrClosed
	}

	p, err := s.get(key)
	if err != nil {
		return err
	}
	if p == nil || p.SyncedAt != 0 {
		return nil
	}

	p.SyncedAt = s.now().UnixMilli()
	return s.put(p)
}

func (s *PebbleStore) List() ([]*PendingWrite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, model.ErrClosed
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixPending),
		UpperBound: []byte(prefixPending + "\xff"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var out []*PendingWrite
	for iter.First(); iter.Valid(); iter.Next() {
		if !strings.HasPrefix(string(iter.Key()), prefixPending) {
			continue
		}
		var p PendingWrite
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			s.logger.Warn("skipping corrupt pending record", "key", string(iter.Key()), "error", err)
			continue
		}
		out = append(out, &p)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to scan pending writes: %w", err)
	}
	return out, nil
}

func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close pebble database: %w", err)
	}
	return nil
}

func (s *PebbleStore) get(key model.Key) (*PendingWrite, error) {
	value, closer, err := s.db.Get(pendingKey(key))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read pending write: %w", err)
	}
	defer closer.Close()

	var p PendingWrite
	if err := json.Unmarshal(value, &p); err != nil {
		return nil, fmt.Errorf("failed to decode pending write: %w", err)
	}
	return &p, nil
}

func (s *PebbleStore) put(p *PendingWrite) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode pending write: %w", err)
	}
	if err := s.db.Set(pendingKey(p.Key), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write pending record: %w", err)
	}
	return nil
}
