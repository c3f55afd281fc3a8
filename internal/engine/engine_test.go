package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gillohner/eventky-sub000/internal/auth"
	"github.com/gillohner/eventky-sub000/internal/engine/poller"
	"github.com/gillohner/eventky-sub000/internal/engine/registry"
	"github.com/gillohner/eventky-sub000/internal/remote"
	"github.com/gillohner/eventky-sub000/pkg/model"
)

var key = model.Key{AuthorID: "alice", EntityID: "cal-1"}

func entity(seq int64) *model.Entity {
	return &model.Entity{
		AuthorID:  key.AuthorID,
		ID:        key.EntityID,
		Kind:      model.KindCalendar,
		Sequence:  seq,
		UpdatedAt: seq * 100,
		Data:      map[string]any{"title": "team calendar"},
	}
}

// fakeRemote plays both the indexer and the origin: writes land in the
// origin immediately and become visible to the indexer only after the test
// calls ingest, imitating the slow ingestion pipeline.
type fakeRemote struct {
	mu       sync.Mutex
	origin   map[model.Key]*model.Entity
	indexed  map[model.Key]*model.Entity
	rels     map[model.Key]model.Relations
	writeErr error
	fetches  int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		origin:  make(map[model.Key]*model.Entity),
		indexed: make(map[model.Key]*model.Entity),
		rels:    make(map[model.Key]model.Relations),
	}
}

func (f *fakeRemote) FetchEntity(ctx context.Context, k model.Key, v model.Variant) (*model.Entity, model.Relations, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	e, ok := f.indexed[k]
	if !ok {
		return nil, model.Relations{}, model.ErrNotFound
	}
	return e.Clone(), f.rels[k].Clone(), nil
}

func (f *fakeRemote) WriteEntity(ctx context.Context, cred remote.Credential, e *model.Entity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.origin[e.Key()] = e.Clone()
	return nil
}

func (f *fakeRemote) DeleteEntity(ctx context.Context, cred remote.Credential, k model.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.origin, k)
	return nil
}

func (f *fakeRemote) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

// ingest makes the indexer reflect the origin.
func (f *fakeRemote) ingest() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = make(map[model.Key]*model.Entity, len(f.origin))
	for k, e := range f.origin {
		f.indexed[k] = e.Clone()
	}
}

func (f *fakeRemote) index(k model.Key, e *model.Entity, rels model.Relations) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed[k] = e.Clone()
	f.rels[k] = rels.Clone()
}

type fixture struct {
	engine   *Engine
	remote   *fakeRemote
	reg      *registry.MemStore
	verifier *auth.Verifier
	cred     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		remote:   newFakeRemote(),
		reg:      registry.NewMemStore(),
		verifier: auth.NewVerifier([]byte("test-key")),
	}

	cfg := DefaultConfig()
	cfg.Poller = poller.Config{
		InitialDelay: time.Millisecond,
		Factor:       1.5,
		MaxDelay:     5 * time.Millisecond,
		MaxAttempts:  50,
	}

	eng, err := New(cfg, Options{
		Registry: f.reg,
		Indexer:  f.remote,
		Origin:   f.remote,
		Verifier: f.verifier,
	})
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})
	f.engine = eng

	cred, err := f.verifier.Sign("alice", time.Minute)
	require.NoError(t, err)
	f.cred = cred
	return f
}

func TestEngine_New_RequiresCollaborators(t *testing.T) {
	t.Parallel()
	_, err := New(DefaultConfig(), Options{})
	assert.Error(t, err)
}

func TestEngine_ReadThrough(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.remote.index(key, entity(1), model.Relations{Tags: []string{"work"}})

	rec, err := f.engine.Get(context.Background(), key, model.Variant{})
	require.NoError(t, err)
	assert.Equal(t, model.SourceRemote, rec.Meta.Source)
	assert.Equal(t, []string{"work"}, rec.Relations.Tags)
	first := f.remote.fetchCount()

	// Second read is served from cache.
	_, err = f.engine.Get(context.Background(), key, model.Variant{})
	require.NoError(t, err)
	assert.Equal(t, first, f.remote.fetchCount())

	// Invalidation forces a refetch.
	f.engine.Invalidate(key, model.Variant{})
	_, err = f.engine.Get(context.Background(), key, model.Variant{})
	require.NoError(t, err)
	assert.Equal(t, first+1, f.remote.fetchCount())
}

func TestEngine_Get_NotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.engine.Get(context.Background(), key, model.Variant{})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestEngine_OptimisticCreateThenConfirm(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	// Create while the indexer is slow: the record reads as Local
	// immediately after the mutation returns.
	require.NoError(t, f.engine.Put(context.Background(), f.cred, entity(1)))

	rec, err := f.engine.Get(context.Background(), key, model.Variant{})
	require.NoError(t, err)
	assert.Equal(t, model.SourceLocal, rec.Meta.Source)
	assert.Equal(t, int64(1), rec.Meta.PendingSeq)

	// The indexer ingests the write; the poller confirms it.
	f.remote.ingest()
	require.Eventually(t, func() bool {
		rec, err := f.engine.Get(context.Background(), key, model.Variant{})
		return err == nil && rec.Meta.Source == model.SourceRemote
	}, 5*time.Second, time.Millisecond)

	p, err := f.reg.GetPending(key)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestEngine_GetPrefersPendingOverStaleRemote(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	// The indexer still serves sequence 1 while sequence 2 is pending.
	f.remote.index(key, entity(1), model.Relations{Tags: []string{"work"}})
	_, err := f.engine.Get(context.Background(), key, model.Variant{})
	require.NoError(t, err)

	require.NoError(t, f.engine.Put(context.Background(), f.cred, entity(2)))

	f.engine.Invalidate(key, model.Variant{})
	rec, err := f.engine.Get(context.Background(), key, model.Variant{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Details.Sequence, "stale remote must not shadow the pending write")
	assert.Equal(t, model.SourceLocal, rec.Meta.Source)
	assert.Equal(t, []string{"work"}, rec.Relations.Tags, "relations survive the optimistic overwrite")
}

func TestEngine_FailedMutationSurfacesAfterRollback(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.remote.index(key, entity(1), model.Relations{})
	_, err := f.engine.Get(context.Background(), key, model.Variant{})
	require.NoError(t, err)

	f.remote.mu.Lock()
	f.remote.writeErr = errors.New("origin rejected")
	f.remote.mu.Unlock()

	err = f.engine.Put(context.Background(), f.cred, entity(2))
	require.ErrorIs(t, err, model.ErrMutationFailed)

	// The caller observes the pre-mutation state, never the optimistic one.
	rec, err := f.engine.Get(context.Background(), key, model.Variant{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Details.Sequence)
	assert.Equal(t, model.SourceRemote, rec.Meta.Source)
}

func TestEngine_VariantsCachedIndependently(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.remote.index(key, entity(1), model.Relations{Tags: []string{"a", "b", "c"}})

	small := model.Variant{LimitTags: 1}
	_, err := f.engine.Get(context.Background(), key, small)
	require.NoError(t, err)
	_, err = f.engine.Get(context.Background(), key, model.Variant{})
	require.NoError(t, err)
	assert.Equal(t, 2, f.remote.fetchCount(), "distinct variants fetch separately")

	// A mutation updates both cached variants at once.
	require.NoError(t, f.engine.Put(context.Background(), f.cred, entity(2)))
	for _, v := range []model.Variant{small, {}} {
		rec, err := f.engine.Get(context.Background(), key, v)
		require.NoError(t, err)
		assert.Equal(t, int64(2), rec.Details.Sequence)
	}
}

func TestEngine_RestartResumesReconciliation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	// A pending write sits in the registry with no engine having seeded
	// the cache, as after a process restart.
	require.NoError(t, f.reg.SetPending(key, entity(1)))
	f.remote.index(key, entity(1), model.Relations{})

	eng2, err := New(Config{Poller: poller.Config{
		InitialDelay: time.Millisecond,
		Factor:       1.5,
		MaxDelay:     5 * time.Millisecond,
		MaxAttempts:  50,
	}}, Options{
		Registry: f.reg,
		Indexer:  f.remote,
		Origin:   f.remote,
		Verifier: f.verifier,
	})
	require.NoError(t, err)
	require.NoError(t, eng2.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng2.Stop(ctx)
	}()

	require.Eventually(t, func() bool {
		p, err := f.reg.GetPending(key)
		require.NoError(t, err)
		return p == nil
	}, 5*time.Second, time.Millisecond, "restart must resume reconciliation")
}

func TestEngine_StartStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	assert.Error(t, f.engine.Start(context.Background()), "double start must fail")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.engine.Stop(ctx))
	require.NoError(t, f.engine.Stop(ctx))
}
