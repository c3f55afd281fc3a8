package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gillohner/eventky-sub000/internal/engine/cache"
	"github.com/gillohner/eventky-sub000/internal/engine/merge"
	"github.com/gillohner/eventky-sub000/internal/engine/registry"
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

// fakeIndexer serves canned responses and counts fetches.
type fakeIndexer struct {
	mu      sync.Mutex
	entity  *model.Entity
	rels    model.Relations
	err     error
	fetches int
}

func (f *fakeIndexer) FetchEntity(ctx context.Context, k model.Key, v model.Variant) (*model.Entity, model.Relations, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		return nil, model.Relations{}, f.err
	}
	if f.entity == nil {
		return nil, model.Relations{}, model.ErrNotFound
	}
	return f.entity.Clone(), f.rels.Clone(), nil
}

func (f *fakeIndexer) setEntity(e *model.Entity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entity = e
}

func (f *fakeIndexer) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func fastConfig(maxAttempts int) Config {
	return Config{
		InitialDelay: time.Millisecond,
		Factor:       1.5,
		MaxDelay:     5 * time.Millisecond,
		MaxAttempts:  maxAttempts,
	}
}

type fixture struct {
	cache   *cache.Cache
	reg     *registry.MemStore
	indexer *fakeIndexer
	poller  *Poller
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		cache:   cache.New(),
		reg:     registry.NewMemStore(),
		indexer: &fakeIndexer{},
	}
	f.poller = New(cfg, f.cache, f.reg, f.indexer, merge.New(f.reg), nil)
	require.NoError(t, f.poller.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.poller.Stop(ctx)
	})
	return f
}

func (f *fixture) registerPending(t *testing.T, seq int64) {
	t.Helper()
	e := entity(seq)
	require.NoError(t, f.reg.SetPending(key, e))
	f.cache.SetEntity(key, &model.Record{
		Details: *e,
		Meta:    model.SyncMeta{Source: model.SourceLocal, PendingSeq: seq},
	})
}

func TestPoller_ConfirmsWhenIndexerCatchesUp(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fastConfig(20))

	f.registerPending(t, 1)
	f.indexer.setEntity(entity(1))
	f.poller.Schedule(key)

	require.Eventually(t, func() bool {
		rec, _, ok := f.cache.Get(cache.CanonicalKey(key))
		return ok && rec.Meta.Source == model.SourceRemote
	}, 5*time.Second, time.Millisecond, "entity never flipped to confirmed")

	p, err := f.reg.GetPending(key)
	require.NoError(t, err)
	assert.Nil(t, p, "confirmed write must be cleared")
	assert.False(t, f.poller.Scheduled(key), "no timer may remain after confirmation")
}

func TestPoller_ConfirmationMonotonic(t *testing.T) {
	t.Parallel()
	// Once confirmed, further polls for the same write never flip the
	// entity back to local.
	f := newFixture(t, fastConfig(20))

	f.registerPending(t, 1)
	f.indexer.setEntity(entity(2))
	f.poller.Schedule(key)

	require.Eventually(t, func() bool {
		rec, _, ok := f.cache.Get(cache.CanonicalKey(key))
		return ok && rec.Meta.Source == model.SourceRemote
	}, 5*time.Second, time.Millisecond)

	// Scheduling again with no pending write is a no-op.
	f.poller.Schedule(key)
	time.Sleep(20 * time.Millisecond)
	rec, _, ok := f.cache.Get(cache.CanonicalKey(key))
	require.True(t, ok)
	assert.Equal(t, model.SourceRemote, rec.Meta.Source)
}

func TestPoller_BoundedAttempts(t *testing.T) {
	t.Parallel()
	const maxAttempts = 4
	f := newFixture(t, fastConfig(maxAttempts))

	// The indexer never sees the entity: the poller must stop after the
	// retry budget with no timer left armed.
	f.registerPending(t, 1)
	f.poller.Schedule(key)

	require.Eventually(t, func() bool {
		p, err := f.reg.GetPending(key)
		require.NoError(t, err)
		return p != nil && p.Attempts >= maxAttempts
	}, 5*time.Second, time.Millisecond)

	// Give any stray timer a chance to fire, then verify the budget held.
	time.Sleep(50 * time.Millisecond)
	p, err := f.reg.GetPending(key)
	require.NoError(t, err)
	assert.Equal(t, maxAttempts, p.Attempts, "attempts must not exceed the budget")
	assert.False(t, f.poller.Scheduled(key), "no timer may remain after exhaustion")

	// The entity stays visibly unconfirmed.
	rec, _, ok := f.cache.Get(cache.CanonicalKey(key))
	require.True(t, ok)
	assert.Equal(t, model.SourceLocal, rec.Meta.Source)
}

func TestPoller_TransientFetchFailuresConsumeBudget(t *testing.T) {
	t.Parallel()
	const maxAttempts = 3
	f := newFixture(t, fastConfig(maxAttempts))
	f.indexer.err = errors.New("indexer unavailable")

	f.registerPending(t, 1)
	f.poller.Schedule(key)

	require.Eventually(t, func() bool {
		p, err := f.reg.GetPending(key)
		require.NoError(t, err)
		return p != nil && p.Attempts >= maxAttempts
	}, 5*time.Second, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.False(t, f.poller.Scheduled(key))
}

func TestPoller_Cancel(t *testing.T) {
	t.Parallel()
	cfg := fastConfig(10)
	cfg.InitialDelay = time.Hour // never fires on its own
	cfg.MaxDelay = time.Hour
	f := newFixture(t, cfg)

	f.registerPending(t, 1)
	f.poller.Schedule(key)
	require.True(t, f.poller.Scheduled(key))

	f.poller.Cancel(key)
	assert.False(t, f.poller.Scheduled(key))
	assert.Zero(t, f.indexer.fetchCount(), "canceled key must not be polled")
}

func TestPoller_Resume(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fastConfig(20))

	// Pending writes exist in the durable registry from before a restart.
	f.registerPending(t, 1)
	f.indexer.setEntity(entity(1))

	require.NoError(t, f.poller.Resume())

	require.Eventually(t, func() bool {
		p, err := f.reg.GetPending(key)
		require.NoError(t, err)
		return p == nil
	}, 5*time.Second, time.Millisecond, "resumed write never reconciled")
}

func TestPoller_ScheduleWithoutPendingIsNoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fastConfig(10))

	f.poller.Schedule(key)
	assert.False(t, f.poller.Scheduled(key))
}

func TestPoller_StartStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fastConfig(10))

	assert.Error(t, f.poller.Start(context.Background()), "double start must fail")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.poller.Stop(ctx))
	require.NoError(t, f.poller.Stop(ctx), "stop is idempotent")

	// Scheduling after stop is a no-op.
	f.registerPending(t, 1)
	f.poller.Schedule(key)
	assert.False(t, f.poller.Scheduled(key))
}

func TestDelayFor_MonotonicAndCapped(t *testing.T) {
	t.Parallel()
	p := New(Config{
		InitialDelay: time.Second,
		Factor:       2.0,
		MaxDelay:     10 * time.Second,
		MaxAttempts:  10,
	}, nil, nil, nil, nil, nil)

	prev := time.Duration(0)
	for attempts := 0; attempts < 20; attempts++ {
		d := p.delayFor(attempts)
		assert.GreaterOrEqual(t, d, prev, "delay must grow monotonically")
		assert.LessOrEqual(t, d, 10*time.Second, "delay must stay capped")
		assert.Positive(t, d, "delay must never be zero")
		prev = d
	}
	assert.Equal(t, time.Second, p.delayFor(0))
	assert.Equal(t, 2*time.Second, p.delayFor(1))
	assert.Equal(t, 10*time.Second, p.delayFor(6))
}
