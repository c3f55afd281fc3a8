// Package executor orchestrates optimistic mutations: it writes the remote
// origin, seeds the cache immediately so callers render the new state
// without waiting, registers the write as pending, and restores the prior
// state completely if the origin rejects the write.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gillohner/eventky-sub000/internal/auth"
	"github.com/gillohner/eventky-sub000/internal/engine/cache"
	"github.com/gillohner/eventky-sub000/internal/engine/registry"
	"github.com/gillohner/eventky-sub000/internal/remote"
	"github.com/gillohner/eventky-sub000/pkg/model"
)

const expediteTimeout = 5 * time.Second

// Scheduler arms and cancels reconciliation polling for a key. Implemented
// by the poller; a nil scheduler disables background reconciliation.
type Scheduler interface {
	Schedule(key model.Key)
	Cancel(key model.Key)
}

// Hooks are optional caller callbacks invoked after a mutation settles.
// They run synchronously, after rollback (on failure) or cache commit (on
// success).
type Hooks struct {
	OnSuccess func(key model.Key)
	OnError   func(key model.Key, err error)
}

// Executor performs optimistic create/update/delete against the origin.
type Executor struct {
	cache     *cache.Cache
	reg       registry.Store
	origin    remote.Origin
	expediter remote.Expediter
	verifier  *auth.Verifier
	scheduler Scheduler
	hooks     Hooks
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an Executor. expediter may be nil to skip the indexing hint.
func New(c *cache.Cache, reg registry.Store, origin remote.Origin, expediter remote.Expediter, verifier *auth.Verifier, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cache:     c,
		reg:       reg,
		origin:    origin,
		expediter: expediter,
		verifier:  verifier,
		logger:    logger.With("component", "executor"),
		now:       time.Now,
	}
}

// SetScheduler wires the reconciliation poller. Must be called before
// mutations if background reconciliation is wanted.
func (e *Executor) SetScheduler(s Scheduler) {
	e.scheduler = s
}

// SetHooks installs caller callbacks.
func (e *Executor) SetHooks(h Hooks) {
	e.hooks = h
}

// Put creates or updates an entity. The optimistic state is visible to
// readers before the origin write completes; on origin failure every cache
// variant is restored to its pre-mutation state and the error surfaces as
// model.ErrMutationFailed.
func (e *Executor) Put(ctx context.Context, credential string, entity *model.Entity) error {
	authorID, err := e.verifier.Verify(credential)
	if err != nil {
		return err
	}

	// The caller's struct is never touched.
	entity = entity.Clone()
	if entity.AuthorID == "" {
		entity.AuthorID = authorID
	}
	if entity.AuthorID != authorID {
		return fmt.Errorf("%w: credential author %q cannot write for %q", model.ErrAuthenticationRequired, authorID, entity.AuthorID)
	}
	if _, ok := model.SpecFor(entity.Kind); !ok {
		return fmt.Errorf("unknown entity kind %q", entity.Kind)
	}

	entity.GenerateIDIfEmpty()
	key := entity.Key()

	snapshot := e.cache.SnapshotEntity(key)
	e.stampVersion(entity, key, snapshot)

	// An in-flight newer write must not be clobbered by this older one.
	prev, err := e.reg.GetPending(key)
	if err != nil {
		return err
	}
	if prev != nil && prev.Sequence >= entity.Sequence {
		return fmt.Errorf("stale write for %s: sequence %d already pending", key, prev.Sequence)
	}

	optimistic := &model.Record{
		Details:   *entity.Clone(),
		Relations: snapshotRelations(snapshot, key),
		Meta: model.SyncMeta{
			Source:     model.SourceLocal,
			PendingSeq: entity.Sequence,
		},
	}
	e.cache.SetEntity(key, optimistic)

	if err := e.reg.SetPending(key, entity); err != nil {
		e.cache.RestoreEntity(key, snapshot)
		return err
	}

	if err := e.origin.WriteEntity(ctx, remote.Credential(credential), entity); err != nil {
		e.rollbackPut(key, entity.Sequence, snapshot, prev)
		err = fmt.Errorf("%w: %v", model.ErrMutationFailed, err)
		if e.hooks.OnError != nil {
			e.hooks.OnError(key, err)
		}
		return err
	}

	e.expedite(ctx, authorID)
	e.cache.InvalidateLists(entity.AuthorID, entity.Kind)
	if e.scheduler != nil {
		e.scheduler.Schedule(key)
	}
	if e.hooks.OnSuccess != nil {
		e.hooks.OnSuccess(key)
	}
	return nil
}

// Delete optimistically removes an entity. The entry disappears from the
// cache immediately; on origin failure it is restored with its relations
// intact.
func (e *Executor) Delete(ctx context.Context, credential string, key model.Key) error {
	authorID, err := e.verifier.Verify(credential)
	if err != nil {
		return err
	}
	if key.AuthorID != authorID {
		return fmt.Errorf("%w: credential author %q cannot delete for %q", model.ErrAuthenticationRequired, authorID, key.AuthorID)
	}

	snapshot := e.cache.SnapshotEntity(key)
	kind := snapshotKind(snapshot, key)

	// A pending write for this key is superseded by the delete; remember it
	// so a failed delete can re-register it.
	pending, err := e.reg.GetPending(key)
	if err != nil {
		return err
	}

	e.cache.RemoveEntity(key)
	if err := e.reg.ClearPending(key); err != nil {
		e.cache.RestoreEntity(key, snapshot)
		return err
	}
	if e.scheduler != nil {
		e.scheduler.Cancel(key)
	}

	if err := e.origin.DeleteEntity(ctx, remote.Credential(credential), key); err != nil {
		e.cache.RestoreEntity(key, snapshot)
		if pending != nil {
			if regErr := e.reg.SetPending(key, &pending.Data); regErr != nil {
				e.logger.Error("failed to restore pending write after delete rollback", "key", key, "error", regErr)
			} else if e.scheduler != nil {
				e.scheduler.Schedule(key)
			}
		}
		err = fmt.Errorf("%w: %v", model.ErrMutationFailed, err)
		if e.hooks.OnError != nil {
			e.hooks.OnError(key, err)
		}
		return err
	}

	e.expedite(ctx, authorID)
	if kind != "" {
		e.cache.InvalidateLists(key.AuthorID, kind)
	}
	if e.hooks.OnSuccess != nil {
		e.hooks.OnSuccess(key)
	}
	return nil
}

// rollbackPut restores the pre-mutation snapshot and the pending write that
// was registered before this mutation, unless a newer write has already
// landed for the key while the origin call was in flight.
func (e *Executor) rollbackPut(key model.Key, seq int64, snapshot map[cache.EntryKey]*model.Record, prev *registry.PendingWrite) {
	p, err := e.reg.GetPending(key)
	if err != nil {
		e.logger.Error("failed to read registry during rollback", "key", key, "error", err)
		return
	}
	if p != nil && p.Sequence > seq {
		// A newer optimistic write owns the cache now; leave it alone.
		return
	}

	e.cache.RestoreEntity(key, snapshot)
	if prev != nil {
		if err := e.reg.SetPending(key, &prev.Data); err != nil {
			e.logger.Error("failed to restore pending write during rollback", "key", key, "error", err)
		} else if e.scheduler != nil {
			// The prior write's timer may have fired or exhausted while this
			// mutation was in flight; re-arm reconciliation for it.
			e.scheduler.Schedule(key)
		}
		return
	}
	if err := e.reg.ClearPending(key); err != nil {
		e.logger.Error("failed to clear pending write during rollback", "key", key, "error", err)
	}
	if e.scheduler != nil {
		e.scheduler.Cancel(key)
	}
}

// stampVersion assigns the write's version: the next sequence after
// whatever is cached or pending, unless the caller already chose one.
func (e *Executor) stampVersion(entity *model.Entity, key model.Key, snapshot map[cache.EntryKey]*model.Record) {
	if entity.UpdatedAt == 0 {
		entity.UpdatedAt = e.now().UnixMilli()
	}
	if entity.Sequence != 0 {
		return
	}

	var base int64
	for _, rec := range snapshot {
		if rec.Details.Sequence > base {
			base = rec.Details.Sequence
		}
	}
	if p, err := e.reg.GetPending(key); err == nil && p != nil && p.Sequence > base {
		base = p.Sequence
	}
	entity.Sequence = base + 1
}

// expedite fires the indexing hint without blocking the mutation; failures
// are logged, never surfaced.
func (e *Executor) expedite(ctx context.Context, authorID string) {
	if e.expediter == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), expediteTimeout)
		defer cancel()
		if err := e.expediter.ExpediteIndexing(ctx, authorID); err != nil {
			e.logger.Warn("expedite indexing failed", "author", authorID, "error", err)
		}
	}()
}

func snapshotRelations(snapshot map[cache.EntryKey]*model.Record, key model.Key) model.Relations {
	if rec, ok := snapshot[cache.CanonicalKey(key)]; ok {
		return rec.Relations.Clone()
	}
	for _, rec := range snapshot {
		return rec.Relations.Clone()
	}
	return model.Relations{}
}

func snapshotKind(snapshot map[cache.EntryKey]*model.Record, key model.Key) model.EntityKind {
	if rec, ok := snapshot[cache.CanonicalKey(key)]; ok {
		return rec.Details.Kind
	}
	for _, rec := range snapshot {
		return rec.Details.Kind
	}
	return ""
}
