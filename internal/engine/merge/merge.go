// Package merge combines a pending local write with the latest remote
// indexer snapshot into the record the caller should see. Every fetch
// response funnels through Resolve; it is the single source of truth for
// whether an entity is optimistic or confirmed.
package merge

import (
	"time"

	"github.com/gillohner/eventky-sub000/internal/engine/registry"
	"github.com/gillohner/eventky-sub000/pkg/model"
)

// Resolver merges remote snapshots with pending writes from the registry.
type Resolver struct {
	reg registry.Store
	now func() time.Time
}

// New creates a Resolver over the given registry.
func New(reg registry.Store) *Resolver {
	return &Resolver{reg: reg, now: time.Now}
}

// Resolve merges the remote snapshot for key with any pending local write.
//
// A nil remote means the indexer does not (yet) know the entity. A nil
// result means the caller should remove the cache entry. Relation lists
// known from the prior cached record are never dropped unless the remote
// explicitly supplies replacements.
//
// When the remote version has caught up to the pending write, the pending
// record is marked synced and cleared, and the entity flips to confirmed.
func (r *Resolver) Resolve(prior *model.Record, remote *model.Entity, remoteRels model.Relations, key model.Key) (*model.Record, error) {
	pending, err := r.reg.GetPending(key)
	if err != nil {
		return nil, err
	}

	priorRels := model.Relations{}
	if prior != nil {
		priorRels = prior.Relations
	}

	if pending == nil {
		if remote == nil {
			// Nothing pending and the indexer reports nothing: entity gone.
			return nil, nil
		}
		return &model.Record{
			Details:   *remote.Clone(),
			Relations: remoteRels.MergeOver(priorRels),
			Meta: model.SyncMeta{
				Source:   model.SourceRemote,
				SyncedAt: r.now().UnixMilli(),
			},
		}, nil
	}

	if remote == nil {
		// The indexer has not seen the entity yet; the pending write wins.
		return r.localRecord(pending, priorRels), nil
	}

	if model.CompareVersions(remote, &pending.Data) >= 0 {
		// The indexer has absorbed the pending write.
		if err := r.reg.MarkSynced(key); err != nil {
			return nil, err
		}
		if err := r.reg.ClearPending(key); err != nil {
			return nil, err
		}
		return &model.Record{
			Details:   *remote.Clone(),
			Relations: remoteRels.MergeOver(priorRels),
			Meta: model.SyncMeta{
				Source:   model.SourceRemote,
				SyncedAt: r.now().UnixMilli(),
			},
		}, nil
	}

	// The indexer has not caught up; keep showing the local write.
	return r.localRecord(pending, priorRels), nil
}

// localRecord wraps a pending write as an unconfirmed local record. The
// local write carries no relation lists, so the prior ones are preserved.
func (r *Resolver) localRecord(pending *registry.PendingWrite, priorRels model.Relations) *model.Record {
	return &model.Record{
		Details:   *pending.Data.Clone(),
		Relations: priorRels.Clone(),
		Meta: model.SyncMeta{
			Source:     model.SourceLocal,
			PendingSeq: pending.Sequence,
			Attempts:   pending.Attempts,
		},
	}
}
