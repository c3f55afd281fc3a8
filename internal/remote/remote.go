// Package remote defines the collaborator interfaces the engine consumes:
// the eventually-consistent indexer read path, the authoritative origin
// write path, and the best-effort indexing expedite hint.
package remote

import (
	"context"

	"github.com/gillohner/eventky-sub000/pkg/model"
)

// Credential is an opaque write credential presented by the caller. The
// engine verifies it before any mutation touches state.
type Credential string

// Indexer is the read path. Eventually consistent: a freshly written
// entity may be missing or stale for a while.
type Indexer interface {
	// FetchEntity returns the entity and its relation lists as currently
	// reported by the indexer. Returns model.ErrNotFound when the indexer
	// has no entity for the key; that is "remote absent", not a failure.
	FetchEntity(ctx context.Context, key model.Key, variant model.Variant) (*model.Entity, model.Relations, error)
}

// Origin is the authoritative write target.
type Origin interface {
	WriteEntity(ctx context.Context, cred Credential, entity *model.Entity) error
	DeleteEntity(ctx context.Context, cred Credential, key model.Key) error
}

// Expediter hints the indexer to ingest an author's writes sooner.
// Best effort: callers fire and forget, failures are logged and swallowed.
type Expediter interface {
	ExpediteIndexing(ctx context.Context, authorID string) error
}
