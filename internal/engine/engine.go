// Package engine wires the optimistic cache together: the keyed cache
// store, the durable pending-write registry, the merge resolver, the
// mutation executor, and the background reconciliation poller. Callers
// construct one Engine per client session; instances are fully isolated.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gillohner/eventky-sub000/internal/auth"
	"github.com/gillohner/eventky-sub000/internal/engine/cache"
	"github.com/gillohner/eventky-sub000/internal/engine/executor"
	"github.com/gillohner/eventky-sub000/internal/engine/merge"
	"github.com/gillohner/eventky-sub000/internal/engine/poller"
	"github.com/gillohner/eventky-sub000/internal/engine/registry"
	"github.com/gillohner/eventky-sub000/internal/remote"
	"github.com/gillohner/eventky-sub000/pkg/model"
)

// Config holds engine configuration.
type Config struct {
	Poller poller.Config `yaml:"poller"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{Poller: poller.DefaultConfig()}
}

// Options names the collaborators an Engine is built over. Registry
// lifetime is owned by the caller; the engine does not close it.
type Options struct {
	Registry  registry.Store
	Indexer   remote.Indexer
	Origin    remote.Origin
	Expediter remote.Expediter
	Verifier  *auth.Verifier
	Logger    *slog.Logger
}

// Engine is the optimistic write-through cache and reconciliation engine.
type Engine struct {
	cache    *cache.Cache
	reg      registry.Store
	indexer  remote.Indexer
	resolver *merge.Resolver
	exec     *executor.Executor
	poller   *poller.Poller
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
}

// New creates an Engine from its collaborators.
func New(cfg Config, opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Indexer == nil {
		return nil, fmt.Errorf("indexer is required")
	}
	if opts.Origin == nil {
		return nil, fmt.Errorf("origin is required")
	}
	if opts.Verifier == nil {
		return nil, fmt.Errorf("verifier is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := cache.New()
	resolver := merge.New(opts.Registry)
	exec := executor.New(c, opts.Registry, opts.Origin, opts.Expediter, opts.Verifier, logger)
	p := poller.New(cfg.Poller, c, opts.Registry, opts.Indexer, resolver, logger)
	exec.SetScheduler(p)

	return &Engine{
		cache:    c,
		reg:      opts.Registry,
		indexer:  opts.Indexer,
		resolver: resolver,
		exec:     exec,
		poller:   p,
		logger:   logger.With("component", "engine"),
	}, nil
}

// Start begins background reconciliation and resumes polling for pending
// writes left over from before a restart.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("engine already running")
	}

	if err := e.poller.Start(ctx); err != nil {
		return err
	}
	if err := e.poller.Resume(); err != nil {
		return err
	}
	e.running = true
	return nil
}

// Stop tears down background polling. Cached state stays readable.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}
	e.running = false
	return e.poller.Stop(ctx)
}

// Get returns the record for a key and query variant, fetching from the
// remote indexer on a miss or stale entry. Every fetch response funnels
// through the merge resolver, so a pending local write always wins over a
// remote snapshot that has not caught up.
func (e *Engine) Get(ctx context.Context, key model.Key, variant model.Variant) (*model.Record, error) {
	ek := cache.EntryKey{Key: key, Variant: variant}
	rec, stale, ok := e.cache.Get(ek)
	if ok && !stale {
		return rec, nil
	}

	remoteEntity, remoteRels, err := e.indexer.FetchEntity(ctx, key, variant)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, model.WrapError(err)
	}

	merged, err := e.resolver.Resolve(rec, remoteEntity, remoteRels, key)
	if err != nil {
		return nil, err
	}
	if merged == nil {
		e.cache.Remove(ek)
		return nil, model.ErrNotFound
	}

	e.cache.Set(ek, merged)
	return merged.Clone(), nil
}

// Put creates or updates an entity optimistically. See executor.Put.
func (e *Engine) Put(ctx context.Context, credential string, entity *model.Entity) error {
	return e.exec.Put(ctx, credential, entity)
}

// Delete optimistically removes an entity. See executor.Delete.
func (e *Engine) Delete(ctx context.Context, credential string, key model.Key) error {
	return e.exec.Delete(ctx, credential, key)
}

// Invalidate marks a cached variant stale so the next Get refetches it.
func (e *Engine) Invalidate(key model.Key, variant model.Variant) {
	e.cache.Invalidate(cache.EntryKey{Key: key, Variant: variant})
}

// SetHooks installs mutation callbacks.
func (e *Engine) SetHooks(h executor.Hooks) {
	e.exec.SetHooks(h)
}

// Cache exposes the underlying cache store for list-query callers.
func (e *Engine) Cache() *cache.Cache {
	return e.cache
}
