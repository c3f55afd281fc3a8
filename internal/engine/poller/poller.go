// Package poller runs background reconciliation: for every pending write it
// re-fetches the entity from the remote indexer on an exponential backoff
// schedule until the indexer's version has caught up to the write, or the
// retry budget is exhausted. Each key owns an independent cancellable timer.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gillohner/eventky-sub000/internal/engine/cache"
	"github.com/gillohner/eventky-sub000/internal/engine/merge"
	"github.com/gillohner/eventky-sub000/internal/engine/registry"
	"github.com/gillohner/eventky-sub000/internal/remote"
	"github.com/gillohner/eventky-sub000/pkg/model"
)

// Config holds the backoff schedule. The constants are tuning parameters,
// not correctness properties: growth must be monotonic and capped.
type Config struct {
	// InitialDelay before the first reconciliation attempt.
	InitialDelay time.Duration `yaml:"initial_delay"`

	// Factor is the multiplier applied per subsequent attempt.
	Factor float64 `yaml:"factor"`

	// MaxDelay caps the inter-poll delay.
	MaxDelay time.Duration `yaml:"max_delay"`

	// MaxAttempts is the retry budget per pending write.
	MaxAttempts int `yaml:"max_attempts"`
}

// DefaultConfig returns the default poller configuration.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 2 * time.Second,
		Factor:       2.0,
		MaxDelay:     time.Minute,
		MaxAttempts:  10,
	}
}

// Poller reconciles pending writes against the remote indexer.
type Poller struct {
	cfg      Config
	cache    *cache.Cache
	reg      registry.Store
	indexer  remote.Indexer
	resolver *merge.Resolver
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	timers  map[model.Key]*time.Timer
}

// New creates a Poller.
func New(cfg Config, c *cache.Cache, reg registry.Store, indexer remote.Indexer, resolver *merge.Resolver, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultConfig().InitialDelay
	}
	if cfg.Factor < 1 {
		cfg.Factor = DefaultConfig().Factor
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Poller{
		cfg:      cfg,
		cache:    c,
		reg:      reg,
		indexer:  indexer,
		resolver: resolver,
		logger:   logger.With("component", "poller"),
		timers:   make(map[model.Key]*time.Timer),
	}
}

// Start makes the poller ready to schedule reconciliation tasks.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("poller already running")
	}

	p.runCtx, p.cancel = context.WithCancel(ctx)
	p.running = true
	p.logger.Info("poller started",
		"initial_delay", p.cfg.InitialDelay,
		"max_delay", p.cfg.MaxDelay,
		"max_attempts", p.cfg.MaxAttempts)
	return nil
}

// Stop cancels every armed timer and waits for in-flight polls to finish.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.cancel()
	for key, t := range p.timers {
		if t.Stop() {
			p.wg.Done()
		}
		delete(p.timers, key)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume scans the durable registry and re-arms reconciliation for every
// unconfirmed pending write, picking up writes submitted before a restart.
func (p *Poller) Resume() error {
	pending, err := p.reg.List()
	if err != nil {
		return fmt.Errorf("failed to list pending writes: %w", err)
	}

	for _, pw := range pending {
		if pw.Confirmed() {
			continue
		}
		p.Schedule(pw.Key)
	}
	if len(pending) > 0 {
		p.logger.Info("resumed reconciliation", "pending", len(pending))
	}
	return nil
}

// Schedule arms (or re-arms) the reconciliation timer for a key. Safe to
// call for keys that are already scheduled; the timer restarts on the
// current pending write's schedule.
func (p *Poller) Schedule(key model.Key) {
	pw, err := p.reg.GetPending(key)
	if err != nil {
		p.logger.Error("failed to read pending write", "key", key, "error", err)
		return
	}
	if pw == nil || pw.Confirmed() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}

	if t, ok := p.timers[key]; ok {
		if t.Stop() {
			p.wg.Done()
		}
		delete(p.timers, key)
	}

	p.armLocked(key, p.delayFor(pw.Attempts))
}

// Cancel clears the timer for a key; no further attempts run for it.
func (p *Poller) Cancel(key model.Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.timers[key]; ok {
		if t.Stop() {
			p.wg.Done()
		}
		delete(p.timers, key)
	}
}

// Scheduled reports whether a timer is currently armed for the key.
func (p *Poller) Scheduled(key model.Key) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.timers[key]
	return ok
}

// armLocked arms a timer for key after delay. Caller holds p.mu.
func (p *Poller) armLocked(key model.Key, delay time.Duration) {
	p.wg.Add(1)
	p.timers[key] = time.AfterFunc(delay, func() {
		defer p.wg.Done()

		p.mu.Lock()
		delete(p.timers, key)
		running := p.running
		ctx := p.runCtx
		p.mu.Unlock()
		if !running || ctx.Err() != nil {
			return
		}

		p.poll(ctx, key)
	})
}

// poll performs one reconciliation attempt for key.
func (p *Poller) poll(ctx context.Context, key model.Key) {
	pw, err := p.reg.GetPending(key)
	if err != nil {
		p.logger.Error("failed to read pending write", "key", key, "error", err)
		return
	}
	if pw == nil || pw.Confirmed() {
		// Nothing left to reconcile; back to idle.
		return
	}

	attempts, err := p.reg.MarkSyncAttempt(key)
	if err != nil {
		p.logger.Error("failed to record sync attempt", "key", key, "error", err)
		return
	}

	remoteEntity, remoteRels, err := p.indexer.FetchEntity(ctx, key, model.Variant{})
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		if model.IsCanceled(err) {
			return
		}
		// Transient fetch failure: the attempt still consumed budget.
		p.logger.Warn("reconciliation fetch failed", "key", key, "attempt", attempts, "error", err)
		p.finishAttempt(key, attempts)
		return
	}

	prior, _, _ := p.cache.Get(cache.CanonicalKey(key))
	rec, err := p.resolver.Resolve(prior, remoteEntity, remoteRels, key)
	if err != nil {
		p.logger.Error("reconciliation merge failed", "key", key, "error", err)
		p.finishAttempt(key, attempts)
		return
	}

	if rec == nil {
		p.cache.RemoveEntity(key)
		return
	}
	p.cache.SetEntity(key, rec)

	if rec.Meta.Source == model.SourceRemote {
		p.logger.Debug("pending write confirmed", "key", key, "attempts", attempts)
		return
	}

	p.finishAttempt(key, attempts)
}

// finishAttempt reschedules the next poll or gives up once the retry budget
// is spent. Exhaustion is never surfaced to the caller; the entity simply
// stays unconfirmed until an unrelated fetch reconciles it.
func (p *Poller) finishAttempt(key model.Key, attempts int) {
	if attempts >= p.cfg.MaxAttempts {
		p.logger.Warn("reconciliation exhausted", "key", key, "attempts", attempts)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	if _, ok := p.timers[key]; ok {
		// A newer mutation re-armed the key while this poll ran.
		return
	}
	p.armLocked(key, p.delayFor(attempts))
}

// delayFor returns the delay before the next attempt: the initial delay
// grown exponentially per performed attempt, capped at MaxDelay.
func (p *Poller) delayFor(attempts int) time.Duration {
	delay := p.cfg.InitialDelay
	for i := 0; i < attempts; i++ {
		delay = time.Duration(float64(delay) * p.cfg.Factor)
		if delay >= p.cfg.MaxDelay {
			return p.cfg.MaxDelay
		}
	}
	if delay > p.cfg.MaxDelay {
		return p.cfg.MaxDelay
	}
	return delay
}
