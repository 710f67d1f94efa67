// Package orchestrator runs one supervised worker per watched pool. A worker streams trades
// from the feed into its series builder and pattern matcher and hands matches to the sink.
package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"dex-sonar/internal/control"
	"dex-sonar/internal/domain"
	"dex-sonar/internal/feed"
	"dex-sonar/internal/metrics"
	"dex-sonar/internal/pattern"
	"dex-sonar/internal/registry"
)

// ErrWorkerCrash marks a worker that failed or panicked. After MaxRestarts the pool is degraded.
var ErrWorkerCrash = errors.New("orchestrator: worker crashed")

// Sink accepts completed matches. Submit must not block.
type Sink interface {
	Submit(match domain.PatternMatch) error
}

// PoolSource is the registry side the orchestrator follows.
type PoolSource interface {
	Snapshot() *registry.Snapshot
	Subscribe() (<-chan registry.Change, func())
}

// Options tune worker supervision and series sizing.
type Options struct {
	// MinRetention is a floor for series retention; the rule set's max lookback is used when larger.
	MinRetention      time.Duration
	BackfillTolerance time.Duration
	MaxSamples        int
	// EventBuffer sizes the channel between a feed stream and its worker.
	EventBuffer    int
	MaxRestarts    int
	RestartBackoff time.Duration
	MaxBackoff     time.Duration
	Now            func() time.Time
}

// Orchestrator owns the pool-id-indexed worker set.
type Orchestrator struct {
	opts   Options
	source feed.Source
	sink   Sink
	pause  *control.Flag
	logger zerolog.Logger

	rules atomic.Pointer[pattern.RuleSet]

	mu      sync.Mutex
	workers map[string]*worker
	wg      sync.WaitGroup
}

// New builds an orchestrator. pause may be nil, meaning never paused.
func New(opts Options, source feed.Source, sink Sink, pause *control.Flag, rules *pattern.RuleSet, logger zerolog.Logger) *Orchestrator {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.MaxRestarts < 0 {
		opts.MaxRestarts = 0
	}
	if opts.RestartBackoff <= 0 {
		opts.RestartBackoff = time.Second
	}
	if opts.MaxBackoff < opts.RestartBackoff {
		opts.MaxBackoff = 30 * opts.RestartBackoff
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if pause == nil {
		pause = control.NewFlag(opts.Now)
	}
	if rules == nil {
		rules = &pattern.RuleSet{}
	}
	o := &Orchestrator{
		opts:    opts,
		source:  source,
		sink:    sink,
		pause:   pause,
		logger:  logger.With().Str("component", "orchestrator").Logger(),
		workers: make(map[string]*worker),
	}
	o.rules.Store(rules)
	return o
}

// Run follows the pool source until ctx is cancelled, then stops every worker and waits for them.
func (o *Orchestrator) Run(ctx context.Context, pools PoolSource) error {
	changes, unsubscribe := pools.Subscribe()
	defer unsubscribe()

	o.Reconcile(ctx, pools.Snapshot())
	metrics.SetPaused(o.pause.Paused())

	for {
		pauseChanged := o.pause.Changed()
		select {
		case <-ctx.Done():
			o.stopAll()
			return nil
		case _, ok := <-changes:
			if !ok {
				o.stopAll()
				return nil
			}
			o.Reconcile(ctx, pools.Snapshot())
		case <-pauseChanged:
			state := o.pause.Load()
			metrics.SetPaused(state.Paused)
			o.logger.Info().
				Bool("paused", state.Paused).
				Strs("paused_by", state.PausedBy).
				Uint64("version", state.Version).
				Msg("processing pause state changed")
		}
	}
}

// Reconcile starts workers for pools in snap that have none and stops workers whose pool left it.
func (o *Orchestrator) Reconcile(ctx context.Context, snap *registry.Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for id, w := range o.workers {
		if _, ok := snap.Pools[id]; ok {
			continue
		}
		w.stop()
		delete(o.workers, id)
		metrics.ForgetPool(id)
		o.logger.Info().Str("pool", id).Msg("pool unwatched, worker stopped")
	}
	for id, pool := range snap.Pools {
		if _, ok := o.workers[id]; ok {
			continue
		}
		o.workers[id] = o.startWorker(ctx, pool)
	}
	o.reportLocked()
}

// SetRules swaps the shared rule set. Workers pick it up before their next event.
func (o *Orchestrator) SetRules(rules *pattern.RuleSet) {
	o.rules.Store(rules)

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, w := range o.workers {
		w.notifyRules()
	}
	o.logger.Info().Uint64("version", rules.Version).Int("rules", len(rules.Rules)).Msg("rule set applied")
}

// Rules returns the rule set in effect.
func (o *Orchestrator) Rules() *pattern.RuleSet { return o.rules.Load() }

// Status lists every known worker, sorted by pool id.
func (o *Orchestrator) Status() []WorkerStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]WorkerStatus, 0, len(o.workers))
	for _, w := range o.workers {
		out = append(out, w.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PoolID < out[j].PoolID })
	return out
}

func (o *Orchestrator) startWorker(ctx context.Context, pool domain.Pool) *worker {
	wctx, cancel := context.WithCancel(ctx)
	w := &worker{
		o:       o,
		pool:    pool,
		cancel:  cancel,
		rulesCh: make(chan struct{}, 1),
		logger:  o.logger.With().Str("pool", pool.ID).Logger(),
		state:   StateRunning,
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		w.supervise(wctx)
	}()
	return w
}

func (o *Orchestrator) stopAll() {
	o.mu.Lock()
	for _, w := range o.workers {
		w.stop()
	}
	o.mu.Unlock()
	o.wg.Wait()

	o.mu.Lock()
	o.reportLocked()
	o.mu.Unlock()
}

func (o *Orchestrator) report() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reportLocked()
}

func (o *Orchestrator) reportLocked() {
	active, degraded := 0, 0
	for _, w := range o.workers {
		switch w.status().State {
		case StateRunning, StateRestarting:
			active++
		case StateDegraded:
			degraded++
		}
	}
	metrics.SetWorkers(active, degraded)
}

func (o *Orchestrator) retention(rules *pattern.RuleSet) time.Duration {
	retention := rules.MaxLookback()
	if retention < o.opts.MinRetention {
		retention = o.opts.MinRetention
	}
	return retention
}
