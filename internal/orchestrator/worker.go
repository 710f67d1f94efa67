package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"dex-sonar/internal/domain"
	"dex-sonar/internal/metrics"
	"dex-sonar/internal/pattern"
	"dex-sonar/internal/series"
)

// State is the lifecycle phase of a pool worker.
type State string

const (
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	// StateDegraded is terminal: the worker exhausted its restarts.
	StateDegraded State = "degraded"
	// StateFinished means a finite feed ended cleanly.
	StateFinished State = "finished"
	StateStopped  State = "stopped"
)

// WorkerStatus is a point-in-time view of one worker.
type WorkerStatus struct {
	PoolID    string
	State     State
	Restarts  int
	LastError error
	Events    uint64
	Samples   int
	Matches   uint64
}

type worker struct {
	o       *Orchestrator
	pool    domain.Pool
	cancel  context.CancelFunc
	rulesCh chan struct{}
	logger  zerolog.Logger

	events  atomic.Uint64
	samples atomic.Int64
	matches atomic.Uint64

	mu       sync.Mutex
	state    State
	restarts int
	lastErr  error
}

func (w *worker) stop() { w.cancel() }

func (w *worker) notifyRules() {
	select {
	case w.rulesCh <- struct{}{}:
	default:
	}
}

func (w *worker) status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerStatus{
		PoolID:    w.pool.ID,
		State:     w.state,
		Restarts:  w.restarts,
		LastError: w.lastErr,
		Events:    w.events.Load(),
		Samples:   int(w.samples.Load()),
		Matches:   w.matches.Load(),
	}
}

func (w *worker) setState(state State, err error) {
	w.mu.Lock()
	w.state = state
	if err != nil {
		w.lastErr = err
	}
	w.mu.Unlock()
	w.o.report()
}

// supervise runs sessions until the feed ends, ctx is cancelled or restarts run out.
// Every session starts from an empty series.
func (w *worker) supervise(ctx context.Context) {
	backoff := w.o.opts.RestartBackoff
	for {
		err := w.session(ctx)
		switch {
		case ctx.Err() != nil:
			w.setState(StateStopped, nil)
			return
		case err == nil:
			w.logger.Info().Msg("feed ended, worker finished")
			w.setState(StateFinished, nil)
			return
		}

		w.mu.Lock()
		exhausted := w.restarts >= w.o.opts.MaxRestarts
		if !exhausted {
			w.restarts++
		}
		attempt := w.restarts
		w.mu.Unlock()

		if exhausted {
			w.logger.Error().Err(err).Int("restarts", attempt).Msg("worker degraded, not restarting")
			w.setState(StateDegraded, err)
			return
		}

		metrics.RecordRestart(w.pool.ID)
		w.logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("worker crashed, restarting")
		w.setState(StateRestarting, err)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			w.setState(StateStopped, nil)
			return
		case <-timer.C:
		}
		backoff *= 2
		if backoff > w.o.opts.MaxBackoff {
			backoff = w.o.opts.MaxBackoff
		}
		w.setState(StateRunning, nil)
	}
}

// session runs one feed stream through a fresh builder and matcher. It returns nil when the
// stream ended cleanly or ctx was cancelled, and an ErrWorkerCrash error otherwise.
func (w *worker) session(ctx context.Context) error {
	rules := w.o.rules.Load()
	matcher := pattern.NewMatcher(w.pool.ID, rules.Rules, w.emit, w.o.opts.Now)
	builder := series.NewBuilder(w.pool.ID, series.Options{
		Retention:         w.o.retention(rules),
		BackfillTolerance: w.o.opts.BackfillTolerance,
		MaxSamples:        w.o.opts.MaxSamples,
	}, matcher)
	w.samples.Store(0)

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan domain.TradeEvent, w.o.opts.EventBuffer)
	done := make(chan error, 1)
	go func() {
		done <- w.o.source.Stream(sctx, w.pool, events)
	}()

	var (
		ended   bool
		feedErr error
	)
	for {
		if ended && len(events) == 0 {
			if feedErr != nil {
				return fmt.Errorf("%w: feed: %v", ErrWorkerCrash, feedErr)
			}
			return nil
		}

		pauseChanged := w.o.pause.Changed()
		in := events
		if w.o.pause.Paused() {
			in = nil
		}

		select {
		case <-ctx.Done():
			if !ended {
				<-done
			}
			return nil
		case <-pauseChanged:
		case <-w.rulesCh:
			w.applyRules(builder, matcher)
		case err := <-done:
			ended, feedErr, done = true, err, nil
		case e := <-in:
			select {
			case <-w.rulesCh:
				w.applyRules(builder, matcher)
			default:
			}
			if err := w.ingest(builder, e); err != nil {
				cancel()
				if !ended {
					<-done
				}
				return err
			}
		}
	}
}

func (w *worker) applyRules(builder *series.Builder, matcher *pattern.Matcher) {
	rules := w.o.rules.Load()
	matcher.SetRules(rules.Rules)
	builder.SetRetention(w.o.retention(rules))
	w.logger.Debug().Uint64("version", rules.Version).Msg("rules reloaded")
}

func (w *worker) ingest(builder *series.Builder, e domain.TradeEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrWorkerCrash, r)
		}
	}()

	w.events.Add(1)
	outcome, ierr := builder.Ingest(e)
	switch {
	case errors.Is(ierr, series.ErrOutOfOrder):
		metrics.RecordEvent("out_of_order")
		w.logger.Debug().Err(ierr).Uint64("seq", e.Sequence).Msg("late event dropped")
	case errors.Is(ierr, series.ErrInvalidEvent):
		metrics.RecordEvent("invalid")
		w.logger.Warn().Err(ierr).Uint64("seq", e.Sequence).Msg("invalid event dropped")
	case ierr != nil:
		metrics.RecordEvent("error")
		w.logger.Warn().Err(ierr).Msg("event rejected")
	default:
		metrics.RecordEvent(outcome.String())
	}
	w.samples.Store(int64(builder.Len()))
	metrics.SetSamples(w.pool.ID, builder.Len())
	return nil
}

func (w *worker) emit(match domain.PatternMatch) {
	w.matches.Add(1)
	metrics.RecordMatch(match.RuleID)
	w.logger.Info().
		Str("rule", match.RuleID).
		Str("drop_pct", match.DropPct.StringFixed(2)).
		Str("recovery_pct", match.RecoveryPct.StringFixed(2)).
		Time("window_start", match.WindowStart).
		Msg("pattern matched")
	if w.o.sink == nil {
		return
	}
	if err := w.o.sink.Submit(match); err != nil {
		w.logger.Warn().Err(err).Str("rule", match.RuleID).Msg("match not queued for delivery")
	}
}
