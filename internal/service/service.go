package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dex-sonar/internal/alerting"
	"dex-sonar/internal/config"
	"dex-sonar/internal/control"
	"dex-sonar/internal/orchestrator"
	"dex-sonar/internal/pattern"
	"dex-sonar/internal/registry"
	"dex-sonar/internal/scheduler"
	"dex-sonar/internal/storage"
)

// Refresher republishes the registry snapshot.
type Refresher interface {
	Refresh(ctx context.Context) (registry.Change, error)
}

// Components are the wired parts the service runs. Scheduler, Remote and Locker are optional.
type Components struct {
	Registry     *registry.Registry
	Refresher    Refresher
	Scheduler    *scheduler.Scheduler
	Orchestrator *orchestrator.Orchestrator
	Dispatcher   *alerting.Dispatcher
	Pause        *control.Flag
	Remote       *control.RedisStore
	RemoteEvery  time.Duration
	Locker       storage.AdvisoryLocker
	LockKey      int64
	LockRetry    time.Duration
}

// Service runs detection end to end: registry refresh, per-pool workers and alert delivery.
type Service struct {
	c      Components
	logger zerolog.Logger

	mu           sync.Mutex
	rulesVersion uint64
}

// New constructs the monitoring service.
func New(c Components, logger zerolog.Logger) *Service {
	if c.LockRetry <= 0 {
		c.LockRetry = 15 * time.Second
	}
	if c.Pause == nil {
		c.Pause = control.NewFlag(nil)
	}
	s := &Service{c: c, logger: logger.With().Str("component", "service").Logger()}
	if c.Orchestrator != nil {
		s.rulesVersion = c.Orchestrator.Rules().Version
	}
	return s
}

// Run blocks until ctx is cancelled. With an advisory lock configured it first waits in standby
// until this instance holds the lock.
func (s *Service) Run(ctx context.Context) error {
	if s.c.Orchestrator == nil || s.c.Dispatcher == nil || s.c.Registry == nil {
		return fmt.Errorf("service not fully wired")
	}

	unlock, err := s.waitForLock(ctx)
	if err != nil {
		return err
	}
	if unlock == nil && ctx.Err() != nil {
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	// the dispatcher outlives the workers so matches emitted while stopping are still delivered
	dctx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	s.c.Dispatcher.Start(dctx)
	defer func() {
		stopDispatch()
		s.c.Dispatcher.Close()
		st := s.c.Dispatcher.Stats()
		s.logger.Info().
			Uint64("delivered", st.Delivered).
			Uint64("suppressed", st.Suppressed).
			Uint64("dropped", st.Dropped).
			Msg("dispatcher drained")
	}()

	if s.c.Refresher != nil {
		if _, err := s.c.Refresher.Refresh(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("initial registry refresh failed")
		}
	}

	var wg sync.WaitGroup
	if s.c.Scheduler != nil && s.c.Refresher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.c.Scheduler.Run(ctx, s.refreshTick)
		}()
	}
	if s.c.Remote != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.c.Remote.Watch(ctx, s.c.Pause, s.c.RemoteEvery, s.logger)
		}()
	}

	s.logger.Info().Int("pools", len(s.c.Registry.Snapshot().Pools)).Msg("detection started")
	err = s.c.Orchestrator.Run(ctx, s.c.Registry)
	wg.Wait()
	return err
}

// ApplyConfig takes the hot-reloadable parts of a new config: the rule list and the pause switch.
func (s *Service) ApplyConfig(cfg *config.Config) {
	s.mu.Lock()
	s.rulesVersion++
	version := s.rulesVersion
	s.mu.Unlock()

	rules := LoadRules(version, cfg.Rules, s.logger)
	s.c.Orchestrator.SetRules(rules)
	s.c.Dispatcher.SetMinTTL(rules.MaxCooldown())

	if state, changed := s.c.Pause.Set(control.SourceConfig, cfg.Control.Paused); changed {
		s.logger.Info().Bool("paused", state.Paused).Strs("paused_by", state.PausedBy).Msg("pause switch updated from config")
	}
}

// LoadRules builds a rule set, logging every rejected entry. Rejections never fail the load.
func LoadRules(version uint64, cfgs []pattern.RuleConfig, logger zerolog.Logger) *pattern.RuleSet {
	rules, errs := pattern.LoadRules(version, cfgs)
	for _, err := range errs {
		logger.Error().Err(err).Uint64("rules_version", version).Msg("rule rejected")
	}
	logger.Info().
		Uint64("rules_version", version).
		Int("loaded", len(rules.Rules)).
		Int("rejected", len(errs)).
		Dur("retention", rules.MaxLookback()).
		Msg("rules loaded")
	return rules
}

func (s *Service) refreshTick(ctx context.Context, tick time.Time) error {
	change, err := s.c.Refresher.Refresh(ctx)
	if err != nil {
		return err
	}
	if !change.Empty() {
		s.logger.Debug().
			Time("tick", tick).
			Int("added", len(change.Added)).
			Int("removed", len(change.Removed)).
			Int("updated", len(change.Updated)).
			Msg("registry refreshed")
	}
	return nil
}

// waitForLock returns a nil unlock when no lock is configured or ctx ended while waiting.
func (s *Service) waitForLock(ctx context.Context) (func(), error) {
	if s.c.LockKey == 0 || s.c.Locker == nil {
		return nil, nil
	}
	logged := false
	for {
		unlock, acquired, err := s.c.Locker.TryAdvisoryLock(ctx, s.c.LockKey)
		switch {
		case err != nil:
			s.logger.Warn().Err(err).Msg("advisory lock attempt failed")
		case acquired:
			s.logger.Info().Int64("lock_key", s.c.LockKey).Msg("advisory lock acquired, instance active")
			return unlock, nil
		case !logged:
			s.logger.Info().Int64("lock_key", s.c.LockKey).Msg("another instance is active, standing by")
			logged = true
		}

		timer := time.NewTimer(s.c.LockRetry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil
		case <-timer.C:
		}
	}
}
