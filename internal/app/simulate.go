package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dex-sonar/internal/alerting"
	"dex-sonar/internal/domain"
	"dex-sonar/internal/pattern"
	"dex-sonar/internal/service"
)

var (
	one     = decimal.NewFromInt(1)
	percent = decimal.NewFromInt(100)
)

// SimulateAlert 构造一次合成的形态匹配，并走完整的派发流程（富化、去重、投递）。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	notifier, err := a.newNotifier()
	if err != nil {
		return err
	}

	rules := service.LoadRules(1, a.Config.Rules, a.Logger)
	rule, err := pickRule(rules, opts.Rule)
	if err != nil {
		return err
	}

	reg, refresher, closeRegistry := a.buildRegistry()
	defer closeRegistry()
	if _, err := refresher.Refresh(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("pool metrics unavailable, alert will carry the watchlist entry only")
	}

	poolID := opts.Pool
	if poolID == "" {
		pools := refresher.Watchlist()
		if len(pools) == 0 {
			return errors.New("--pool is required when no pools are configured")
		}
		poolID = pools[0].ID
	}

	drop := opts.DropPct
	if !drop.IsPositive() {
		drop = rule.DropPct
	}
	recovery := opts.RecoveryPct
	if recovery.IsZero() && rule.TwoLeg() {
		recovery = rule.RecoveryPct
	}
	match := syntheticMatch(rule, poolID, drop, recovery, time.Now().UTC())

	disp := alerting.NewDispatcher(a.dispatcherOptions(), notifier, nil, reg, nil, a.Logger)
	disp.Start(ctx)
	if err := disp.Submit(match); err != nil {
		disp.Close()
		return err
	}
	disp.Close()

	st := disp.Stats()
	if st.Delivered == 0 {
		return fmt.Errorf("simulated alert not delivered (suppressed %d, dropped %d)", st.Suppressed, st.Dropped)
	}
	a.Logger.Info().Str("pool", poolID).Str("rule", rule.ID).Msg("simulated alert delivered")
	return nil
}

func pickRule(rules *pattern.RuleSet, id string) (pattern.Rule, error) {
	if id == "" {
		if len(rules.Rules) == 0 {
			return pattern.Rule{}, errors.New("no valid rules configured")
		}
		return rules.Rules[0], nil
	}
	rule, ok := rules.Get(strings.TrimSpace(id))
	if !ok {
		return pattern.Rule{}, fmt.Errorf("rule %q not found", id)
	}
	return rule, nil
}

// syntheticMatch lays the two legs out inside the rule windows, ending at now, around a
// reference price of 1.
func syntheticMatch(rule pattern.Rule, poolID string, dropPct, recoveryPct decimal.Decimal, now time.Time) domain.PatternMatch {
	firstLeg := rule.DropWindow / 2
	secondLeg := time.Duration(0)
	if recoveryPct.IsPositive() {
		secondLeg = rule.RecoveryWindow / 2
	}
	start := now.Add(-firstLeg - secondLeg)
	pivotAt := start.Add(firstLeg)

	first := dropPct.Div(percent)
	back := recoveryPct.Div(percent)
	pivot := one.Sub(first)
	trigger := pivot.Mul(one.Add(back))
	if rule.Kind == pattern.KindPump {
		pivot = one.Add(first)
		trigger = pivot.Mul(one.Sub(back))
	}
	if !recoveryPct.IsPositive() {
		trigger = pivot
	}

	sample := func(at time.Time, price decimal.Decimal, seq uint64) domain.Sample {
		return domain.Sample{PoolID: poolID, Timestamp: at, Sequence: seq, Price: price, Volume: one, Side: domain.Sell, CumVolume: decimal.NewFromInt(int64(seq + 1))}
	}
	return domain.PatternMatch{
		PoolID:      poolID,
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		Kind:        string(rule.Kind),
		WindowStart: start,
		WindowEnd:   now,
		DropPct:     dropPct,
		RecoveryPct: recoveryPct,
		Volume:      decimal.NewFromInt(3),
		Significant: rule.Significant(dropPct),
		Cooldown:    rule.Cooldown,
		Peak:        sample(start, one, 0),
		Trough:      sample(pivotAt, pivot, 1),
		Trigger:     sample(now, trigger, 2),
		DetectedAt:  now,
	}
}
