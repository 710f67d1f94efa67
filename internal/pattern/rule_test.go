package pattern

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRulesRejectsIndividually(t *testing.T) {
	configs := []RuleConfig{
		{ID: "ok", DropPct: 10, DropWindow: 5 * time.Minute, RecoveryPct: 10, RecoveryWindow: 10 * time.Minute, Cooldown: time.Hour},
		{ID: "", DropPct: 10, DropWindow: time.Minute},
		{ID: "neg", DropPct: -1, DropWindow: time.Minute},
		{ID: "no-window", DropPct: 10},
		{ID: "orphan-recovery", DropPct: 10, DropWindow: time.Minute, RecoveryPct: 5},
		{ID: "too-deep", DropPct: 100, DropWindow: time.Minute},
		{ID: "bad-kind", Kind: "sideways", DropPct: 10, DropWindow: time.Minute},
		{ID: "ok", DropPct: 20, DropWindow: time.Minute},
		{ID: "off", Disabled: true},
		{ID: "pump", Kind: "pump", DropPct: 150, DropWindow: time.Minute, MinHistory: 2 * time.Hour},
	}

	set, errs := LoadRules(3, configs)
	require.Len(t, set.Rules, 2)
	assert.Equal(t, uint64(3), set.Version)
	assert.Equal(t, "ok", set.Rules[0].ID)
	assert.Equal(t, "ok", set.Rules[0].Name)
	assert.Equal(t, KindDump, set.Rules[0].Kind)
	assert.Equal(t, "pump", set.Rules[1].ID)

	require.Len(t, errs, 7)
	for _, err := range errs {
		var rce *RuleConfigError
		require.True(t, errors.As(err, &rce), err.Error())
	}
	var first *RuleConfigError
	require.True(t, errors.As(errs[0], &first))
	assert.Equal(t, 1, first.Index)
	assert.Contains(t, first.Error(), "#1")

	assert.Equal(t, 2*time.Hour, set.MaxLookback())
	assert.Equal(t, time.Hour, set.MaxCooldown())

	_, ok := set.Get("pump")
	assert.True(t, ok)
	_, ok = set.Get("off")
	assert.False(t, ok)
}

func TestRuleLookback(t *testing.T) {
	rule, err := RuleConfig{ID: "r", DropPct: 10, DropWindow: 5 * time.Minute, RecoveryPct: 10, RecoveryWindow: 10 * time.Minute}.Build()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, rule.Lookback())
	assert.True(t, rule.Equal(rule))
}

func TestMinLegDurationsValidated(t *testing.T) {
	_, err := RuleConfig{ID: "r", DropPct: 10, DropWindow: time.Minute, MinDropDuration: 2 * time.Minute}.Build()
	assert.ErrorContains(t, err, "min_drop_duration")

	_, err = RuleConfig{ID: "r", DropPct: 10, DropWindow: time.Minute, MinRecoveryDuration: time.Minute}.Build()
	assert.ErrorContains(t, err, "min_recovery_duration")

	rule, err := RuleConfig{
		ID: "r", DropPct: 10, DropWindow: 5 * time.Minute, RecoveryPct: 5, RecoveryWindow: 5 * time.Minute,
		MinDropDuration: time.Minute, MinRecoveryDuration: time.Minute,
	}.Build()
	require.NoError(t, err)
	other := rule
	other.MinRecoveryDuration = 2 * time.Minute
	assert.False(t, rule.Equal(other))
}
