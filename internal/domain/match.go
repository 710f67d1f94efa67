package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PatternMatch is a completed shape on one pool's series for one rule. For a pump, Peak holds
// the local low the rise started from and Trough the high it pulled back from.
type PatternMatch struct {
	PoolID      string
	RuleID      string
	RuleName    string
	Kind        string
	WindowStart time.Time
	WindowEnd   time.Time
	// DropPct and RecoveryPct are the magnitudes of both legs in percent, always non-negative.
	DropPct     decimal.Decimal
	RecoveryPct decimal.Decimal
	Volume      decimal.Decimal
	Significant bool
	// Cooldown is the rule cooldown in effect at detection time.
	Cooldown   time.Duration
	Peak       Sample
	Trough     Sample
	Trigger    Sample
	DetectedAt time.Time
}

// Alert is the terminal artifact handed to the notification boundary.
type Alert struct {
	ID           string
	Pool         Pool
	Match        PatternMatch
	GeneratedAt  time.Time
	StaleMetrics bool
}
