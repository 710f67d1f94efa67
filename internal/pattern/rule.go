package pattern

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Kind selects the shape a rule looks for.
type Kind string

const (
	// KindDump is a drop from a local peak followed by a recovery from the trough.
	KindDump Kind = "dump"
	// KindPump mirrors KindDump: a rise from a local low followed by a pullback.
	KindPump Kind = "pump"
)

var hundred = decimal.NewFromInt(100)

// RuleConfig is the raw, user-supplied form of a rule as found under `rules:` in the config.
type RuleConfig struct {
	ID                string        `mapstructure:"id" validate:"required,max=64"`
	Name              string        `mapstructure:"name"`
	Kind              string        `mapstructure:"kind" validate:"omitempty,oneof=dump pump"`
	Disabled          bool          `mapstructure:"disabled"`
	DropPct           float64       `mapstructure:"drop_pct" validate:"gt=0"`
	DropWindow        time.Duration `mapstructure:"drop_window" validate:"gt=0"`
	RecoveryPct       float64       `mapstructure:"recovery_pct" validate:"gte=0"`
	RecoveryWindow    time.Duration `mapstructure:"recovery_window" validate:"gte=0"`
	MinVolume         float64       `mapstructure:"min_volume" validate:"gte=0"`
	Cooldown          time.Duration `mapstructure:"cooldown" validate:"gte=0"`
	MinHistory        time.Duration `mapstructure:"min_history" validate:"gte=0"`
	SignificanceRatio float64       `mapstructure:"significance_ratio" validate:"gte=0"`
	// MinDropDuration and MinRecoveryDuration reject legs that complete faster than this.
	MinDropDuration     time.Duration `mapstructure:"min_drop_duration" validate:"gte=0"`
	MinRecoveryDuration time.Duration `mapstructure:"min_recovery_duration" validate:"gte=0"`
}

// Rule is a validated, immutable pattern definition. Percent fields are in percent, not fractions.
type Rule struct {
	ID                string
	Name              string
	Kind              Kind
	DropPct           decimal.Decimal
	DropWindow        time.Duration
	RecoveryPct       decimal.Decimal
	RecoveryWindow    time.Duration
	MinVolume         decimal.Decimal
	Cooldown          time.Duration
	MinHistory        time.Duration
	SignificanceRatio decimal.Decimal

	MinDropDuration     time.Duration
	MinRecoveryDuration time.Duration
}

// RuleConfigError reports why a single rule entry was rejected. Other rules are unaffected.
type RuleConfigError struct {
	Index  int
	RuleID string
	Err    error
}

func (e *RuleConfigError) Error() string {
	id := e.RuleID
	if id == "" {
		id = fmt.Sprintf("#%d", e.Index)
	}
	return fmt.Sprintf("rule %s: %v", id, e.Err)
}

func (e *RuleConfigError) Unwrap() error { return e.Err }

var validate = validator.New()

// Build validates a RuleConfig and converts it to a Rule.
func (c RuleConfig) Build() (Rule, error) {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return Rule{}, errors.New(strings.Join(msgs, "; "))
		}
		return Rule{}, err
	}

	kind := Kind(c.Kind)
	if kind == "" {
		kind = KindDump
	}
	// a dump cannot lose more than everything, a pump pullback likewise
	if kind == KindDump && c.DropPct >= 100 {
		return Rule{}, fmt.Errorf("drop_pct %.2f must be below 100 for a dump", c.DropPct)
	}
	if kind == KindPump && c.RecoveryPct >= 100 {
		return Rule{}, fmt.Errorf("recovery_pct %.2f must be below 100 for a pump", c.RecoveryPct)
	}
	if c.RecoveryPct > 0 && c.RecoveryWindow <= 0 {
		return Rule{}, errors.New("recovery_window is required when recovery_pct is set")
	}
	if c.RecoveryPct == 0 && c.RecoveryWindow > 0 {
		return Rule{}, errors.New("recovery_window set without recovery_pct")
	}
	if c.MinDropDuration > c.DropWindow {
		return Rule{}, fmt.Errorf("min_drop_duration %s exceeds drop_window %s", c.MinDropDuration, c.DropWindow)
	}
	if c.MinRecoveryDuration > c.RecoveryWindow {
		return Rule{}, fmt.Errorf("min_recovery_duration %s exceeds recovery_window %s", c.MinRecoveryDuration, c.RecoveryWindow)
	}

	name := strings.TrimSpace(c.Name)
	if name == "" {
		name = c.ID
	}
	return Rule{
		ID:                c.ID,
		Name:              name,
		Kind:              kind,
		DropPct:           decimal.NewFromFloat(c.DropPct),
		DropWindow:        c.DropWindow,
		RecoveryPct:       decimal.NewFromFloat(c.RecoveryPct),
		RecoveryWindow:    c.RecoveryWindow,
		MinVolume:         decimal.NewFromFloat(c.MinVolume),
		Cooldown:          c.Cooldown,
		MinHistory:        c.MinHistory,
		SignificanceRatio: decimal.NewFromFloat(c.SignificanceRatio),

		MinDropDuration:     c.MinDropDuration,
		MinRecoveryDuration: c.MinRecoveryDuration,
	}, nil
}

// TwoLeg reports whether the rule needs a second leg after the first move.
func (r Rule) TwoLeg() bool {
	return r.RecoveryPct.IsPositive()
}

// Lookback is the longest span of history the rule can look at.
func (r Rule) Lookback() time.Duration {
	span := r.DropWindow + r.RecoveryWindow
	if r.MinHistory > span {
		return r.MinHistory
	}
	return span
}

// Equal reports whether two rules would behave identically.
func (r Rule) Equal(o Rule) bool {
	return r.ID == o.ID &&
		r.Name == o.Name &&
		r.Kind == o.Kind &&
		r.DropPct.Equal(o.DropPct) &&
		r.DropWindow == o.DropWindow &&
		r.RecoveryPct.Equal(o.RecoveryPct) &&
		r.RecoveryWindow == o.RecoveryWindow &&
		r.MinVolume.Equal(o.MinVolume) &&
		r.Cooldown == o.Cooldown &&
		r.MinHistory == o.MinHistory &&
		r.SignificanceRatio.Equal(o.SignificanceRatio) &&
		r.MinDropDuration == o.MinDropDuration &&
		r.MinRecoveryDuration == o.MinRecoveryDuration
}

// Significant reports whether a match with the given first-leg magnitude clears the
// significance ratio. A zero ratio marks every match significant.
func (r Rule) Significant(dropPct decimal.Decimal) bool {
	if !r.SignificanceRatio.IsPositive() || !r.DropPct.IsPositive() {
		return true
	}
	return dropPct.Div(r.DropPct).GreaterThanOrEqual(r.SignificanceRatio)
}

// RuleSet is an immutable, versioned collection of rules shared read-only by all workers.
type RuleSet struct {
	Version uint64
	Rules   []Rule
}

// LoadRules builds a RuleSet from raw configs. Invalid, disabled or duplicate entries are
// skipped; each rejection is reported as a *RuleConfigError.
func LoadRules(version uint64, configs []RuleConfig) (*RuleSet, []error) {
	set := &RuleSet{Version: version}
	var errs []error
	seen := make(map[string]struct{}, len(configs))

	for i, cfg := range configs {
		cfg.ID = strings.TrimSpace(cfg.ID)
		if cfg.Disabled {
			continue
		}
		if _, dup := seen[cfg.ID]; dup && cfg.ID != "" {
			errs = append(errs, &RuleConfigError{Index: i, RuleID: cfg.ID, Err: errors.New("duplicate rule id")})
			continue
		}
		rule, err := cfg.Build()
		if err != nil {
			errs = append(errs, &RuleConfigError{Index: i, RuleID: cfg.ID, Err: err})
			continue
		}
		seen[rule.ID] = struct{}{}
		set.Rules = append(set.Rules, rule)
	}
	return set, errs
}

// MaxLookback returns the largest lookback across the set; it sizes series retention.
func (s *RuleSet) MaxLookback() time.Duration {
	var longest time.Duration
	for _, r := range s.Rules {
		if lb := r.Lookback(); lb > longest {
			longest = lb
		}
	}
	return longest
}

// MaxCooldown returns the largest cooldown across the set.
func (s *RuleSet) MaxCooldown() time.Duration {
	var longest time.Duration
	for _, r := range s.Rules {
		if r.Cooldown > longest {
			longest = r.Cooldown
		}
	}
	return longest
}

// Get looks a rule up by id.
func (s *RuleSet) Get(id string) (Rule, bool) {
	for _, r := range s.Rules {
		if r.ID == id {
			return r, true
		}
	}
	return Rule{}, false
}
