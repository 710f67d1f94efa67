package pattern

import (
	"time"

	"dex-sonar/internal/domain"
)

// Emitter receives completed matches. It is called synchronously on the pool's goroutine.
type Emitter func(domain.PatternMatch)

// Matcher fans each sample of one pool out to one state machine per rule.
// It implements series.Observer and is not safe for concurrent use.
type Matcher struct {
	poolID   string
	machines []*machine
	emit     Emitter
	now      func() time.Time
	emitted  uint64
}

// NewMatcher builds a matcher for poolID. A nil now defaults to time.Now.
func NewMatcher(poolID string, rules []Rule, emit Emitter, now func() time.Time) *Matcher {
	if now == nil {
		now = time.Now
	}
	m := &Matcher{poolID: poolID, emit: emit, now: now}
	m.SetRules(rules)
	return m
}

// Observe runs the sample through every rule in configuration order.
func (m *Matcher) Observe(s domain.Sample) {
	for _, mc := range m.machines {
		out, ok := mc.step(s)
		if !ok {
			continue
		}
		m.emitted++
		if m.emit != nil {
			m.emit(m.toMatch(mc.rule, out))
		}
	}
}

// Reset drops all in-flight state, e.g. before a series replay.
func (m *Matcher) Reset() {
	for _, mc := range m.machines {
		mc.reset()
	}
}

// SetRules swaps the rule set. Machines for rules that are unchanged keep their state;
// new or modified rules start from Idle.
func (m *Matcher) SetRules(rules []Rule) {
	existing := make(map[string]*machine, len(m.machines))
	for _, mc := range m.machines {
		existing[mc.rule.ID] = mc
	}
	next := make([]*machine, 0, len(rules))
	for _, r := range rules {
		if mc, ok := existing[r.ID]; ok && mc.rule.Equal(r) {
			next = append(next, mc)
			continue
		}
		next = append(next, newMachine(r))
	}
	m.machines = next
}

// States reports the current phase per rule id.
func (m *Matcher) States() map[string]State {
	out := make(map[string]State, len(m.machines))
	for _, mc := range m.machines {
		out[mc.rule.ID] = mc.state
	}
	return out
}

// Emitted returns how many matches this matcher produced.
func (m *Matcher) Emitted() uint64 { return m.emitted }

func (m *Matcher) toMatch(rule Rule, out shape) domain.PatternMatch {
	return domain.PatternMatch{
		PoolID:      m.poolID,
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		Kind:        string(rule.Kind),
		WindowStart: out.anchor.Timestamp,
		WindowEnd:   out.trigger.Timestamp,
		DropPct:     out.firstPct,
		RecoveryPct: out.backPct,
		Volume:      out.volume,
		Significant: rule.Significant(out.firstPct),
		Cooldown:    rule.Cooldown,
		Peak:        out.anchor,
		Trough:      out.pivot,
		Trigger:     out.trigger,
		DetectedAt:  m.now(),
	}
}
