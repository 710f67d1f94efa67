package pattern

import (
	"github.com/shopspring/decimal"

	"dex-sonar/internal/domain"
)

// State is the phase of a rule's state machine on one pool.
type State int

const (
	Idle State = iota
	DropCandidate
	RecoveryCandidate
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case DropCandidate:
		return "drop_candidate"
	case RecoveryCandidate:
		return "recovery_candidate"
	default:
		return "unknown"
	}
}

// machine evaluates one rule against one pool's samples. For a dump the anchor is the local
// peak and the pivot the trough; a pump swaps both roles.
type machine struct {
	rule  Rule
	state State

	anchorWin *extremeWindow

	anchor domain.Sample
	pivot  domain.Sample

	first    domain.Sample
	hasFirst bool
}

func newMachine(rule Rule) *machine {
	m := &machine{rule: rule}
	if rule.Kind == KindPump {
		m.anchorWin = newMinWindow(rule.DropWindow)
	} else {
		m.anchorWin = newMaxWindow(rule.DropWindow)
	}
	return m
}

func (m *machine) reset() {
	m.state = Idle
	m.anchorWin.reset()
	m.anchor = domain.Sample{}
	m.pivot = domain.Sample{}
	m.hasFirst = false
}

// step advances the machine by one sample and returns a completed shape, if any.
func (m *machine) step(s domain.Sample) (shape, bool) {
	if !m.hasFirst {
		m.first = s
		m.hasFirst = true
	}
	m.anchorWin.push(s)

	switch m.state {
	case DropCandidate:
		return m.stepDrop(s)
	case RecoveryCandidate:
		return m.stepRecovery(s)
	default:
		return m.stepIdle(s)
	}
}

func (m *machine) stepIdle(s domain.Sample) (shape, bool) {
	m.state = Idle
	if s.Timestamp.Sub(m.first.Timestamp) < m.rule.MinHistory {
		return shape{}, false
	}
	anchor, ok := m.anchorWin.best()
	if !ok || !anchor.Price.IsPositive() {
		m.idle()
		return shape{}, false
	}
	move := m.firstLeg(anchor, s)
	if move.LessThan(m.rule.DropPct) {
		return shape{}, false
	}

	if !m.rule.TwoLeg() {
		// too fast: a later sample may still qualify against the same anchor
		if s.Timestamp.Sub(anchor.Timestamp) < m.rule.MinDropDuration {
			return shape{}, false
		}
		m.anchor = anchor
		m.pivot = s
		return m.complete(s, decimal.Zero)
	}
	m.anchor = anchor
	m.pivot = s
	m.state = DropCandidate
	return shape{}, false
}

func (m *machine) stepDrop(s domain.Sample) (shape, bool) {
	if m.extendsPivot(s) {
		if s.Timestamp.Sub(m.anchor.Timestamp) > m.rule.DropWindow {
			return m.stepIdle(s)
		}
		m.pivot = s
		return shape{}, false
	}
	m.state = RecoveryCandidate
	return m.stepRecovery(s)
}

func (m *machine) stepRecovery(s domain.Sample) (shape, bool) {
	if s.Timestamp.Sub(m.pivot.Timestamp) > m.rule.RecoveryWindow {
		return m.stepIdle(s)
	}
	if m.extendsPivot(s) {
		// a deeper extreme supersedes the pivot while the first leg is still open
		if s.Timestamp.Sub(m.anchor.Timestamp) > m.rule.DropWindow {
			return m.stepIdle(s)
		}
		m.pivot = s
		m.state = DropCandidate
		return shape{}, false
	}
	if !m.pivot.Price.IsPositive() {
		m.idle()
		return shape{}, false
	}
	back := m.secondLeg(m.pivot, s)
	if back.LessThan(m.rule.RecoveryPct) {
		return shape{}, false
	}
	if m.pivot.Timestamp.Sub(m.anchor.Timestamp) < m.rule.MinDropDuration ||
		s.Timestamp.Sub(m.pivot.Timestamp) < m.rule.MinRecoveryDuration {
		return shape{}, false
	}
	return m.complete(s, back)
}

func (m *machine) complete(trigger domain.Sample, back decimal.Decimal) (shape, bool) {
	out := shape{
		anchor:   m.anchor,
		pivot:    m.pivot,
		trigger:  trigger,
		firstPct: m.firstLeg(m.anchor, m.pivot),
		backPct:  back,
		volume:   trigger.CumVolume.Sub(m.anchor.CumVolume).Add(m.anchor.Volume),
	}

	// consumed: the next shape has to start from the trigger onwards
	m.idle()
	m.anchorWin.push(trigger)

	if out.volume.LessThan(m.rule.MinVolume) {
		return shape{}, false
	}
	return out, true
}

func (m *machine) idle() {
	m.state = Idle
	m.anchorWin.reset()
	m.anchor = domain.Sample{}
	m.pivot = domain.Sample{}
}

// extendsPivot reports whether s is at least as extreme as the current pivot. Ties move the
// pivot to the later sample.
func (m *machine) extendsPivot(s domain.Sample) bool {
	if m.rule.Kind == KindPump {
		return s.Price.GreaterThanOrEqual(m.pivot.Price)
	}
	return s.Price.LessThanOrEqual(m.pivot.Price)
}

// firstLeg is the move from anchor to s in percent of the anchor, positive in the rule's direction.
func (m *machine) firstLeg(anchor, s domain.Sample) decimal.Decimal {
	diff := anchor.Price.Sub(s.Price)
	if m.rule.Kind == KindPump {
		diff = diff.Neg()
	}
	return diff.Div(anchor.Price).Mul(hundred)
}

// secondLeg is the move back from the pivot in percent of the pivot.
func (m *machine) secondLeg(pivot, s domain.Sample) decimal.Decimal {
	diff := s.Price.Sub(pivot.Price)
	if m.rule.Kind == KindPump {
		diff = diff.Neg()
	}
	return diff.Div(pivot.Price).Mul(hundred)
}

type shape struct {
	anchor   domain.Sample
	pivot    domain.Sample
	trigger  domain.Sample
	firstPct decimal.Decimal
	backPct  decimal.Decimal
	volume   decimal.Decimal
}
