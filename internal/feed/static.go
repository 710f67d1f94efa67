package feed

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"dex-sonar/internal/domain"
)

// StaticSource replays a fixed set of events per pool, then ends the stream. Failures can be
// injected per pool for supervision tests.
type StaticSource struct {
	mu     sync.Mutex
	events map[string][]domain.TradeEvent
	fail   map[string]error
	hold   bool
}

// NewStaticSource groups events by pool, keeping their input order. Pool ids match
// case-insensitively.
func NewStaticSource(events []domain.TradeEvent) *StaticSource {
	s := &StaticSource{events: make(map[string][]domain.TradeEvent), fail: make(map[string]error)}
	for _, e := range events {
		key := strings.ToLower(e.PoolID)
		s.events[key] = append(s.events[key], e)
	}
	return s
}

// FailAfter makes the stream for pool return err once its events are sent.
func (s *StaticSource) FailAfter(pool string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[strings.ToLower(pool)] = err
}

// Hold keeps streams open after the last event until the context is cancelled, the way a
// live feed behaves.
func (s *StaticSource) Hold(hold bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = hold
}

// Pools lists the pools that have events, as spelled in the first event of each, sorted.
func (s *StaticSource) Pools() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, events := range s.events {
		out = append(out, events[0].PoolID)
	}
	sort.Strings(out)
	return out
}

func (s *StaticSource) Stream(ctx context.Context, pool domain.Pool, out chan<- domain.TradeEvent) error {
	s.mu.Lock()
	key := strings.ToLower(pool.ID)
	events := s.events[key]
	failure := s.fail[key]
	hold := s.hold
	s.mu.Unlock()

	for _, e := range events {
		e.PoolID = pool.ID
		if err := send(ctx, out, e); err != nil {
			return nilOnCancel(err)
		}
	}
	if failure != nil {
		return failure
	}
	if hold {
		<-ctx.Done()
	}
	return nil
}

func nilOnCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

var _ Source = (*StaticSource)(nil)
