package series

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"dex-sonar/internal/domain"
	"dex-sonar/internal/ring"
)

var (
	// ErrOutOfOrder marks an event that is older than the backfill tolerance allows.
	ErrOutOfOrder = errors.New("series: event out of order")
	// ErrInvalidEvent marks an event with non-positive price/volume or missing fields.
	ErrInvalidEvent = errors.New("series: invalid event")
)

// Outcome describes what Ingest did with an accepted event.
type Outcome int

const (
	Appended Outcome = iota
	Backfilled
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Backfilled:
		return "backfilled"
	case Duplicate:
		return "duplicate"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Observer receives every accepted sample in series order.
// Reset is called before the retained series is replayed after a backfill.
type Observer interface {
	Observe(sample domain.Sample)
	Reset()
}

// Options tune a Builder.
type Options struct {
	// Retention bounds the series by time, measured back from the newest sample.
	Retention time.Duration
	// BackfillTolerance is how far behind the newest accepted event a late event may arrive.
	BackfillTolerance time.Duration
	// MaxSamples caps memory per pool; zero means bounded by Retention only.
	MaxSamples int
}

// Stats counts ingestion outcomes for one builder.
type Stats struct {
	Accepted   uint64
	Backfilled uint64
	Duplicates uint64
	OutOfOrder uint64
	Invalid    uint64
	Evicted    uint64
}

// Builder turns one pool's trade events into a continuous sample series.
// It is owned by a single goroutine and is not safe for concurrent use.
type Builder struct {
	poolID   string
	opts     Options
	samples  *ring.Deque[domain.Sample]
	observer Observer
	last     domain.OrderKey
	hasLast  bool
	// evicted is the newest key dropped from the front of the series.
	evicted    domain.OrderKey
	hasEvicted bool
	stats      Stats
}

// NewBuilder creates a builder for poolID pushing samples to observer (may be nil).
func NewBuilder(poolID string, opts Options, observer Observer) *Builder {
	if opts.BackfillTolerance > opts.Retention {
		opts.BackfillTolerance = opts.Retention
	}
	return &Builder{
		poolID:   poolID,
		opts:     opts,
		samples:  ring.New[domain.Sample](256),
		observer: observer,
	}
}

// Ingest validates and applies one trade event.
func (b *Builder) Ingest(event domain.TradeEvent) (Outcome, error) {
	if err := b.validate(event); err != nil {
		b.stats.Invalid++
		return Duplicate, err
	}

	key := event.Key()
	if !b.hasLast || key.Compare(b.last) > 0 {
		b.append(event)
		return Appended, nil
	}
	if key.Compare(b.last) == 0 {
		b.stats.Duplicates++
		return Duplicate, nil
	}

	lag := b.last.Timestamp.Sub(event.Timestamp)
	if lag > b.opts.BackfillTolerance {
		b.stats.OutOfOrder++
		return Duplicate, fmt.Errorf("%w: %s behind newest event (tolerance %s)", ErrOutOfOrder, lag, b.opts.BackfillTolerance)
	}
	if b.hasEvicted {
		switch key.Compare(b.evicted) {
		case 0:
			b.stats.Duplicates++
			return Duplicate, nil
		case -1:
			b.stats.OutOfOrder++
			return Duplicate, fmt.Errorf("%w: behind evicted history", ErrOutOfOrder)
		}
	}

	pos := sort.Search(b.samples.Len(), func(i int) bool {
		return b.samples.At(i).Key().Compare(key) >= 0
	})
	if pos < b.samples.Len() && b.samples.At(pos).Key().Compare(key) == 0 {
		b.stats.Duplicates++
		return Duplicate, nil
	}
	if pos == 0 && b.opts.MaxSamples > 0 && b.samples.Len() >= b.opts.MaxSamples {
		// the cap would evict it straight away
		b.stats.OutOfOrder++
		b.markEvicted(key)
		return Duplicate, fmt.Errorf("%w: older than every retained sample at the sample cap", ErrOutOfOrder)
	}

	b.insert(pos, event)
	return Backfilled, nil
}

// Len returns the number of retained samples.
func (b *Builder) Len() int { return b.samples.Len() }

// Samples copies the retained series, oldest first.
func (b *Builder) Samples() []domain.Sample { return b.samples.Slice() }

// Stats returns ingestion counters.
func (b *Builder) Stats() Stats { return b.stats }

// SetRetention changes the retention window, e.g. after a rule reload. Excess samples are evicted lazily.
func (b *Builder) SetRetention(retention time.Duration) {
	b.opts.Retention = retention
	if b.opts.BackfillTolerance > retention {
		b.opts.BackfillTolerance = retention
	}
	b.evict()
}

// Reset releases the series buffer and forgets the last accepted key.
func (b *Builder) Reset() {
	b.samples.Clear()
	b.hasLast = false
	b.last = domain.OrderKey{}
	b.hasEvicted = false
	b.evicted = domain.OrderKey{}
	if b.observer != nil {
		b.observer.Reset()
	}
}

func (b *Builder) validate(event domain.TradeEvent) error {
	switch {
	case event.PoolID != b.poolID:
		return fmt.Errorf("%w: pool %q does not belong to builder %q", ErrInvalidEvent, event.PoolID, b.poolID)
	case event.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	case !event.Price.IsPositive():
		return fmt.Errorf("%w: price %s", ErrInvalidEvent, event.Price)
	case !event.Volume.IsPositive():
		return fmt.Errorf("%w: volume %s", ErrInvalidEvent, event.Volume)
	case !event.Side.Valid():
		return fmt.Errorf("%w: side %q", ErrInvalidEvent, event.Side)
	}
	return nil
}

func (b *Builder) append(event domain.TradeEvent) {
	prev := decimal.Zero
	if b.samples.Len() > 0 {
		prev = b.samples.Back().CumVolume
	}
	sample := domain.SampleFromEvent(event, prev)
	b.samples.PushBack(sample)
	b.last = event.Key()
	b.hasLast = true
	b.stats.Accepted++
	b.evict()

	if b.observer != nil {
		b.observer.Observe(sample)
	}
}

func (b *Builder) insert(pos int, event domain.TradeEvent) {
	prev := decimal.Zero
	switch {
	case pos > 0:
		prev = b.samples.At(pos - 1).CumVolume
	case b.samples.Len() > 0:
		front := b.samples.Front()
		prev = front.CumVolume.Sub(front.Volume)
	}

	b.samples.Insert(pos, domain.SampleFromEvent(event, prev))
	for i := pos + 1; i < b.samples.Len(); i++ {
		s := b.samples.At(i)
		s.CumVolume = b.samples.At(i - 1).CumVolume.Add(s.Volume)
		b.samples.Set(i, s)
	}
	b.stats.Accepted++
	b.stats.Backfilled++
	b.evict()

	if b.observer != nil {
		b.observer.Reset()
		for i := 0; i < b.samples.Len(); i++ {
			b.observer.Observe(b.samples.At(i))
		}
	}
}

func (b *Builder) evict() {
	if b.samples.Len() == 0 {
		return
	}
	newest := b.samples.Back().Timestamp
	for b.samples.Len() > 1 {
		front := b.samples.Front()
		overCap := b.opts.MaxSamples > 0 && b.samples.Len() > b.opts.MaxSamples
		if !overCap && newest.Sub(front.Timestamp) <= b.opts.Retention {
			break
		}
		b.markEvicted(front.Key())
		b.samples.PopFront()
		b.stats.Evicted++
	}
}

func (b *Builder) markEvicted(key domain.OrderKey) {
	if !b.hasEvicted || key.Compare(b.evicted) > 0 {
		b.evicted = key
		b.hasEvicted = true
	}
}
