package alerting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dex-sonar/internal/domain"
	"dex-sonar/internal/metrics"
)

var (
	// ErrDeliveryTimeout is returned when the notifier does not answer within the delivery timeout.
	ErrDeliveryTimeout = errors.New("alerting: delivery timed out")
	// ErrStaleMetrics marks an alert enriched with metrics older than the freshness threshold.
	// It never blocks delivery.
	ErrStaleMetrics = errors.New("alerting: pool metrics are stale")
	// ErrQueueFull is returned by Submit when the worker queue has no room.
	ErrQueueFull = errors.New("alerting: dispatch queue full")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("alerting: dispatcher closed")
)

// PoolLookup resolves the latest pool snapshot for enrichment.
type PoolLookup interface {
	Get(id string) (domain.Pool, bool)
}

// AlertRecorder persists delivered alerts.
type AlertRecorder interface {
	RecordAlert(ctx context.Context, alert domain.Alert) error
}

// DispatcherOptions tune a Dispatcher.
type DispatcherOptions struct {
	Workers   int
	QueueSize int
	// DedupBucket truncates the window start inside the dedup key.
	DedupBucket time.Duration
	// DefaultTTL holds dedup keys for rules without a cooldown.
	DefaultTTL time.Duration
	// MinTTL floors every dedup TTL, normally the longest cooldown of the loaded rules.
	MinTTL          time.Duration
	Freshness       time.Duration
	DeliveryTimeout time.Duration
	Now             func() time.Time
	// OnDrop is called for every alert given up on after its retry.
	OnDrop func(alert domain.Alert, err error)
}

// DispatchStats counts dispatcher outcomes.
type DispatchStats struct {
	Submitted  uint64
	Delivered  uint64
	Suppressed uint64
	Retried    uint64
	Dropped    uint64
	Rejected   uint64
}

type job struct {
	match   domain.PatternMatch
	alert   domain.Alert
	attempt int
}

type lastDelivery struct {
	windowEnd time.Time
	at        time.Time
	until     time.Time
}

// Dispatcher deduplicates, enriches and delivers pattern matches. Matches are sharded by
// (pool, rule) so each key has exactly one writer.
type Dispatcher struct {
	opts     DispatcherOptions
	notifier Notifier
	dedup    DedupStore
	pools    PoolLookup
	recorder AlertRecorder
	logger   zerolog.Logger

	mu     sync.RWMutex
	closed bool
	queues []chan *job
	last   []map[string]lastDelivery
	writes []int
	wg     sync.WaitGroup

	minTTL atomic.Int64

	submitted  atomic.Uint64
	delivered  atomic.Uint64
	suppressed atomic.Uint64
	retried    atomic.Uint64
	dropped    atomic.Uint64
	rejected   atomic.Uint64
}

// NewDispatcher wires a dispatcher. pools and recorder may be nil.
func NewDispatcher(opts DispatcherOptions, notifier Notifier, dedup DedupStore, pools PoolLookup, recorder AlertRecorder, logger zerolog.Logger) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 10 * time.Second
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 10 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if dedup == nil {
		dedup = NewMemoryDedup(opts.Workers*4, opts.Now)
	}

	d := &Dispatcher{
		opts:     opts,
		notifier: notifier,
		dedup:    dedup,
		pools:    pools,
		recorder: recorder,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		queues:   make([]chan *job, opts.Workers),
		last:     make([]map[string]lastDelivery, opts.Workers),
		writes:   make([]int, opts.Workers),
	}
	d.minTTL.Store(int64(opts.MinTTL))
	for i := range d.queues {
		d.queues[i] = make(chan *job, opts.QueueSize)
		d.last[i] = make(map[string]lastDelivery)
	}
	return d
}

// Start launches the workers. Cancelling ctx closes the dispatcher; queued alerts are
// still delivered, each bounded by the delivery timeout.
func (d *Dispatcher) Start(ctx context.Context) {
	deliverCtx := context.WithoutCancel(ctx)
	for i := range d.queues {
		d.wg.Add(1)
		go d.worker(deliverCtx, i)
	}
	go func() {
		<-ctx.Done()
		d.Close()
	}()
}

// Submit enqueues a match without blocking.
func (d *Dispatcher) Submit(match domain.PatternMatch) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	d.submitted.Add(1)
	q := d.queues[shardOf(match.PoolID+"|"+match.RuleID, len(d.queues))]
	select {
	case q <- &job{match: match}:
		return nil
	default:
		d.rejected.Add(1)
		metrics.RecordDropped("queue_full")
		return ErrQueueFull
	}
}

// Close stops accepting matches and waits for the queues to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		for _, q := range d.queues {
			close(q)
		}
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// SetMinTTL changes the dedup TTL floor for matches admitted from now on.
func (d *Dispatcher) SetMinTTL(ttl time.Duration) {
	d.minTTL.Store(int64(ttl))
}

// MinTTL returns the current dedup TTL floor.
func (d *Dispatcher) MinTTL() time.Duration {
	return time.Duration(d.minTTL.Load())
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Submitted:  d.submitted.Load(),
		Delivered:  d.delivered.Load(),
		Suppressed: d.suppressed.Load(),
		Retried:    d.retried.Load(),
		Dropped:    d.dropped.Load(),
		Rejected:   d.rejected.Load(),
	}
}

// DedupKey identifies a match for deduplication: pool, rule and the bucketed window start.
func DedupKey(match domain.PatternMatch, bucket time.Duration) string {
	start := match.WindowStart.UTC()
	if bucket > 0 {
		start = start.Truncate(bucket)
	}
	return fmt.Sprintf("%s|%s|%d", match.PoolID, match.RuleID, start.UnixMilli())
}

func (d *Dispatcher) worker(ctx context.Context, shard int) {
	defer d.wg.Done()
	for j := range d.queues[shard] {
		d.process(ctx, shard, j)
	}
}

func (d *Dispatcher) process(ctx context.Context, shard int, j *job) {
	now := d.opts.Now()
	m := j.match
	log := d.logger.With().Str("pool", m.PoolID).Str("rule", m.RuleID).Logger()

	if j.attempt == 0 {
		if reason := d.admit(ctx, shard, m, now); reason != "" {
			d.suppressed.Add(1)
			metrics.RecordSuppressed(reason)
			log.Debug().Str("reason", reason).Time("window_start", m.WindowStart).Msg("match suppressed")
			return
		}
		j.alert = d.enrich(m, now)
		if j.alert.StaleMetrics {
			log.Warn().Err(ErrStaleMetrics).Msg("alert enriched with stale metrics")
		}
	}

	started := time.Now()
	err := d.deliver(ctx, j.alert)
	if err == nil {
		d.onDelivered(ctx, shard, j, now, started)
		return
	}

	if j.attempt == 0 {
		d.retried.Add(1)
		if d.requeue(shard, j) {
			log.Warn().Err(err).Str("alert_id", j.alert.ID).Msg("delivery failed, requeued")
			return
		}
		// queue closed or full: retry in place
		j.attempt = 1
		if err = d.deliver(ctx, j.alert); err == nil {
			d.onDelivered(ctx, shard, j, now, started)
			return
		}
	}

	d.dropped.Add(1)
	metrics.RecordDropped("delivery")
	log.Error().Err(err).Str("alert_id", j.alert.ID).Int("attempts", j.attempt+1).Msg("alert dropped")
	if d.opts.OnDrop != nil {
		d.opts.OnDrop(j.alert, err)
	}
}

func (d *Dispatcher) onDelivered(ctx context.Context, shard int, j *job, now, started time.Time) {
	m := j.match
	d.delivered.Add(1)
	metrics.RecordDelivered(m.RuleID, time.Since(started).Seconds())
	if m.Cooldown > 0 {
		d.last[shard][m.PoolID+"|"+m.RuleID] = lastDelivery{windowEnd: m.WindowEnd, at: now, until: now.Add(m.Cooldown)}
		d.writes[shard]++
		if d.writes[shard]%sweepEvery == 0 {
			d.pruneLast(shard, now)
		}
	}
	if d.recorder != nil {
		if err := d.recorder.RecordAlert(ctx, j.alert); err != nil {
			d.logger.Warn().Err(err).Str("alert_id", j.alert.ID).Msg("record alert failed")
		}
	}
}

// admit returns a non-empty reason when the match must not be delivered. The dedup slot
// is claimed here, before delivery, so a retried or crashed delivery is never repeated.
func (d *Dispatcher) admit(ctx context.Context, shard int, m domain.PatternMatch, now time.Time) string {
	if last, ok := d.last[shard][m.PoolID+"|"+m.RuleID]; ok {
		if m.WindowStart.Before(last.windowEnd) && now.Sub(last.at) < m.Cooldown {
			return "overlap"
		}
	}

	ttl := m.Cooldown
	if ttl <= 0 {
		ttl = d.opts.DefaultTTL
	}
	if floor := time.Duration(d.minTTL.Load()); floor > ttl {
		ttl = floor
	}
	ok, err := d.dedup.Reserve(ctx, DedupKey(m, d.opts.DedupBucket), ttl)
	if err != nil {
		// an unreachable store must not silence alerts
		d.logger.Warn().Err(err).Msg("dedup store unavailable, delivering without dedup")
		return ""
	}
	if !ok {
		return "duplicate"
	}
	return ""
}

// pruneLast forgets deliveries whose cooldown has passed; they can no longer suppress anything.
func (d *Dispatcher) pruneLast(shard int, now time.Time) int {
	removed := 0
	for key, last := range d.last[shard] {
		if !now.Before(last.until) {
			delete(d.last[shard], key)
			removed++
		}
	}
	return removed
}

func (d *Dispatcher) enrich(m domain.PatternMatch, now time.Time) domain.Alert {
	pool := domain.Pool{ID: m.PoolID}
	if d.pools != nil {
		if p, ok := d.pools.Get(m.PoolID); ok {
			pool = p
		}
	}
	stale := d.opts.Freshness > 0 && pool.MetricsAge(now) > d.opts.Freshness
	return domain.Alert{
		ID:           uuid.NewString(),
		Pool:         pool,
		Match:        m,
		GeneratedAt:  now,
		StaleMetrics: stale,
	}
}

func (d *Dispatcher) deliver(ctx context.Context, alert domain.Alert) error {
	ctx, cancel := context.WithTimeout(ctx, d.opts.DeliveryTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.notifier.Notify(ctx, alert) }()

	select {
	case err := <-done:
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrDeliveryTimeout, err)
		}
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w after %s", ErrDeliveryTimeout, d.opts.DeliveryTimeout)
	}
}

func (d *Dispatcher) requeue(shard int, j *job) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	j.attempt++
	select {
	case d.queues[shard] <- j:
		return true
	default:
		j.attempt--
		return false
	}
}
