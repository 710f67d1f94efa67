package series

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex-sonar/internal/domain"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type recordingObserver struct {
	samples []domain.Sample
	resets  int
}

func (r *recordingObserver) Observe(s domain.Sample) { r.samples = append(r.samples, s) }

func (r *recordingObserver) Reset() {
	r.samples = nil
	r.resets++
}

func trade(offset time.Duration, seq uint64, price, volume string) domain.TradeEvent {
	return domain.TradeEvent{
		PoolID:    "pool-1",
		Timestamp: t0.Add(offset),
		Sequence:  seq,
		Price:     decimal.RequireFromString(price),
		Volume:    decimal.RequireFromString(volume),
		Side:      domain.Sell,
	}
}

func newTestBuilder(obs Observer) *Builder {
	return NewBuilder("pool-1", Options{Retention: time.Hour, BackfillTolerance: 5 * time.Minute}, obs)
}

func TestIngestInOrderIsIdempotent(t *testing.T) {
	obs := &recordingObserver{}
	b := newTestBuilder(obs)

	events := []domain.TradeEvent{
		trade(0, 1, "1.00", "10"),
		trade(time.Second, 1, "1.01", "5"),
		trade(time.Second, 2, "1.02", "5"),
		trade(3*time.Second, 7, "0.99", "20"),
	}
	for _, e := range events {
		outcome, err := b.Ingest(e)
		require.NoError(t, err)
		assert.Equal(t, Appended, outcome)
	}
	for _, e := range events {
		outcome, err := b.Ingest(e)
		require.NoError(t, err)
		assert.Equal(t, Duplicate, outcome)
	}

	samples := b.Samples()
	require.Len(t, samples, len(events))
	for i := 1; i < len(samples); i++ {
		assert.Equal(t, 1, samples[i].Key().Compare(samples[i-1].Key()), "keys must strictly increase")
		assert.False(t, samples[i].Timestamp.Before(samples[i-1].Timestamp))
	}
	assert.True(t, samples[3].CumVolume.Equal(decimal.NewFromInt(40)))
	assert.Len(t, obs.samples, len(events))
	assert.Equal(t, uint64(4), b.Stats().Duplicates)
}

func TestIngestBackfillRecomputesDownstream(t *testing.T) {
	obs := &recordingObserver{}
	b := newTestBuilder(obs)

	for _, e := range []domain.TradeEvent{
		trade(0, 1, "1.00", "10"),
		trade(time.Minute, 1, "1.10", "10"),
		trade(3*time.Minute, 1, "1.20", "10"),
		trade(4*time.Minute, 1, "1.30", "10"),
	} {
		_, err := b.Ingest(e)
		require.NoError(t, err)
	}
	before := b.Samples()

	outcome, err := b.Ingest(trade(2*time.Minute, 1, "1.15", "5"))
	require.NoError(t, err)
	assert.Equal(t, Backfilled, outcome)

	after := b.Samples()
	require.Len(t, after, 5)
	assert.Equal(t, before[0], after[0])
	assert.Equal(t, before[1], after[1])
	assert.True(t, after[2].CumVolume.Equal(decimal.NewFromInt(25)))
	assert.True(t, after[3].CumVolume.Equal(decimal.NewFromInt(35)))
	assert.True(t, after[4].CumVolume.Equal(decimal.NewFromInt(45)))
	assert.True(t, after[3].Price.Equal(before[2].Price))

	assert.Equal(t, 1, obs.resets)
	assert.Equal(t, after, obs.samples)

	outcome, err = b.Ingest(trade(2*time.Minute, 1, "1.15", "5"))
	require.NoError(t, err)
	assert.Equal(t, Duplicate, outcome)
	assert.Len(t, b.Samples(), 5)
}

func TestIngestRejectsBeyondTolerance(t *testing.T) {
	b := newTestBuilder(nil)
	_, err := b.Ingest(trade(10*time.Minute, 1, "1", "1"))
	require.NoError(t, err)

	_, err = b.Ingest(trade(time.Minute, 1, "1", "1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutOfOrder))
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, uint64(1), b.Stats().OutOfOrder)
}

func TestIngestRejectsInvalid(t *testing.T) {
	b := newTestBuilder(nil)

	cases := map[string]domain.TradeEvent{
		"zero price":   trade(0, 1, "0", "1"),
		"negative vol": trade(0, 1, "1", "-1"),
		"missing ts":   {PoolID: "pool-1", Price: decimal.NewFromInt(1), Volume: decimal.NewFromInt(1), Side: domain.Buy},
		"unknown side": {PoolID: "pool-1", Timestamp: t0, Price: decimal.NewFromInt(1), Volume: decimal.NewFromInt(1), Side: "hold"},
		"foreign pool": {PoolID: "pool-2", Timestamp: t0, Price: decimal.NewFromInt(1), Volume: decimal.NewFromInt(1), Side: domain.Buy},
	}
	for name, e := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := b.Ingest(e)
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
	assert.Zero(t, b.Len())
}

func TestRetentionEvictsOldSamples(t *testing.T) {
	b := NewBuilder("pool-1", Options{Retention: 10 * time.Minute, BackfillTolerance: time.Hour}, nil)
	for i := 0; i < 30; i++ {
		_, err := b.Ingest(trade(time.Duration(i)*time.Minute, 1, "1", "1"))
		require.NoError(t, err)
	}
	samples := b.Samples()
	require.Len(t, samples, 11)
	assert.Equal(t, t0.Add(19*time.Minute), samples[0].Timestamp)
	assert.Equal(t, uint64(19), b.Stats().Evicted)

	b.SetRetention(2 * time.Minute)
	assert.Equal(t, 3, b.Len())
}

func TestMaxSamplesCap(t *testing.T) {
	b := NewBuilder("pool-1", Options{Retention: time.Hour, MaxSamples: 5}, nil)
	for i := 0; i < 12; i++ {
		_, err := b.Ingest(trade(time.Duration(i)*time.Second, 1, "1", "1"))
		require.NoError(t, err)
	}
	assert.Equal(t, 5, b.Len())
}

func TestMaxSamplesCapRejectsEvictedKeys(t *testing.T) {
	obs := &recordingObserver{}
	b := NewBuilder("pool-1", Options{Retention: time.Hour, BackfillTolerance: time.Hour, MaxSamples: 3}, obs)
	for i := 0; i < 5; i++ {
		_, err := b.Ingest(trade(time.Duration(i)*time.Second, uint64(i), "1", "1"))
		require.NoError(t, err)
	}
	require.Equal(t, uint64(5), b.Stats().Accepted)

	// the newest evicted event sent again
	outcome, err := b.Ingest(trade(time.Second, 1, "1", "1"))
	require.NoError(t, err)
	assert.Equal(t, Duplicate, outcome)

	// anything older than the evicted history cannot be placed
	outcome, err = b.Ingest(trade(0, 0, "1", "1"))
	assert.True(t, errors.Is(err, ErrOutOfOrder))
	assert.Equal(t, Duplicate, outcome)

	// a new key between the evicted history and the front would be evicted on insert
	outcome, err = b.Ingest(trade(1500*time.Millisecond, 9, "1", "1"))
	assert.True(t, errors.Is(err, ErrOutOfOrder))
	assert.Equal(t, Duplicate, outcome)

	st := b.Stats()
	assert.Equal(t, uint64(5), st.Accepted)
	assert.Zero(t, st.Backfilled)
	assert.Equal(t, uint64(1), st.Duplicates)
	assert.Equal(t, uint64(2), st.OutOfOrder)
	assert.Zero(t, obs.resets)
	assert.Len(t, obs.samples, 5)
	assert.Equal(t, 3, b.Len())
}

func TestResetClearsObserver(t *testing.T) {
	obs := &recordingObserver{}
	b := newTestBuilder(obs)
	_, err := b.Ingest(trade(0, 1, "1", "1"))
	require.NoError(t, err)

	b.Reset()
	assert.Zero(t, b.Len())
	assert.Empty(t, obs.samples)

	// After a reset the builder accepts an older key again.
	outcome, err := b.Ingest(trade(-time.Hour, 1, "1", "1"))
	require.NoError(t, err)
	assert.Equal(t, Appended, outcome)
}
