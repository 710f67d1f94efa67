package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex-sonar/internal/domain"
)

func staticEvents(pool string, n int) []domain.TradeEvent {
	t0 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	out := make([]domain.TradeEvent, n)
	for i := range out {
		out[i] = domain.TradeEvent{
			PoolID:    pool,
			Timestamp: t0.Add(time.Duration(i) * time.Second),
			Sequence:  uint64(i),
			Price:     decimal.NewFromInt(1),
			Volume:    decimal.NewFromInt(1),
			Side:      domain.Buy,
		}
	}
	return out
}

func TestStaticSourceFailAfter(t *testing.T) {
	boom := errors.New("boom")
	src := NewStaticSource(append(staticEvents("a", 2), staticEvents("B", 1)...))
	src.FailAfter("a", boom)
	assert.Equal(t, []string{"B", "a"}, src.Pools())

	out := make(chan domain.TradeEvent, 4)
	err := src.Stream(context.Background(), domain.Pool{ID: "a"}, out)
	require.ErrorIs(t, err, boom)
	assert.Len(t, out, 2)

	require.NoError(t, src.Stream(context.Background(), domain.Pool{ID: "b"}, out))
	assert.Len(t, out, 3)
}

func TestStaticSourceHoldAndBackpressure(t *testing.T) {
	src := NewStaticSource(staticEvents("a", 3))
	src.Hold(true)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan domain.TradeEvent)
	done := make(chan error, 1)
	go func() { done <- src.Stream(ctx, domain.Pool{ID: "a"}, out) }()

	<-out
	select {
	case <-done:
		t.Fatal("stream returned while consumer still had events to read")
	case <-time.After(20 * time.Millisecond):
	}
	<-out
	<-out

	select {
	case <-done:
		t.Fatal("held stream returned before cancel")
	case <-time.After(20 * time.Millisecond):
	}
	cancel()
	assert.NoError(t, <-done)
}
