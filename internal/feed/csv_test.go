package feed

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex-sonar/internal/domain"
)

const tradesCSV = `pool,timestamp,sequence,price,volume,side,maker
0xpool,1714500000000,1,1.00,10,buy,0xa
0xpool,2024-04-30T18:01:00Z,2,0.96,4.5,sell,
0xother,1714500120000,3,2.5,1,s
`

func TestReadTrades(t *testing.T) {
	events, err := ReadTrades(strings.NewReader(tradesCSV))
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, "0xpool", events[0].PoolID)
	assert.Equal(t, time.UnixMilli(1714500000000).UTC(), events[0].Timestamp)
	assert.Equal(t, domain.Buy, events[0].Side)
	assert.Equal(t, "0xa", events[0].Maker)

	assert.Equal(t, time.Date(2024, 4, 30, 18, 1, 0, 0, time.UTC), events[1].Timestamp)
	assert.True(t, events[1].Volume.Equal(decimal.RequireFromString("4.5")))
	assert.Equal(t, domain.Sell, events[2].Side)
	assert.Empty(t, events[2].Maker)
}

func TestReadTradesErrors(t *testing.T) {
	_, err := ReadTrades(strings.NewReader("pool,timestamp,price\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sequence")

	_, err = ReadTrades(strings.NewReader("pool,timestamp,sequence,price,volume,side\n0xpool,1,1,1,1,buy\n0xpool,yesterday,2,1,1,buy\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Contains(t, err.Error(), "line 3")
}

func TestWriteTradesReadsBack(t *testing.T) {
	events, err := ReadTrades(strings.NewReader(tradesCSV))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteTrades(&buf, events))
	again, err := ReadTrades(&buf)
	require.NoError(t, err)
	require.Len(t, again, len(events))
	for i := range events {
		assert.Equal(t, events[i].Key(), again[i].Key())
		assert.True(t, events[i].Price.Equal(again[i].Price))
	}
}

func TestCSVSourceStreamsOnePool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")
	require.NoError(t, os.WriteFile(path, []byte(tradesCSV), 0o600))

	src := NewCSVSource(path, false)
	out := make(chan domain.TradeEvent, 10)
	require.NoError(t, src.Stream(context.Background(), domain.Pool{ID: "0xPOOL"}, out))
	close(out)

	var seqs []uint64
	for e := range out {
		assert.Equal(t, "0xPOOL", e.PoolID)
		seqs = append(seqs, e.Sequence)
	}
	assert.Equal(t, []uint64{1, 2}, seqs)

	missing := NewCSVSource(filepath.Join(t.TempDir(), "nope.csv"), false)
	assert.Error(t, missing.Stream(context.Background(), domain.Pool{ID: "0xpool"}, out))
}
