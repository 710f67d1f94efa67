package feed

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex-sonar/internal/domain"
)

const (
	evmPool   = "0xA43fe16908251ee70EF74718545e4FE6C5cCEc9f"
	evmTrader = "0x6982508145454Ce325dDbE47a25d4ec3d2311933"
)

type fakeChain struct {
	mu      sync.Mutex
	head    uint64
	logs    []types.Log
	queries []ethereum.FilterQuery
	headers int
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= q.FromBlock.Uint64() && lg.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (f *fakeChain) HeaderByNumber(_ context.Context, n *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headers++
	return &types.Header{Number: n, Time: 1_700_000_000 + n.Uint64()*12}, nil
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

func swapLog(t *testing.T, block uint64, index uint, in0, in1, out0, out1 *big.Int) types.Log {
	t.Helper()
	data, err := swapABI.Events["Swap"].Inputs.NonIndexed().Pack(in0, in1, out0, out1)
	require.NoError(t, err)
	return types.Log{
		Address:     common.HexToAddress(evmPool),
		Topics:      []common.Hash{swapTopic, common.HexToHash(evmTrader), common.HexToHash(evmTrader)},
		Data:        data,
		BlockNumber: block,
		Index:       index,
	}
}

func evmTestPool() domain.Pool {
	return domain.Pool{
		ID:            evmPool,
		Network:       "ethereum",
		TokenDecimals: 18,
		PairDecimals:  18,
		BaseIsToken0:  true,
	}
}

func TestDecodeSwapSides(t *testing.T) {
	pool := evmTestPool()
	ts := time.Unix(1_700_000_000, 0).UTC()

	sell, err := DecodeSwap(pool, swapLog(t, 100, 3, ether(1000), big.NewInt(0), big.NewInt(0), ether(2)), ts)
	require.NoError(t, err)
	assert.Equal(t, domain.Sell, sell.Side)
	assert.True(t, sell.Price.Equal(decimal.RequireFromString("0.002")), sell.Price.String())
	assert.True(t, sell.Volume.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, uint64(100_000_003), sell.Sequence)
	assert.Equal(t, common.HexToAddress(evmTrader).Hex(), sell.Maker)

	buy, err := DecodeSwap(pool, swapLog(t, 101, 0, big.NewInt(0), ether(1), ether(400), big.NewInt(0)), ts)
	require.NoError(t, err)
	assert.Equal(t, domain.Buy, buy.Side)
	assert.True(t, buy.Price.Equal(decimal.RequireFromString("0.0025")), buy.Price.String())

	// token1 as base flips the legs
	pool.BaseIsToken0 = false
	flipped, err := DecodeSwap(pool, swapLog(t, 102, 0, ether(1000), big.NewInt(0), big.NewInt(0), ether(2)), ts)
	require.NoError(t, err)
	assert.Equal(t, domain.Buy, flipped.Side)
	assert.True(t, flipped.Price.Equal(decimal.NewFromInt(500)), flipped.Price.String())
}

func TestDecodeSwapRejectsMalformed(t *testing.T) {
	pool := evmTestPool()
	ts := time.Now()

	lg := swapLog(t, 1, 0, big.NewInt(0), big.NewInt(0), big.NewInt(0), big.NewInt(0))
	_, err := DecodeSwap(pool, lg, ts)
	assert.ErrorIs(t, err, ErrMalformed)

	lg.Topics[0] = common.HexToHash("0x01")
	_, err = DecodeSwap(pool, lg, ts)
	assert.ErrorIs(t, err, ErrMalformed)

	lg = swapLog(t, 1, 0, big.NewInt(1), big.NewInt(0), big.NewInt(0), big.NewInt(1))
	lg.Data = lg.Data[:40]
	_, err = DecodeSwap(pool, lg, ts)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEVMSourceStreamsInBlockOrder(t *testing.T) {
	removed := swapLog(t, 95, 1, ether(5), big.NewInt(0), big.NewInt(0), ether(1))
	removed.Removed = true
	chain := &fakeChain{
		head: 100,
		logs: []types.Log{
			swapLog(t, 98, 7, big.NewInt(0), ether(1), ether(400), big.NewInt(0)),
			swapLog(t, 97, 2, ether(1000), big.NewInt(0), big.NewInt(0), ether(2)),
			removed,
			swapLog(t, 98, 1, ether(500), big.NewInt(0), big.NewInt(0), ether(1)),
			swapLog(t, 50, 0, ether(500), big.NewInt(0), big.NewInt(0), ether(1)),
		},
	}
	src := NewEVMSource(EVMOptions{
		PollInterval:  10 * time.Millisecond,
		BlockBatch:    4,
		Lookback:      10,
		Confirmations: 0,
	}, chain, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan domain.TradeEvent)
	done := make(chan error, 1)
	go func() { done <- src.Stream(ctx, evmTestPool(), out) }()

	var got []uint64
	for len(got) < 3 {
		select {
		case e := <-out:
			got = append(got, e.Sequence)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []uint64{97_000_002, 98_000_001, 98_000_007}, got)

	chain.mu.Lock()
	defer chain.mu.Unlock()
	require.NotEmpty(t, chain.queries)
	assert.Equal(t, uint64(90), chain.queries[0].FromBlock.Uint64())
	assert.Equal(t, uint64(93), chain.queries[0].ToBlock.Uint64())
	assert.Equal(t, 2, chain.headers, "one header lookup per block")
}

func TestEVMSourceRequiresAddress(t *testing.T) {
	src := NewEVMSource(EVMOptions{}, &fakeChain{}, zerolog.Nop())
	err := src.Stream(context.Background(), domain.Pool{ID: "not-an-address"}, make(chan domain.TradeEvent))
	require.Error(t, err)
}
