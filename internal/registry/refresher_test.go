package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex-sonar/internal/domain"
)

type fakePairs struct {
	pairs []PairInfo
	err   error
	calls int
}

func (f *fakePairs) FetchPairs(_ context.Context, _ string, _ []string) ([]PairInfo, error) {
	f.calls++
	return f.pairs, f.err
}

type fakeTokens map[string]TokenInfo

func (f fakeTokens) TokenInfo(_ context.Context, address string) (TokenInfo, error) {
	info, ok := f[address]
	if !ok {
		return TokenInfo{}, errors.New("unknown token")
	}
	return info, nil
}

const (
	poolA  = "0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc"
	poolB  = "0xA478c2975Ab1Ea89e8196811F51A7B7Ade33eB11"
	poolC  = "0x0d4a11d5EEaaC28EC3F61d100daF4d40471f1852"
	tokenA = "0x6982508145454Ce325dDbE47a25d4ec3d2311933"
)

func testWatchlist(t *testing.T) []domain.Pool {
	t.Helper()
	pools, errs := BuildWatchlist("ethereum", []PoolConfig{
		{ID: poolA, TokenAddress: tokenA},
		{ID: poolB},
		{ID: poolC},
	})
	require.Empty(t, errs)
	return pools
}

func metricsFor(liq, vol int64) domain.PoolMetrics {
	return domain.PoolMetrics{
		PriceUSD:  decimal.RequireFromString("0.5"),
		Liquidity: decimal.NewFromInt(liq),
		Volume24h: decimal.NewFromInt(vol),
		UpdatedAt: t0,
	}
}

func TestRefreshAppliesFloorsAndFDV(t *testing.T) {
	reg := New(zerolog.Nop(), fixedNow)
	pairs := &fakePairs{pairs: []PairInfo{
		{PairAddress: poolA, DexID: "uniswap", BaseToken: TokenInfo{Symbol: "PEPE"}, QuoteToken: TokenInfo{Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Symbol: "WETH"}, Metrics: metricsFor(50_000, 200_000)},
		{PairAddress: poolB, Metrics: metricsFor(1_000, 200_000)},
	}}
	tokens := fakeTokens{tokenA: {Decimals: 18, TotalSupply: decimal.NewFromInt(1_000_000)}}
	ref := NewRefresher(reg, testWatchlist(t), pairs, tokens, RefresherOptions{
		Network: "ethereum",
		Filter:  Filter{MinLiquidity: decimal.NewFromInt(10_000), MinVolume24h: decimal.NewFromInt(50_000)},
		Now:     fixedNow,
	}, zerolog.Nop())

	change, err := ref.Refresh(context.Background())
	require.NoError(t, err)
	assert.Len(t, change.Added, 2)

	a, ok := reg.Get(poolA)
	require.True(t, ok)
	assert.Equal(t, "PEPE / WETH", a.Name())
	assert.Equal(t, "uniswap", a.DEX)
	assert.Equal(t, int32(18), a.TokenDecimals)
	assert.True(t, a.Metrics.FDV.Equal(decimal.NewFromInt(500_000)), a.Metrics.FDV.String())

	_, ok = reg.Get(poolB)
	assert.False(t, ok, "pool below the liquidity floor must not be watched")

	// missing from the response: kept, without metrics
	c, ok := reg.Get(poolC)
	require.True(t, ok)
	assert.True(t, c.Metrics.UpdatedAt.IsZero())
}

func TestRefreshErrorKeepsSnapshot(t *testing.T) {
	reg := New(zerolog.Nop(), fixedNow)
	pairs := &fakePairs{pairs: []PairInfo{{PairAddress: poolA, Metrics: metricsFor(50_000, 200_000)}}}
	ref := NewRefresher(reg, testWatchlist(t), pairs, nil, RefresherOptions{Network: "ethereum", Now: fixedNow}, zerolog.Nop())

	_, err := ref.Refresh(context.Background())
	require.NoError(t, err)
	version := reg.Snapshot().Version

	pairs.err = errors.New("down")
	_, err = ref.Refresh(context.Background())
	require.Error(t, err)
	assert.Equal(t, version, reg.Snapshot().Version)
	assert.Len(t, reg.List(), 3)
}

func TestRefreshWithoutScreener(t *testing.T) {
	reg := New(zerolog.Nop(), fixedNow)
	ref := NewRefresher(reg, testWatchlist(t), nil, nil, RefresherOptions{Network: "ethereum"}, zerolog.Nop())

	change, err := ref.Refresh(context.Background())
	require.NoError(t, err)
	assert.Len(t, change.Added, 3)

	change, err = ref.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, change.Empty())
}

func TestBuildWatchlistRejectsIndividually(t *testing.T) {
	pools, errs := BuildWatchlist("ethereum", []PoolConfig{
		{ID: poolA},
		{ID: "not-an-address"},
		{ID: poolA},
		{ID: poolB, TokenAddress: "0x12"},
		{ID: "58oQChx4yWmvKdwLLZzBi4ChoCc2fqCUWBkwMihLYQo2", Network: "solana"},
	})
	assert.Len(t, pools, 2)
	assert.Len(t, errs, 3)
	assert.Equal(t, "solana", pools[1].Network)
}
