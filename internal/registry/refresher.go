package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dex-sonar/internal/domain"
	"dex-sonar/internal/metrics"
)

// Filter drops pools whose fresh metrics fall below the floors. Zero disables a floor.
type Filter struct {
	MinLiquidity decimal.Decimal
	MinVolume24h decimal.Decimal
}

// Passes reports whether m clears both floors.
func (f Filter) Passes(m domain.PoolMetrics) bool {
	if f.MinLiquidity.IsPositive() && m.Liquidity.LessThan(f.MinLiquidity) {
		return false
	}
	if f.MinVolume24h.IsPositive() && m.Volume24h.LessThan(f.MinVolume24h) {
		return false
	}
	return true
}

// RefresherOptions tune a Refresher.
type RefresherOptions struct {
	Network string
	Filter  Filter
	Now     func() time.Time
}

// Refresher is the single writer of the registry: each Refresh re-derives the watched set
// from the configured watchlist plus fresh screener metrics.
type Refresher struct {
	registry  *Registry
	watchlist []domain.Pool
	pairs     PairSource
	tokens    TokenSource
	opts      RefresherOptions
	logger    zerolog.Logger
}

// NewRefresher wires a refresher. pairs and tokens may be nil.
func NewRefresher(reg *Registry, watchlist []domain.Pool, pairs PairSource, tokens TokenSource, opts RefresherOptions, logger zerolog.Logger) *Refresher {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Refresher{
		registry:  reg,
		watchlist: watchlist,
		pairs:     pairs,
		tokens:    tokens,
		opts:      opts,
		logger:    logger.With().Str("component", "registry_refresher").Logger(),
	}
}

// Refresh fetches metrics for the watchlist, applies the floors and publishes the result.
// On a screener failure the current snapshot is kept and the error returned.
func (r *Refresher) Refresh(ctx context.Context) (Change, error) {
	if r.pairs == nil {
		change := r.registry.Replace(r.carryOver())
		metrics.RecordRefresh("static", len(r.watchlist))
		return change, nil
	}

	ids := make([]string, 0, len(r.watchlist))
	for _, p := range r.watchlist {
		ids = append(ids, p.ID)
	}
	pairs, err := r.pairs.FetchPairs(ctx, r.opts.Network, ids)
	if err != nil {
		metrics.RecordRefresh("error", len(r.registry.Snapshot().Pools))
		return Change{}, fmt.Errorf("fetch pool metrics: %w", err)
	}
	byAddr := make(map[string]PairInfo, len(pairs))
	for _, p := range pairs {
		byAddr[strings.ToLower(p.PairAddress)] = p
	}

	prev := r.registry.Snapshot()
	next := make([]domain.Pool, 0, len(r.watchlist))
	for _, pool := range r.watchlist {
		info, found := byAddr[strings.ToLower(pool.ID)]
		if !found {
			if old, ok := prev.Pools[pool.ID]; ok {
				pool.Metrics = old.Metrics
			}
			r.logger.Debug().Str("pool", pool.ID).Msg("pool missing from screener response")
			next = append(next, pool)
			continue
		}

		pool = r.merge(ctx, pool, info)
		if !r.opts.Filter.Passes(pool.Metrics) {
			r.logger.Info().
				Str("pool", pool.ID).
				Str("liquidity", pool.Metrics.Liquidity.StringFixed(0)).
				Str("volume_24h", pool.Metrics.Volume24h.StringFixed(0)).
				Msg("pool below floors, not watched")
			continue
		}
		next = append(next, pool)
	}

	change := r.registry.Replace(next)
	metrics.RecordRefresh("ok", len(next))
	return change, nil
}

func (r *Refresher) merge(ctx context.Context, pool domain.Pool, info PairInfo) domain.Pool {
	if pool.DEX == "" {
		pool.DEX = info.DexID
	}
	if pool.TokenAddress == "" {
		pool.TokenAddress = NormalizeAddress(pool.Network, info.BaseToken.Address)
	}
	if pool.TokenSymbol == "" {
		pool.TokenSymbol = info.BaseToken.Symbol
	}
	if pool.PairAddress == "" {
		pool.PairAddress = NormalizeAddress(pool.Network, info.QuoteToken.Address)
	}
	if pool.PairSymbol == "" {
		pool.PairSymbol = info.QuoteToken.Symbol
	}
	pool.Metrics = info.Metrics
	if pool.Metrics.UpdatedAt.IsZero() {
		pool.Metrics.UpdatedAt = r.opts.Now()
	}

	if r.tokens == nil || FormatFor(pool.Network) != FormatEVM || pool.TokenAddress == "" {
		return pool
	}
	if !pool.Metrics.FDV.IsZero() && pool.TokenDecimals != 0 {
		return pool
	}
	tok, err := r.tokens.TokenInfo(ctx, pool.TokenAddress)
	if err != nil {
		r.logger.Warn().Err(err).Str("pool", pool.ID).Msg("token info unavailable")
		return pool
	}
	if pool.TokenDecimals == 0 {
		pool.TokenDecimals = tok.Decimals
	}
	if pool.Metrics.FDV.IsZero() && pool.Metrics.PriceUSD.IsPositive() {
		pool.Metrics.FDV = pool.Metrics.PriceUSD.Mul(tok.TotalSupply)
	}
	return pool
}

// carryOver returns the watchlist with whatever metrics the registry already holds.
func (r *Refresher) carryOver() []domain.Pool {
	prev := r.registry.Snapshot()
	out := make([]domain.Pool, 0, len(r.watchlist))
	for _, pool := range r.watchlist {
		if old, ok := prev.Pools[pool.ID]; ok {
			pool.Metrics = old.Metrics
		}
		out = append(out, pool)
	}
	return out
}

// Watchlist returns the configured pools.
func (r *Refresher) Watchlist() []domain.Pool {
	return append([]domain.Pool(nil), r.watchlist...)
}
