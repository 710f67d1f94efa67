package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pool carries the static metadata of a watched pool plus its latest metric snapshot.
type Pool struct {
	ID            string
	Network       string
	DEX           string
	TokenAddress  string
	TokenSymbol   string
	TokenDecimals int32
	PairAddress   string
	PairSymbol    string
	PairDecimals  int32
	// BaseIsToken0 tells on-chain decoders which side of the pair is the watched token.
	BaseIsToken0 bool

	Metrics PoolMetrics
}

// PoolMetrics is a point-in-time snapshot refreshed from an external screener.
type PoolMetrics struct {
	PriceUSD    decimal.Decimal
	PriceNative decimal.Decimal
	Liquidity   decimal.Decimal
	FDV         decimal.Decimal
	Volume24h   decimal.Decimal
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Name renders "TOKEN / PAIR" falling back to the pool id.
func (p Pool) Name() string {
	switch {
	case p.TokenSymbol != "" && p.PairSymbol != "":
		return p.TokenSymbol + " / " + p.PairSymbol
	case p.TokenSymbol != "":
		return p.TokenSymbol
	default:
		return p.ID
	}
}

// MetricsAge returns how old the metrics snapshot is at now. Zero UpdatedAt is treated as infinitely old.
func (p Pool) MetricsAge(now time.Time) time.Duration {
	if p.Metrics.UpdatedAt.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(p.Metrics.UpdatedAt)
}
