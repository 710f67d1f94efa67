package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a swap from the base token's perspective.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// ParseSide normalises a side string coming from a feed.
func ParseSide(v string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "buy", "b":
		return Buy, nil
	case "sell", "s":
		return Sell, nil
	default:
		return "", fmt.Errorf("unknown side %q", v)
	}
}

// Valid reports whether the side is one of the known values.
func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// TradeEvent is a raw swap observed on a pool. Immutable once ingested.
type TradeEvent struct {
	PoolID    string
	Timestamp time.Time
	Sequence  uint64
	Price     decimal.Decimal
	Volume    decimal.Decimal
	Side      Side
	Maker     string
}

// SignedVolume returns the volume with sells negative.
func (e TradeEvent) SignedVolume() decimal.Decimal {
	if e.Side == Sell {
		return e.Volume.Neg()
	}
	return e.Volume
}

// Key returns the ordering key of the event.
func (e TradeEvent) Key() OrderKey {
	return OrderKey{Timestamp: e.Timestamp, Sequence: e.Sequence}
}

// OrderKey orders trade events and samples by (timestamp ASC, sequence ASC).
type OrderKey struct {
	Timestamp time.Time
	Sequence  uint64
}

// Compare returns -1, 0 or 1.
func (k OrderKey) Compare(other OrderKey) int {
	if c := k.Timestamp.Compare(other.Timestamp); c != 0 {
		return c
	}
	switch {
	case k.Sequence < other.Sequence:
		return -1
	case k.Sequence > other.Sequence:
		return 1
	default:
		return 0
	}
}

// Sample is one point of a pool's price/volume series, derived from exactly one TradeEvent.
type Sample struct {
	PoolID    string
	Timestamp time.Time
	Sequence  uint64
	Price     decimal.Decimal
	Volume    decimal.Decimal
	Side      Side
	// CumVolume is the running volume total since the start of the retained series.
	CumVolume decimal.Decimal
}

// Key returns the ordering key of the sample.
func (s Sample) Key() OrderKey {
	return OrderKey{Timestamp: s.Timestamp, Sequence: s.Sequence}
}

// SampleFromEvent builds a sample with the cumulative volume carried over from prev.
func SampleFromEvent(e TradeEvent, prevCum decimal.Decimal) Sample {
	return Sample{
		PoolID:    e.PoolID,
		Timestamp: e.Timestamp,
		Sequence:  e.Sequence,
		Price:     e.Price,
		Volume:    e.Volume,
		Side:      e.Side,
		CumVolume: prevCum.Add(e.Volume),
	}
}
