package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// AlertRecord is the audit row of a delivered alert.
type AlertRecord struct {
	ID           string
	PoolID       string
	PoolName     string
	RuleID       string
	Kind         string
	WindowStart  time.Time
	WindowEnd    time.Time
	DropPct      decimal.Decimal
	RecoveryPct  decimal.Decimal
	Volume       decimal.Decimal
	Significant  bool
	StaleMetrics bool
	// Payload is the full alert as JSON, pool metrics included.
	Payload     json.RawMessage
	GeneratedAt time.Time
	CreatedAt   time.Time
}
