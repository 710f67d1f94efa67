package storage

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex-sonar/internal/domain"
)

func TestRecordFromAlert(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("UTC+8", 8*3600))
	alert := domain.Alert{
		ID:          "5f0c6c1e-4c1a-4d55-9a43-0d2f8f0f4a10",
		Pool:        domain.Pool{ID: "0xpool", TokenSymbol: "PEPE", PairSymbol: "WETH"},
		GeneratedAt: start.Add(8 * time.Minute),
		Match: domain.PatternMatch{
			PoolID:      "0xpool",
			RuleID:      "dump-15",
			Kind:        "dump",
			WindowStart: start,
			WindowEnd:   start.Add(7 * time.Minute),
			DropPct:     decimal.RequireFromString("17.25"),
			RecoveryPct: decimal.RequireFromString("9.1"),
			Volume:      decimal.NewFromInt(4200),
			Significant: true,
		},
		StaleMetrics: true,
	}

	rec, err := recordFromAlert(alert)
	require.NoError(t, err)
	assert.Equal(t, "PEPE / WETH", rec.PoolName)
	assert.Equal(t, time.UTC, rec.WindowStart.Location())
	assert.True(t, rec.DropPct.Equal(decimal.RequireFromString("17.25")))
	assert.True(t, rec.StaleMetrics)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Payload, &payload))
	assert.Equal(t, alert.ID, payload["ID"])

	_, err = recordFromAlert(domain.Alert{})
	assert.Error(t, err)
}

func TestMigrationsEmbedded(t *testing.T) {
	names, err := Migrations()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "migrations/001_alerts.sql", names[0])
}

func TestStoreWithoutPool(t *testing.T) {
	var s *Store
	assert.ErrorIs(t, s.RecordAlert(context.Background(), domain.Alert{ID: "x"}), ErrNotConfigured)
	_, err := s.ListRecentAlerts(context.Background(), "", 10)
	assert.ErrorIs(t, err, ErrNotConfigured)
	s.Close()
}
