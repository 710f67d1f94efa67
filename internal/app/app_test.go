package app

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex-sonar/internal/alerting"
	"dex-sonar/internal/config"
	"dex-sonar/internal/domain"
	"dex-sonar/internal/feed"
	"dex-sonar/internal/pattern"
	"dex-sonar/internal/storage"
)

const (
	poolA = "0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc"
	poolB = "0xA478c2975Ab1Ea89e8196811F51A7B7Ade33eB11"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func trade(pool string, minute int, price int64) domain.TradeEvent {
	return domain.TradeEvent{
		PoolID:    pool,
		Timestamp: t0.Add(time.Duration(minute) * time.Minute),
		Sequence:  uint64(minute),
		Price:     decimal.NewFromInt(price),
		Volume:    decimal.NewFromInt(10),
		Side:      domain.Sell,
	}
}

func dumpRules(t *testing.T) *pattern.RuleSet {
	t.Helper()
	rules, errs := pattern.LoadRules(1, []pattern.RuleConfig{{
		ID:             "dump-10",
		DropPct:        10,
		DropWindow:     5 * time.Minute,
		RecoveryPct:    5,
		RecoveryWindow: 10 * time.Minute,
	}})
	require.Empty(t, errs)
	return rules
}

func testApp(cfg *config.Config) *App {
	return NewApp(cfg, zerolog.Nop())
}

func TestReplayEventsDetectsDumpPerPool(t *testing.T) {
	events := []domain.TradeEvent{
		trade(poolA, 0, 100),
		trade(poolB, 0, 50),
		trade(poolA, 1, 95),
		trade(poolA, 2, 88),
		trade(poolB, 1, 51),
		trade(poolA, 4, 93),
		trade(poolA, 3, 89), // late, inside tolerance
		trade(poolA, 30, 90),
		trade(poolA, 5, 94), // far behind the newest event
	}

	results := replayEvents(events, "", dumpRules(t), config.SeriesConfig{BackfillTolerance: 2 * time.Minute})
	require.Len(t, results, 2)

	a := results[1]
	require.Equal(t, poolA, a.PoolID)
	assert.Equal(t, 7, a.Events)
	assert.Len(t, a.Samples, 6)
	assert.Equal(t, uint64(1), a.Stats.Backfilled)
	assert.Equal(t, uint64(1), a.Stats.OutOfOrder)
	require.Len(t, a.Matches, 1)
	m := a.Matches[0]
	assert.Equal(t, "dump-10", m.RuleID)
	assert.True(t, m.Peak.Price.Equal(decimal.NewFromInt(100)))
	assert.True(t, m.Trough.Price.Equal(decimal.NewFromInt(88)))
	assert.Equal(t, t0.Add(4*time.Minute), m.DetectedAt)

	b := results[0]
	assert.Equal(t, poolB, b.PoolID)
	assert.Empty(t, b.Matches)

	only := replayEvents(events, strings.ToLower(poolB), dumpRules(t), config.SeriesConfig{})
	require.Len(t, only, 1)
	assert.Equal(t, poolB, only[0].PoolID)
}

func TestDownsampleKeepsEnds(t *testing.T) {
	samples := make([]domain.Sample, 10)
	for i := range samples {
		samples[i] = domain.Sample{Sequence: uint64(i)}
	}

	out := downsampleSamples(samples, 4)
	require.Len(t, out, 4)
	assert.Equal(t, uint64(0), out[0].Sequence)
	assert.Equal(t, uint64(3), out[1].Sequence)
	assert.Equal(t, uint64(6), out[2].Sequence)
	assert.Equal(t, uint64(9), out[3].Sequence)

	assert.Len(t, downsampleSamples(samples, 0), 10)
	assert.Len(t, downsampleSamples(samples, 20), 10)
	assert.Equal(t, uint64(9), downsampleSamples(samples, 1)[0].Sequence)
}

func TestWriteSamplesCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "series.csv")
	s := domain.SampleFromEvent(trade(poolA, 0, 100), decimal.Zero)

	require.NoError(t, writeSamplesCSV(path, []domain.Sample{s}))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "timestamp,seq,price,volume,side,cum_volume", lines[0])
	assert.Equal(t, "2024-05-01T12:00:00Z,0,100,10,sell,10", lines[1])
}

func TestSyntheticMatch(t *testing.T) {
	rule := dumpRules(t).Rules[0]
	now := t0.Add(time.Hour)

	m := syntheticMatch(rule, poolA, decimal.NewFromInt(20), decimal.NewFromInt(10), now)
	assert.Equal(t, poolA, m.PoolID)
	assert.Equal(t, now, m.WindowEnd)
	assert.Equal(t, now.Add(-150*time.Second-5*time.Minute), m.WindowStart)
	assert.True(t, m.Trough.Price.Equal(decimal.RequireFromString("0.8")))
	assert.True(t, m.Trigger.Price.Equal(decimal.RequireFromString("0.88")))
	assert.True(t, m.Significant)

	single := syntheticMatch(rule, poolA, decimal.NewFromInt(20), decimal.Zero, now)
	assert.Equal(t, now.Add(-150*time.Second), single.WindowStart)
	assert.True(t, single.Trigger.Price.Equal(single.Trough.Price))
}

func TestPickRule(t *testing.T) {
	rules := dumpRules(t)

	r, err := pickRule(rules, "")
	require.NoError(t, err)
	assert.Equal(t, "dump-10", r.ID)

	_, err = pickRule(rules, "missing")
	assert.Error(t, err)

	_, err = pickRule(&pattern.RuleSet{}, "")
	assert.Error(t, err)
}

func TestNewNotifierChannels(t *testing.T) {
	cfg := &config.Config{Alerting: config.AlertingConfig{Enabled: true, Channels: []string{"log"}}}
	n, err := testApp(cfg).newNotifier()
	require.NoError(t, err)
	assert.IsType(t, &alerting.LogNotifier{}, n)

	cfg.Alerting.Channels = []string{"log", "telegram"}
	cfg.Alerting.Telegram = config.TelegramConfig{Enabled: true, BotToken: "t", ChatID: "1"}
	n, err = testApp(cfg).newNotifier()
	require.NoError(t, err)
	assert.Len(t, n, 2)

	cfg.Alerting.Channels = []string{"pager"}
	_, err = testApp(cfg).newNotifier()
	assert.Error(t, err)

	cfg.Alerting.Channels = []string{"telegram"}
	cfg.Alerting.Telegram.Enabled = false
	_, err = testApp(cfg).newNotifier()
	assert.Error(t, err)

	cfg.Alerting.Enabled = false
	_, err = testApp(cfg).newNotifier()
	assert.Error(t, err)
}

func TestNewSourceByType(t *testing.T) {
	cfg := &config.Config{}

	cfg.Feed.Type = "evm"
	src, err := testApp(cfg).newSource()
	require.NoError(t, err)
	assert.IsType(t, &feed.EVMSource{}, src)

	cfg.Feed.Type = "ws"
	src, err = testApp(cfg).newSource()
	require.NoError(t, err)
	assert.IsType(t, &feed.WSSource{}, src)

	cfg.Feed.Type = "csv"
	src, err = testApp(cfg).newSource()
	require.NoError(t, err)
	assert.IsType(t, &feed.CSVSource{}, src)

	cfg.Feed.Type = "kafka"
	_, err = testApp(cfg).newSource()
	assert.Error(t, err)
}

func TestControlKey(t *testing.T) {
	cfg := &config.Config{Redis: config.RedisConfig{KeyPrefix: "dexsonar:"}}
	assert.Equal(t, "dexsonar:control:paused", testApp(cfg).controlKey())

	cfg.Control.RedisKey = "ops:pause"
	assert.Equal(t, "ops:pause", testApp(cfg).controlKey())
}

func TestNewDedupBackend(t *testing.T) {
	cfg := &config.Config{Dispatcher: config.DispatcherConfig{Workers: 2, DedupBackend: "redis"}}
	// without a client the memory store is used
	assert.IsType(t, &alerting.MemoryDedup{}, testApp(cfg).newDedup(nil))
}

func TestPrintRules(t *testing.T) {
	rules, errs := pattern.LoadRules(1, []pattern.RuleConfig{
		{ID: "dump-10", DropPct: 10, DropWindow: 5 * time.Minute, RecoveryPct: 5, RecoveryWindow: 10 * time.Minute},
		{ID: "broken", DropPct: 0, DropWindow: time.Minute},
	})
	require.Len(t, errs, 1)

	var buf bytes.Buffer
	printRules(&buf, rules, errs)
	out := buf.String()
	assert.Contains(t, out, "dump-10")
	assert.Contains(t, out, "1 rule(s) loaded, series retention 15m0s")
	assert.Contains(t, out, "rejected:")
	assert.Contains(t, out, "broken")
}

func TestPrintAlerts(t *testing.T) {
	var buf bytes.Buffer
	printAlerts(&buf, nil)
	assert.Equal(t, "no alerts found\n", buf.String())

	buf.Reset()
	printAlerts(&buf, []storage.AlertRecord{{
		PoolID:       poolA,
		PoolName:     "PEPE / WETH",
		RuleID:       "dump-10",
		Kind:         "dump",
		DropPct:      decimal.NewFromInt(12),
		RecoveryPct:  decimal.NewFromInt(6),
		Volume:       decimal.NewFromInt(40),
		Significant:  true,
		StaleMetrics: true,
		GeneratedAt:  t0,
	}})
	out := buf.String()
	assert.Contains(t, out, "2024-05-01T12:00:00Z")
	assert.Contains(t, out, "PEPE / WETH")
	assert.Contains(t, out, "12.00")
	assert.Contains(t, out, "significant,stale")
}

func TestPrintMatchesSummary(t *testing.T) {
	var buf bytes.Buffer
	printMatches(&buf, []ReplayResult{{PoolID: poolA, Events: 3}})
	out := buf.String()
	assert.Contains(t, out, poolA+": 3 events, 0 samples, 0 matches")
	assert.Contains(t, out, "no matches found")
}
