package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
feed:
  type: csv
  csv:
    path: trades.csv
registry:
  min_liquidity: 5000
  pools:
    - id: "0xb4e16d0168e52d35cacd2c6185b44281ec28c9dc"
      token_symbol: PEPE
      pair_symbol: WETH
      token_decimals: 18
      pair_decimals: 18
      base_is_token0: true
rules:
  - id: dump-15
    drop_pct: 15
    drop_window: 5m
    recovery_pct: 8
    recovery_window: 10m
    min_volume: 2500
    cooldown: 30m
  - id: broken
    drop_pct: -1
control:
  paused: false
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFileAndDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "csv", cfg.Feed.Type)
	assert.Equal(t, "trades.csv", cfg.Feed.CSV.Path)
	assert.Equal(t, 5000.0, cfg.Registry.MinLiquidity)
	require.Len(t, cfg.Registry.Pools, 1)
	assert.True(t, cfg.Registry.Pools[0].BaseIsToken0)
	assert.Equal(t, int32(18), cfg.Registry.Pools[0].TokenDecimals)

	// rule entries are decoded as-is; validation happens per rule later
	require.Len(t, cfg.Rules, 2)
	assert.Equal(t, 5*time.Minute, cfg.Rules[0].DropWindow)
	assert.Equal(t, 30*time.Minute, cfg.Rules[0].Cooldown)
	assert.Equal(t, -1.0, cfg.Rules[1].DropPct)

	assert.Equal(t, time.Minute, cfg.Registry.RefreshInterval)
	assert.Equal(t, "memory", cfg.Dispatcher.DedupBackend)
	assert.Equal(t, 30, cfg.Registry.DexScreener.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Series.BackfillTolerance)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DEXSONAR_DISPATCHER_WORKERS", "9")
	t.Setenv("DEXSONAR_CONTROL_PAUSED", "true")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Dispatcher.Workers)
	assert.True(t, cfg.Control.Paused)
}

func TestValidateRejectsGlobalMistakes(t *testing.T) {
	cases := map[string]string{
		"feed.type":                   "feed:\n  type: carrier-pigeon\n",
		"feed.ws.url":                 "feed:\n  type: ws\n",
		"dispatcher.dedup_backend":    "feed:\n  type: evm\ndispatcher:\n  dedup_backend: redis\n",
		"registry.refresh_interval":   "registry:\n  refresh_interval: 0s\n",
		"alerting.telegram.bot_token": "alerting:\n  telegram:\n    enabled: true\n    chat_id: \"1\"\n",
	}
	for want, body := range cases {
		t.Run(want, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), want)
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 100}}
	assert.Equal(t, 100, cfg.ResolveMaxPoints(0))
	assert.Equal(t, 7, cfg.ResolveMaxPoints(7))
}

func TestWatchReloadsPauseFlag(t *testing.T) {
	path := writeConfig(t, sampleYAML)

	var (
		mu     sync.Mutex
		latest *Config
	)
	require.NoError(t, Watch(path, zerolog.Nop(), func(cfg *Config) {
		mu.Lock()
		defer mu.Unlock()
		latest = cfg
	}))

	// give the watcher time to register before writing
	time.Sleep(50 * time.Millisecond)
	updated := sampleYAML + "\n" + "orchestrator:\n  max_restarts: 1\n"
	updated = strings.Replace(updated, "paused: false", "paused: true", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return latest != nil && latest.Control.Paused
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatchNeedsFile(t *testing.T) {
	t.Chdir(t.TempDir())
	assert.ErrorIs(t, Watch("", zerolog.Nop(), func(*Config) {}), ErrNoConfigFile)
}
