package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"dex-sonar/internal/logging"
	"dex-sonar/internal/pattern"
	"dex-sonar/internal/registry"
)

// Config materialises application configuration.
type Config struct {
	App          AppConfig            `mapstructure:"app"`
	Logging      logging.Config       `mapstructure:"logging"`
	Database     DatabaseConfig       `mapstructure:"database"`
	Redis        RedisConfig          `mapstructure:"redis"`
	Feed         FeedConfig           `mapstructure:"feed"`
	Registry     RegistryConfig       `mapstructure:"registry"`
	Series       SeriesConfig         `mapstructure:"series"`
	Rules        []pattern.RuleConfig `mapstructure:"rules"`
	Dispatcher   DispatcherConfig     `mapstructure:"dispatcher"`
	Orchestrator OrchestratorConfig   `mapstructure:"orchestrator"`
	Control      ControlConfig        `mapstructure:"control"`
	Alerting     AlertingConfig       `mapstructure:"alerting"`
	Metrics      MetricsConfig        `mapstructure:"metrics"`
	Export       ExportConfig         `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	// AdvisoryLockKey keeps a single active instance per database; zero disables the lock.
	AdvisoryLockKey int64 `mapstructure:"advisory_lock_key"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig enables the shared dedup store and pause switch.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// FeedConfig selects the single trade source type of this process.
type FeedConfig struct {
	Type    string        `mapstructure:"type"`
	Network string        `mapstructure:"network"`
	EVM     EVMFeedConfig `mapstructure:"evm"`
	WS      WSFeedConfig  `mapstructure:"ws"`
	CSV     CSVFeedConfig `mapstructure:"csv"`
}

// EVMFeedConfig covers on-chain swap log polling.
type EVMFeedConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BlockBatch     uint64        `mapstructure:"block_batch"`
	Confirmations  uint64        `mapstructure:"confirmations"`
	Lookback       uint64        `mapstructure:"lookback_blocks"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// WSFeedConfig covers a JSON websocket push feed.
type WSFeedConfig struct {
	URL        string        `mapstructure:"url"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
}

// CSVFeedConfig replays a trades file.
type CSVFeedConfig struct {
	Path string `mapstructure:"path"`
}

// RegistryConfig governs the watchlist and its metric refresh.
type RegistryConfig struct {
	RefreshInterval time.Duration         `mapstructure:"refresh_interval"`
	AlignToBucket   bool                  `mapstructure:"align_to_bucket"`
	MinLiquidity    float64               `mapstructure:"min_liquidity"`
	MinVolume24h    float64               `mapstructure:"min_volume_24h"`
	SupplyTTL       time.Duration         `mapstructure:"supply_ttl"`
	DexScreener     DexScreenerConfig     `mapstructure:"dexscreener"`
	Pools           []registry.PoolConfig `mapstructure:"pools"`
}

// DexScreenerConfig captures the screener API.
type DexScreenerConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	BaseURL           string        `mapstructure:"base_url"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	BatchSize         int           `mapstructure:"batch_size"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// SeriesConfig sizes per-pool series.
type SeriesConfig struct {
	BackfillTolerance time.Duration `mapstructure:"backfill_tolerance"`
	MinRetention      time.Duration `mapstructure:"min_retention"`
	MaxSamples        int           `mapstructure:"max_samples"`
}

// DispatcherConfig tunes alert dedup and delivery.
type DispatcherConfig struct {
	Workers         int           `mapstructure:"workers"`
	QueueSize       int           `mapstructure:"queue_size"`
	DedupBackend    string        `mapstructure:"dedup_backend"`
	DedupBucket     time.Duration `mapstructure:"dedup_bucket"`
	DefaultTTL      time.Duration `mapstructure:"default_ttl"`
	Freshness       time.Duration `mapstructure:"freshness"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
}

// OrchestratorConfig tunes worker supervision.
type OrchestratorConfig struct {
	EventBuffer    int           `mapstructure:"event_buffer"`
	MaxRestarts    int           `mapstructure:"max_restarts"`
	RestartBackoff time.Duration `mapstructure:"restart_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// ControlConfig holds the pause switch. Paused is hot reloaded.
type ControlConfig struct {
	Paused       bool          `mapstructure:"paused"`
	RedisKey     string        `mapstructure:"redis_key"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Audit    bool           `mapstructure:"audit"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig exposes the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func newViper(path string) (*viper.Viper, error) {
	// a missing .env is normal outside development
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("DEXSONAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "dexsonar")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.advisory_lock_key", int64(0x64657873))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.key_prefix", "dexsonar:")

	v.SetDefault("feed.type", "evm")
	v.SetDefault("feed.network", "ethereum")
	v.SetDefault("feed.evm.poll_interval", "3s")
	v.SetDefault("feed.evm.block_batch", 500)
	v.SetDefault("feed.evm.confirmations", 0)
	v.SetDefault("feed.evm.lookback_blocks", 300)
	v.SetDefault("feed.evm.request_timeout", "15s")
	v.SetDefault("feed.ws.ping_period", "15s")

	v.SetDefault("registry.refresh_interval", "1m")
	v.SetDefault("registry.align_to_bucket", true)
	v.SetDefault("registry.min_liquidity", 0.0)
	v.SetDefault("registry.min_volume_24h", 0.0)
	v.SetDefault("registry.supply_ttl", "1h")
	v.SetDefault("registry.dexscreener.enabled", true)
	v.SetDefault("registry.dexscreener.base_url", "https://api.dexscreener.com/latest/dex")
	v.SetDefault("registry.dexscreener.requests_per_minute", 300)
	v.SetDefault("registry.dexscreener.batch_size", 30)
	v.SetDefault("registry.dexscreener.request_timeout", "10s")

	v.SetDefault("series.backfill_tolerance", "30s")
	v.SetDefault("series.min_retention", "10m")
	v.SetDefault("series.max_samples", 50000)

	v.SetDefault("dispatcher.workers", 4)
	v.SetDefault("dispatcher.queue_size", 256)
	v.SetDefault("dispatcher.dedup_backend", "memory")
	v.SetDefault("dispatcher.dedup_bucket", "1m")
	v.SetDefault("dispatcher.default_ttl", "10m")
	v.SetDefault("dispatcher.freshness", "5m")
	v.SetDefault("dispatcher.delivery_timeout", "10s")

	v.SetDefault("orchestrator.event_buffer", 256)
	v.SetDefault("orchestrator.max_restarts", 5)
	v.SetDefault("orchestrator.restart_backoff", "1s")
	v.SetDefault("orchestrator.max_backoff", "1m")

	v.SetDefault("control.paused", false)
	v.SetDefault("control.poll_interval", "2s")

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.channels", []string{"log"})
	v.SetDefault("alerting.audit", true)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9464")

	v.SetDefault("export.max_data_points", 5000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate checks global settings. A failure here is fatal at startup; individual rules and
// pools are validated on their own and never fail the whole config.
func (c *Config) Validate() error {
	switch c.Feed.Type {
	case "evm", "ws", "csv":
	default:
		return fmt.Errorf("feed.type must be one of evm, ws, csv (got %q)", c.Feed.Type)
	}
	if c.Feed.Type == "ws" && c.Feed.WS.URL == "" {
		return fmt.Errorf("feed.ws.url is required for the ws feed")
	}
	if c.Feed.Type == "csv" && c.Feed.CSV.Path == "" {
		return fmt.Errorf("feed.csv.path is required for the csv feed")
	}
	if c.Registry.RefreshInterval <= 0 {
		return fmt.Errorf("registry.refresh_interval must be greater than zero")
	}
	if c.Registry.MinLiquidity < 0 || c.Registry.MinVolume24h < 0 {
		return fmt.Errorf("registry floors cannot be negative")
	}
	if c.Series.BackfillTolerance < 0 {
		return fmt.Errorf("series.backfill_tolerance cannot be negative")
	}
	if c.Dispatcher.Workers <= 0 {
		return fmt.Errorf("dispatcher.workers must be greater than zero")
	}
	if c.Dispatcher.QueueSize <= 0 {
		return fmt.Errorf("dispatcher.queue_size must be greater than zero")
	}
	switch c.Dispatcher.DedupBackend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("dispatcher.dedup_backend redis requires redis.addr")
		}
	default:
		return fmt.Errorf("dispatcher.dedup_backend must be memory or redis (got %q)", c.Dispatcher.DedupBackend)
	}
	if c.Orchestrator.MaxRestarts < 0 {
		return fmt.Errorf("orchestrator.max_restarts cannot be negative")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
