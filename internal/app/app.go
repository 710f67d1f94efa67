package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dex-sonar/internal/alerting"
	"dex-sonar/internal/config"
	"dex-sonar/internal/control"
	"dex-sonar/internal/domain"
	"dex-sonar/internal/feed"
	"dex-sonar/internal/metrics"
	"dex-sonar/internal/orchestrator"
	"dex-sonar/internal/registry"
	"dex-sonar/internal/scheduler"
	"dex-sonar/internal/service"
	"dex-sonar/internal/storage"
	"dex-sonar/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	// ConfigPath is the file hot reload follows; empty means the default lookup.
	ConfigPath string
	Logger     zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newNotifier() (alerting.Notifier, error) {
	if !a.Config.Alerting.Enabled {
		return nil, errors.New("alerting 未启用")
	}

	var out alerting.MultiNotifier
	for _, ch := range a.Config.Alerting.Channels {
		switch strings.ToLower(strings.TrimSpace(ch)) {
		case "log":
			out = append(out, alerting.NewLogNotifier(a.Logger))
		case "telegram":
			cfg := a.Config.Alerting.Telegram
			if !cfg.Enabled {
				a.Logger.Warn().Msg("telegram channel listed but alerting.telegram.enabled is false")
				continue
			}
			out = append(out, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, a.Config.Dispatcher.DeliveryTimeout, a.Logger))
		case "":
		default:
			return nil, fmt.Errorf("unknown alerting channel %q", ch)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("未配置任何告警通道")
	}
	if len(out) == 1 {
		return out[0], nil
	}
	return out, nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	return store, store.Close, nil
}

func (a *App) openRedis(ctx context.Context) (*redis.Client, error) {
	if a.Config.Redis.Addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", a.Config.Redis.Addr, err)
	}
	return client, nil
}

func (a *App) controlKey() string {
	if a.Config.Control.RedisKey != "" {
		return a.Config.Control.RedisKey
	}
	return a.Config.Redis.KeyPrefix + "control:paused"
}

func (a *App) newSource() (feed.Source, error) {
	cfg := a.Config.Feed
	switch cfg.Type {
	case "evm":
		return feed.NewEVMSource(feed.EVMOptions{
			RPCURL:        cfg.EVM.RPCURL,
			PollInterval:  cfg.EVM.PollInterval,
			BlockBatch:    cfg.EVM.BlockBatch,
			Confirmations: cfg.EVM.Confirmations,
			Lookback:      cfg.EVM.Lookback,
			Timeout:       cfg.EVM.RequestTimeout,
		}, nil, a.Logger), nil
	case "ws":
		return feed.NewWSSource(feed.WSOptions{
			URL:        cfg.WS.URL,
			PingPeriod: cfg.WS.PingPeriod,
		}, a.Logger), nil
	case "csv":
		return feed.NewCSVSource(cfg.CSV.Path, true), nil
	default:
		return nil, fmt.Errorf("unsupported feed type %q", cfg.Type)
	}
}

func (a *App) newDedup(client *redis.Client) alerting.DedupStore {
	if a.Config.Dispatcher.DedupBackend == "redis" && client != nil {
		return alerting.NewRedisDedup(client, a.Config.Redis.KeyPrefix+"dedup:")
	}
	return alerting.NewMemoryDedup(a.Config.Dispatcher.Workers*4, nil)
}

func (a *App) buildRegistry() (*registry.Registry, *registry.Refresher, func()) {
	cfg := a.Config.Registry
	watchlist, errs := registry.BuildWatchlist(a.Config.Feed.Network, cfg.Pools)
	for _, err := range errs {
		a.Logger.Error().Err(err).Msg("pool rejected")
	}

	reg := registry.New(a.Logger, nil)
	var (
		pairs  registry.PairSource
		tokens registry.TokenSource
	)
	closer := func() {}
	if cfg.DexScreener.Enabled {
		userAgent := cfg.DexScreener.UserAgent
		if userAgent == "" {
			userAgent = version.UserAgent()
		}
		pairs = registry.NewDexScreener(registry.ScreenerOptions{
			BaseURL:           cfg.DexScreener.BaseURL,
			Timeout:           cfg.DexScreener.RequestTimeout,
			RequestsPerMinute: cfg.DexScreener.RequestsPerMinute,
			BatchSize:         cfg.DexScreener.BatchSize,
			UserAgent:         userAgent,
		}, a.Logger)
	}
	if a.Config.Feed.EVM.RPCURL != "" && registry.FormatFor(a.Config.Feed.Network) == registry.FormatEVM {
		chain := registry.NewChainReader(registry.ChainOptions{
			RPCURL:    a.Config.Feed.EVM.RPCURL,
			Timeout:   a.Config.Feed.EVM.RequestTimeout,
			SupplyTTL: cfg.SupplyTTL,
		}, a.Logger)
		tokens = chain
		closer = chain.Close
	}

	refresher := registry.NewRefresher(reg, watchlist, pairs, tokens, registry.RefresherOptions{
		Network: a.Config.Feed.Network,
		Filter: registry.Filter{
			MinLiquidity: decimal.NewFromFloat(cfg.MinLiquidity),
			MinVolume24h: decimal.NewFromFloat(cfg.MinVolume24h),
		},
	}, a.Logger)
	return reg, refresher, closer
}

func (a *App) dispatcherOptions() alerting.DispatcherOptions {
	cfg := a.Config.Dispatcher
	return alerting.DispatcherOptions{
		Workers:         cfg.Workers,
		QueueSize:       cfg.QueueSize,
		DedupBucket:     cfg.DedupBucket,
		DefaultTTL:      cfg.DefaultTTL,
		Freshness:       cfg.Freshness,
		DeliveryTimeout: cfg.DeliveryTimeout,
		OnDrop: func(alert domain.Alert, err error) {
			a.Logger.Error().Err(err).Str("alert_id", alert.ID).Str("pool", alert.Match.PoolID).Msg("alert dropped")
		},
	}
}

func (a *App) serveMetrics(ctx context.Context) {
	if !a.Config.Metrics.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: a.Config.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		a.Logger.Info().Str("listen", srv.Addr).Msg("metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error().Err(err).Msg("metrics endpoint failed")
		}
	}()
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; alert audit and instance lock disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	rdb, err := a.openRedis(ctx)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	notifier, err := a.newNotifier()
	if err != nil {
		return err
	}
	source, err := a.newSource()
	if err != nil {
		return err
	}

	reg, refresher, closeRegistry := a.buildRegistry()
	defer closeRegistry()

	var recorder alerting.AlertRecorder
	if store != nil && a.Config.Alerting.Audit {
		recorder = store
	}
	rules := service.LoadRules(1, a.Config.Rules, a.Logger)
	dispOpts := a.dispatcherOptions()
	dispOpts.MinTTL = rules.MaxCooldown()
	disp := alerting.NewDispatcher(dispOpts, notifier, a.newDedup(rdb), reg, recorder, a.Logger)

	pause := control.NewFlag(nil)
	pause.Set(control.SourceConfig, a.Config.Control.Paused)

	orch := orchestrator.New(orchestrator.Options{
		MinRetention:      a.Config.Series.MinRetention,
		BackfillTolerance: a.Config.Series.BackfillTolerance,
		MaxSamples:        a.Config.Series.MaxSamples,
		EventBuffer:       a.Config.Orchestrator.EventBuffer,
		MaxRestarts:       a.Config.Orchestrator.MaxRestarts,
		RestartBackoff:    a.Config.Orchestrator.RestartBackoff,
		MaxBackoff:        a.Config.Orchestrator.MaxBackoff,
	}, source, disp, pause, rules, a.Logger)

	components := service.Components{
		Registry:     reg,
		Refresher:    refresher,
		Orchestrator: orch,
		Dispatcher:   disp,
		Pause:        pause,
		Scheduler: scheduler.New(scheduler.Options{
			Name:         "registry_refresh",
			Interval:     a.Config.Registry.RefreshInterval,
			AlignToStart: a.Config.Registry.AlignToBucket,
		}, a.Logger),
	}
	if rdb != nil {
		components.Remote = control.NewRedisStore(rdb, a.controlKey())
		components.RemoteEvery = a.Config.Control.PollInterval
	}
	if store != nil && a.Config.App.AdvisoryLockKey != 0 {
		components.Locker = store
		components.LockKey = a.Config.App.AdvisoryLockKey
	}
	svc := service.New(components, a.Logger)

	if err := config.Watch(a.ConfigPath, a.Logger, svc.ApplyConfig); err != nil {
		if !errors.Is(err, config.ErrNoConfigFile) {
			return err
		}
		a.Logger.Warn().Msg("no config file found; hot reload disabled")
	}
	a.serveMetrics(ctx)

	a.Logger.Info().
		Str("version", version.Version).
		Str("feed", a.Config.Feed.Type).
		Str("network", a.Config.Feed.Network).
		Int("rules", len(orch.Rules().Rules)).
		Msg("starting monitoring service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ReplayOptions configure the offline replay of a trades file.
type ReplayOptions struct {
	Path string
	// Pool restricts the replay to one pool; empty replays every pool in the file.
	Pool      string
	Notify    bool
	CSVPath   string
	PNGPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Pool  string
	Limit int
}

// SimulateOptions describe the synthetic match sent by simulate-alert.
type SimulateOptions struct {
	Pool        string
	Rule        string
	DropPct     decimal.Decimal
	RecoveryPct decimal.Decimal
}
