package daemon

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/wpphub/internal/api"
	"github.com/matheus3301/wpphub/internal/bus"
	"github.com/matheus3301/wpphub/internal/config"
	"github.com/matheus3301/wpphub/internal/enrich"
	"github.com/matheus3301/wpphub/internal/lock"
	"github.com/matheus3301/wpphub/internal/logging"
	"github.com/matheus3301/wpphub/internal/messaging"
	"github.com/matheus3301/wpphub/internal/metrics"
	"github.com/matheus3301/wpphub/internal/notify"
	"github.com/matheus3301/wpphub/internal/outbox"
	"github.com/matheus3301/wpphub/internal/paths"
	"github.com/matheus3301/wpphub/internal/session"
	"github.com/matheus3301/wpphub/internal/store"
	"github.com/matheus3301/wpphub/internal/store/postgres"
	intsync "github.com/matheus3301/wpphub/internal/sync"
	"github.com/matheus3301/wpphub/internal/wa"
)

// Params holds the resolved locations passed to the fx module.
type Params struct {
	DataDir string
	// ConfigPath overrides <data_dir>/config.toml.
	ConfigPath string
	// Addr overrides api.addr; used by tests to bind an ephemeral port.
	Addr string
	// Factory overrides the whatsmeow client factory; nil uses the real one.
	Factory wa.Factory
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLayout,
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideRegistries,
			provideStore,
			provideNotifier,
			provideEnricher,
			provideFactory,
			provideManager,
			provideIngress,
			provideSyncEngine,
			provideSender,
			provideDrainer,
			provideRouter,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLayout(p Params) (paths.Layout, error) {
	layout := paths.New(p.DataDir)
	return layout, layout.Ensure()
}

func provideConfig(p Params, layout paths.Layout) (*config.Config, error) {
	if err := config.LoadEnvFile(layout.EnvPath()); err != nil {
		return nil, err
	}
	path := p.ConfigPath
	if path == "" {
		path = layout.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if p.Addr != "" {
		cfg.API.Addr = p.Addr
	}
	return cfg, cfg.Validate()
}

func provideLogger(layout paths.Layout, cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(layout.LogPath(), "wpphubd", cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(layout paths.Layout, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring daemon lock", zap.String("path", layout.LockPath()))
	l, err := lock.Acquire(layout.LockPath())
	if err != nil {
		return nil, err
	}
	logger.Info("daemon lock acquired")
	return l, nil
}

func provideRegistries(logger *zap.Logger) (*session.Registry, *prometheus.Registry) {
	sessions := session.NewRegistry()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)
	metrics.RegisterSessions(reg, sessions.Len)
	logger.Debug("metrics registered")
	return sessions, reg
}

// storeResult carries the repository plus an optional pool sampler for Postgres.
type storeResult struct {
	fx.Out

	Repo  store.Repository
	Stats *metrics.PoolStats
}

// provideStore depends on the lock so a second daemon fails before touching the database.
func provideStore(lc fx.Lifecycle, _ *lock.Lock, layout paths.Layout, cfg *config.Config, reg *prometheus.Registry, logger *zap.Logger) (storeResult, error) {
	var (
		repo    store.Repository
		migrate func() (*store.MigrateResult, error)
		stats   *metrics.PoolStats
	)
	switch cfg.Database.Driver {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		db, err := postgres.Open(ctx, cfg.Database.DSN, logger.Named("postgres"))
		if err != nil {
			return storeResult{}, err
		}
		repo, migrate = db, db.Migrate
		stats = metrics.NewPoolStats(reg, db.Pool())
	default:
		db, err := store.Open(layout.AppDBPath())
		if err != nil {
			return storeResult{}, err
		}
		repo, migrate = db, db.Migrate
		logger.Info("store initialized", zap.String("path", layout.AppDBPath()))
	}

	result, err := migrate()
	if err != nil {
		_ = repo.Close()
		return storeResult{}, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return repo.Close() },
	})
	return storeResult{Repo: repo, Stats: stats}, nil
}

func provideNotifier(lc fx.Lifecycle, cfg *config.Config, b *bus.Bus, logger *zap.Logger) (notify.Notifier, error) {
	n := notify.Multi{notify.NewBus(b)}
	if cfg.Redis.URL == "" {
		return n, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r, err := notify.NewRedis(ctx, cfg.Redis.URL, cfg.Redis.ChannelPrefix, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return r.Close() },
	})
	return append(n, r), nil
}

func provideEnricher(cfg *config.Config, logger *zap.Logger) *enrich.Enricher {
	return enrich.New(cfg.Enrich.Timeout.Duration, logger)
}

func provideFactory(p Params, logger *zap.Logger) wa.Factory {
	if p.Factory != nil {
		return p.Factory
	}
	wa.SetDeviceName("wpphub")
	return wa.NewFactory(logger)
}

func provideManager(cfg *config.Config, repo store.Repository, reg *session.Registry, factory wa.Factory, layout paths.Layout, n notify.Notifier, b *bus.Bus, logger *zap.Logger) *session.Manager {
	sc := cfg.Session
	return session.NewManager(session.Config{
		PairingSaveAttempts: sc.PairingSaveAttempts,
		PairingSaveBackoff:  sc.PairingSaveBackoff.Duration,
		StartWait:           sc.StartWait.Duration,
		EventTimeout:        sc.EventTimeout.Duration,
		SyncOnReady:         sc.SyncOnReady,
		RestoreConcurrency:  sc.RestoreConcurrency,
	}, repo, reg, factory, layout, n, b, logger)
}

func provideIngress(m *session.Manager, repo store.Repository, e *enrich.Enricher, n notify.Notifier, b *bus.Bus, logger *zap.Logger) *messaging.Ingress {
	in := messaging.NewIngress(repo, e, n, b, logger)
	m.SetSink(in)
	return in
}

func provideSyncEngine(m *session.Manager, repo store.Repository, e *enrich.Enricher, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	engine := intsync.NewEngine(repo, m.Registry(), e, b, logger)
	m.SetSyncer(engine)
	return engine
}

func provideSender(cfg *config.Config, m *session.Manager, repo store.Repository, logger *zap.Logger) *messaging.Sender {
	return messaging.NewSender(messaging.SenderConfig{
		RecoveryPollAttempts: cfg.Session.RecoveryPollAttempts,
		RecoveryPollInterval: cfg.Session.RecoveryPollInterval.Duration,
		RatePerMinute:        cfg.Send.RatePerMinute,
		Burst:                cfg.Send.Burst,
	}, m, repo, logger)
}

func provideDrainer(cfg *config.Config, repo store.Repository, sender *messaging.Sender, b *bus.Bus, logger *zap.Logger) *outbox.Drainer {
	return outbox.NewDrainer(repo, sender, b, cfg.Outbox.PollInterval.Duration, logger)
}

func provideRouter(
	cfg *config.Config,
	repo store.Repository,
	m *session.Manager,
	engine *intsync.Engine,
	sender *messaging.Sender,
	drainer *outbox.Drainer,
	b *bus.Bus,
	reg *prometheus.Registry,
	logger *zap.Logger,
) *gin.Engine {
	return api.NewRouter(api.Deps{
		Store:    repo,
		Sessions: m,
		Syncer:   engine,
		Sender:   sender,
		Queue:    drainer,
		Bus:      b,
		Gatherer: reg,
		Logger:   logger,
	}, api.Options{
		RateRPS:     cfg.API.RateRPS,
		RateBurst:   cfg.API.RateBurst,
		CORSOrigins: cfg.API.CORSOrigins,
	})
}

type lifecycleParams struct {
	fx.In

	Server  *Server
	Lock    *lock.Lock
	Manager *session.Manager
	Ingress *messaging.Ingress
	Drainer *outbox.Drainer
	Stats   *metrics.PoolStats `optional:"true"`
	Logger  *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, p lifecycleParams) {
	logger := p.Logger
	stop := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := p.Server.Listen(); err != nil {
				return err
			}
			if err := p.Lock.Advertise(p.Server.Addr()); err != nil {
				logger.Warn("could not record address in lock file", zap.Error(err))
			}
			go func() {
				if err := p.Server.Serve(); err != nil {
					logger.Error("HTTP server error", zap.Error(err))
				}
			}()

			p.Drainer.Start(context.Background())
			if p.Stats != nil {
				go p.Stats.Start(15*time.Second, stop)
			}

			// Reconnect every account that was connected before the restart.
			go func() {
				report, err := p.Manager.RestoreAll(context.Background())
				if err != nil {
					logger.Error("restore failed", zap.Error(err))
					return
				}
				logger.Info("sessions restored",
					zap.Int("attempted", report.Attempted),
					zap.Int("restored", report.Restored),
					zap.Int("failed", len(report.Failed)),
				)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(stop)
			p.Drainer.Stop()
			p.Server.Stop(ctx)
			if err := p.Manager.Shutdown(ctx); err != nil {
				logger.Warn("session shutdown incomplete", zap.Error(err))
			}
			if err := p.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
