package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"depositflow/internal/common/database"
	"depositflow/internal/common/events"
	"depositflow/internal/common/middleware"
	natsclient "depositflow/internal/common/nats"
	"depositflow/internal/deposit"
	"depositflow/internal/deposit/api"
	"depositflow/internal/rates"
	"depositflow/internal/watcher"
)

// Config holds service configuration
type Config struct {
	Port        int      `envconfig:"DEPOSIT_PORT" default:"8080"`
	Environment string   `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string   `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string   `envconfig:"LOG_FORMAT" default:"json"`
	CORSOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`

	StoreDriver  string `envconfig:"STORE_DRIVER" default:"postgres"`
	CatalogPath  string `envconfig:"CATALOG_PATH" default:"configs/catalog.yaml"`
	RedisURL     string `envconfig:"REDIS_URL"`
	NATSEnabled  bool   `envconfig:"NATS_ENABLED" default:"true"`
	WebhookToken string `envconfig:"SETTLEMENT_WEBHOOK_TOKEN"`

	Database database.Config
	NATS     natsclient.Config
	Deposit  deposit.Config
	Rates    rates.Config
	CoinCap  rates.CoinCapConfig
	Rail     watcher.HTTPRailConfig
	Watcher  watcher.Config
	Outbox   events.RelayConfig
}

// healthCheck reports whether a dependency is reachable
type healthCheck func(ctx context.Context) error

func main() {
	// .env is optional outside local development
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("deposit service failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	catalog, err := deposit.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}

	var checks []healthCheck

	store, storeCheck, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	if storeCheck != nil {
		checks = append(checks, storeCheck)
	}

	// Rate cache
	var cache rates.Cache = rates.NewMemoryCache()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parsing redis url: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		cache = rates.NewRedisCache(client)
		checks = append(checks, func(ctx context.Context) error { return client.Ping(ctx).Err() })
	}
	rateProvider := rates.NewProvider(rates.NewCoinCapSource(cfg.CoinCap), cache, cfg.Rates, logger)

	// Services
	rail := watcher.NewHTTPRail(cfg.Rail)
	depositService, err := deposit.NewService(store, catalog, rateProvider, cfg.Deposit, logger)
	if err != nil {
		return err
	}
	depositService.WithProber(rail)
	settlementWatcher := watcher.New(depositService, rail, cfg.Watcher, logger)
	depositService.WithTracker(settlementWatcher)
	sweeper := deposit.NewSweeper(depositService, cfg.Deposit.SweepInterval, logger)
	signals := watcher.NewSignalHandler(depositService, cfg.WebhookToken, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return settlementWatcher.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })

	if cfg.NATSEnabled {
		nc, err := natsclient.New(ctx, cfg.NATS, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		checks = append(checks, nc.HealthCheck)

		if err := startMessaging(gctx, g, nc, store, signals, cfg, logger); err != nil {
			return err
		}
	}

	// Setup router
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics)
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.UserExtractor)
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		for _, check := range checks {
			if err := check(r.Context()); err != nil {
				logger.Warn("health check failed", "error", err)
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unhealthy"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	r.Handle("/metrics", promhttp.Handler())
	r.Method(http.MethodPost, "/webhooks/settlement", signals)

	r.Route("/api/v1/deposits", func(r chi.Router) {
		r.Mount("/", api.NewHandler(depositService).Routes())
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		logger.Info("starting deposit service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"store", cfg.StoreDriver,
			"methods", len(catalog.EnabledMethods()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("shutting down server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg Config, logger *slog.Logger) (deposit.Store, healthCheck, func(), error) {
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory session store, state is lost on restart")
		return deposit.NewMemoryStore(), nil, func() {}, nil
	case "postgres":
		if cfg.Database.AutoMigrate {
			if err := database.Migrate(cfg.Database.URL, logger); err != nil {
				return nil, nil, nil, err
			}
		}
		db, err := database.New(ctx, cfg.Database, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connecting to database: %w", err)
		}
		return deposit.NewPostgresStore(db), db.HealthCheck, db.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// startMessaging publishes the outbox to the deposit stream and consumes
// settlement signals from the settlement stream.
func startMessaging(ctx context.Context, g *errgroup.Group, nc *natsclient.Client, store deposit.Store,
	signals *watcher.SignalHandler, cfg Config, logger *slog.Logger) error {
	streams := []natsclient.StreamConfig{
		natsclient.DefaultStreamConfig(natsclient.DepositStream, []string{natsclient.DepositSubjects}),
		natsclient.DefaultStreamConfig(natsclient.SettlementStream, []string{natsclient.SettlementSubjects}),
	}
	for _, sc := range streams {
		if _, err := nc.EnsureStream(ctx, sc); err != nil {
			return err
		}
	}

	consumer, err := nc.EnsureConsumer(ctx, natsclient.DefaultConsumerConfig(
		"depositd-settlements", natsclient.SettlementStream, watcher.SettlementSubject,
	))
	if err != nil {
		return err
	}
	subscriber := natsclient.NewSubscriber(nc, consumer, logger)
	g.Go(func() error { return subscriber.Consume(ctx, signals.HandleMessage) })

	relay := events.NewRelay(store, natsclient.NewPublisher(nc, logger), cfg.Outbox, logger)
	g.Go(func() error { return relay.Run(ctx) })

	return nil
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
