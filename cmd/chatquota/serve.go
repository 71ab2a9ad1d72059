package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/chatquota/pkg/api"
	"github.com/platinummonkey/chatquota/pkg/billing"
	"github.com/platinummonkey/chatquota/pkg/chatusers"
	"github.com/platinummonkey/chatquota/pkg/config"
	"github.com/platinummonkey/chatquota/pkg/middleware"
	"github.com/platinummonkey/chatquota/pkg/observability"
	"github.com/platinummonkey/chatquota/pkg/quota"
	"github.com/platinummonkey/chatquota/pkg/settings"
	"github.com/platinummonkey/chatquota/pkg/storage"
	pgstore "github.com/platinummonkey/chatquota/pkg/storage/postgres"
	"github.com/platinummonkey/chatquota/pkg/verification"
)

const (
	dbStatsInterval = 15 * time.Second
	dedupCacheSize  = 10000
)

var serveMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		return runServer(commandContext(cmd), cfg)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "Apply pending migrations before serving")
}

func runServer(parent context.Context, cfg *config.Config) error {
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.WithFields(map[string]interface{}{
		"version": Version,
		"commit":  GitCommit,
	}).Info("Starting chatquota")

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)

	otelProviders, err := observability.InitOTel(ctx, cfg.OTel(), logger)
	if err != nil {
		return err
	}
	if otelProviders != nil {
		shutdown.Register("opentelemetry", otelProviders.Shutdown)
	}

	db, err := pgstore.Open(ctx, databaseConfig(cfg))
	if err != nil {
		return err
	}
	shutdown.Register("postgres", func(context.Context) error { return db.Close() })

	if serveMigrate {
		applied, err := pgstore.Migrate(ctx, db)
		if err != nil {
			return err
		}
		logger.WithField("applied", applied).Info("Migrations complete")
	}

	redisClient, err := storage.NewRedisClient(ctx, storage.RedisConfig{
		URL:      cfg.Redis.URL,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		return err
	}
	if redisClient != nil {
		shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })
	} else {
		logger.Warn("Redis not configured: webhook dedup and checkout rate limits are per instance")
	}

	var (
		registry *prometheus.Registry
		metrics  *observability.Metrics
	)
	if cfg.Observability.MetricsEnabled {
		registry = prometheus.NewRegistry()
		metrics = observability.NewMetrics(registry)
	} else {
		metrics = observability.NewNopMetrics()
	}

	settingsStore, err := newSettingsStore(ctx, cfg, db, logger)
	if err != nil {
		return err
	}
	if cfg.Settings.RefreshSpec != "" {
		refresher, err := settings.NewRefreshScheduler(settingsStore, cfg.Settings.RefreshSpec)
		if err != nil {
			return err
		}
		refresher.Start()
		shutdown.Register("settings-refresh", refresher.Stop)
	}

	archiver, err := newArchiver(ctx, cfg)
	if err != nil {
		return err
	}

	users := chatusers.NewStore()
	subscriptions := billing.NewStore()

	ledger := quota.NewLedger(db, users, settingsStore, metrics)
	profiles := chatusers.NewService(db, users, settingsStore, metrics)

	provider := billing.NewAsaasClient(billing.AsaasConfig{
		APIKey:  cfg.Asaas.APIKey,
		BaseURL: cfg.Asaas.BaseURL,
		Timeout: cfg.Asaas.Timeout,
	}, metrics)
	orchestrator := billing.NewOrchestrator(db, users, subscriptions, provider, settingsStore, metrics,
		billing.OrchestratorConfig{SiteURL: cfg.Asaas.SiteURL})

	dedup, err := billing.NewDeduper(redisClient, dedupCacheSize, cfg.Redis.DedupTTL)
	if err != nil {
		return err
	}
	webhooks := billing.NewWebhookProcessor(db, subscriptions, users, settingsStore, dedup, metrics,
		billing.WebhookConfig{Token: cfg.Asaas.WebhookToken, Archiver: archiver})

	tokens := verification.NewService(db, users, settingsStore, verification.NewLogMailer(logger), metrics,
		verification.Config{Lifetime: cfg.Verification.TokenLifetime, BaseURL: cfg.Verification.BaseURL})

	cleanup, err := verification.NewCleanupScheduler(tokens, cfg.Verification.CleanupSpec, logger)
	if err != nil {
		return err
	}
	cleanup.Start()
	shutdown.Register("token-cleanup", cleanup.Stop)

	health := observability.NewHealthChecker(db, redisClient, Version)
	health.AddCheck("asaas", orchestrator.Ping, false)

	handler := api.NewServer(api.Services{
		Quota:        ledger,
		Profiles:     profiles,
		Checkout:     orchestrator,
		Webhooks:     webhooks,
		Verification: tokens,
	}, api.Config{
		ChatAPIKey:      cfg.Security.ChatAPIKey,
		CheckoutLimiter: newCheckoutLimiter(redisClient, cfg.Redis.CheckoutRate),
		TokenLifetime:   cfg.Verification.TokenLifetime,
		Logger:          logger,
		Metrics:         metrics,
		Registry:        registry,
		Health:          health,
		Tracing:         cfg.Observability.OTelEnabled,
	})

	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	shutdown.Register("http", srv.Shutdown)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Infof("Listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(dbStatsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				metrics.RecordDBStats(db.Stats())
			}
		}
	})

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				if err := settingsStore.Refresh(gctx); err != nil {
					logger.WithError(err).Error("Settings reload on SIGHUP failed")
					continue
				}
				logger.Info("Settings reloaded on SIGHUP")
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")
		return shutdown.Shutdown()
	})

	return g.Wait()
}

// newSettingsStore layers the optional seed file under system_settings and
// watches the file when enabled. A failed first load keeps the defaults.
func newSettingsStore(ctx context.Context, cfg *config.Config, db *sql.DB, logger *observability.Logger) (*settings.Store, error) {
	var sources []settings.Source
	if cfg.Settings.SeedFile != "" {
		sources = append(sources, settings.NewFileSource(cfg.Settings.SeedFile))
	}
	sources = append(sources, settings.NewPostgresSource(db))

	store := settings.NewStore(logger, sources...)
	if err := store.Refresh(ctx); err != nil {
		logger.WithError(err).Warn("Failed to load settings, serving defaults")
	}

	if cfg.Settings.SeedFile != "" && cfg.Settings.Watch {
		if err := store.Watch(ctx, cfg.Settings.SeedFile); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func newCheckoutLimiter(redisClient *redis.Client, perMinute int) middleware.Limiter {
	return middleware.NewLimiter(redisClient, middleware.CheckoutRateLimitConfig(perMinute), "chatquota:ratelimit:checkout")
}

func newArchiver(ctx context.Context, cfg *config.Config) (billing.Archiver, error) {
	client, err := storage.NewS3Client(ctx, storage.S3Config{
		Bucket:       cfg.Archive.Bucket,
		Region:       cfg.Archive.Region,
		Endpoint:     cfg.Archive.Endpoint,
		UsePathStyle: cfg.Archive.UsePathStyle,
		AccessKey:    cfg.Archive.AccessKey,
		SecretKey:    cfg.Archive.SecretKey,
	})
	if err != nil || client == nil {
		return nil, err
	}
	return billing.NewS3Archiver(client, cfg.Archive.Bucket, ""), nil
}
