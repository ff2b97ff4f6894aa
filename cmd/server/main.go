package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kutay-ship-it/capsulenote-sub000/internal/api"
	"github.com/kutay-ship-it/capsulenote-sub000/internal/channel"
	"github.com/kutay-ship-it/capsulenote-sub000/internal/clock"
	"github.com/kutay-ship-it/capsulenote-sub000/internal/config"
	"github.com/kutay-ship-it/capsulenote-sub000/internal/db"
	"github.com/kutay-ship-it/capsulenote-sub000/internal/dispatch"
	"github.com/kutay-ship-it/capsulenote-sub000/internal/metrics"
	"github.com/kutay-ship-it/capsulenote-sub000/internal/models"
	"github.com/kutay-ship-it/capsulenote-sub000/internal/reaper"
	"github.com/kutay-ship-it/capsulenote-sub000/internal/schedule"
	"github.com/kutay-ship-it/capsulenote-sub000/internal/scheduler"
	"github.com/kutay-ship-it/capsulenote-sub000/internal/seal"
)

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Database
	// ------------------------------------------------
	store, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		logger.Fatal("schema migration failed", zap.Error(err))
	}

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Content Sealer
	// ------------------------------------------------
	sealer, err := seal.New(cfg.SealRecipient, cfg.SealIdentity)
	if err != nil {
		logger.Fatal("sealer setup failed", zap.Error(err))
	}

	// ------------------------------------------------
	// Clock + Delivery Time Computer
	// ------------------------------------------------
	sysClock := clock.System{}

	computer := &schedule.Computer{
		Clock:        sysClock,
		Transit:      schedule.RegionTable{},
		LocalHour:    cfg.DeliveryLocalHour,
		HorizonYears: cfg.MaxHorizonYears,
	}

	// ------------------------------------------------
	// Channel Adapters
	// ------------------------------------------------
	adapters := map[models.Channel]channel.Adapter{
		models.ChannelEmail: &channel.EmailAdapter{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			User:     cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		},
		models.ChannelPhysicalMail: &channel.PostalAdapter{
			BaseURL: cfg.PostalAPIURL,
			APIKey:  cfg.PostalAPIKey,
		},
	}

	// ------------------------------------------------
	// Dispatcher + Reaper
	// ------------------------------------------------
	dispatcher := &dispatch.Dispatcher{
		Store:        store,
		Letters:      store,
		Clock:        sysClock,
		Sealer:       sealer,
		Adapters:     adapters,
		Limiter:      rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit),
		Log:          logger,
		MaxAttempts:  cfg.MaxAttempts,
		BaseInterval: cfg.RetryBaseInterval,
		MaxInterval:  cfg.RetryMaxInterval,
		Lease:        cfg.ClaimLease,
		BatchSize:    cfg.DispatchBatchSize,
		Workers:      cfg.WorkerCount,
	}

	draftReaper := &reaper.Reaper{
		Store:     store,
		Clock:     sysClock,
		Log:       logger,
		Retention: cfg.DraftRetention,
		BatchSize: cfg.DispatchBatchSize,
	}

	// ------------------------------------------------
	// Scheduler
	// ------------------------------------------------
	sched := &scheduler.Scheduler{
		Deliveries: store,
		Drafts:     store,
		Letters:    store,
		Sealer:     sealer,
		Computer:   computer,
		Clock:      sysClock,
		Log:        logger,
	}

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Scheduler:  sched,
		Dispatcher: dispatcher,
		Reaper:     draftReaper,
		Deliveries: store,
		CronSecret: cfg.CronSecret,
		Log:        logger,
	}

	apiServer := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: apiHandler.Router(),
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}
