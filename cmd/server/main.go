package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/trogers1052/stock-prediction-service/internal/api"
	"github.com/trogers1052/stock-prediction-service/internal/config"
	"github.com/trogers1052/stock-prediction-service/internal/database"
	"github.com/trogers1052/stock-prediction-service/internal/horizon"
	"github.com/trogers1052/stock-prediction-service/internal/kafka"
	"github.com/trogers1052/stock-prediction-service/internal/lease"
	"github.com/trogers1052/stock-prediction-service/internal/marketdata"
	"github.com/trogers1052/stock-prediction-service/internal/prediction"
	"github.com/trogers1052/stock-prediction-service/internal/predictor"
	"github.com/trogers1052/stock-prediction-service/internal/queue"
	"github.com/trogers1052/stock-prediction-service/internal/reconcile"
)

const reconcileLeaseKey = "stock-prediction-service:reconcile"

// eventPublisher is satisfied by the Kafka producer; it stays a nil interface
// when Kafka is disabled.
type eventPublisher interface {
	prediction.Publisher
	reconcile.Publisher
}

func main() {
	cfg := config.Load()
	logger := setupLogging(cfg.Log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.New(cfg.Database.ConnectionString())
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := db.Migrate(cfg.Database.MigrationsPath); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run migrations")
	}
	logger.Info().Msg("Database ready")

	location := cfg.Reconcile.Location()

	if cfg.MarketData.APIKey == "" {
		logger.Warn().Msg("No Alpha Vantage API key configured, market data requests will fail")
	}
	market := marketdata.NewClient(marketdata.Options{
		APIKey:          cfg.MarketData.APIKey,
		BaseURL:         cfg.MarketData.BaseURL,
		OutputSize:      cfg.MarketData.OutputSize,
		RequestTimeout:  cfg.MarketData.RequestTimeout,
		RequestsPerSec:  cfg.MarketData.RequestsPerSec,
		MaxRetryTimeout: cfg.MarketData.MaxRetryTimeout,
	}, logger)

	var publisher eventPublisher
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer producer.Close()
		publisher = producer
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("Kafka producer ready")
	}

	reconciler := reconcile.New(db, market, reconcile.Options{
		Concurrency: cfg.Reconcile.Concurrency,
		Location:    location,
		Publisher:   publisher,
	}, logger)

	var guard reconcile.Guard
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("Redis unreachable, scheduled reconciliation runs without a lease")
		} else {
			guard = lease.NewLocker(rdb, reconcileLeaseKey, cfg.Reconcile.LeaseTTL)
		}
	}

	jobs := queue.New(ctx, logger)

	service := prediction.NewService(prediction.Deps{
		Store: db,
		Queue: jobs,
		Predictor: predictor.NewInvoker(predictor.Config{
			Interpreter:    cfg.Predictor.Interpreter,
			DatasetScript:  cfg.Predictor.DatasetScript,
			ScriptDir:      cfg.Predictor.ScriptDir,
			DatasetDir:     cfg.Predictor.DatasetDir,
			Timeout:        cfg.Predictor.Timeout,
			DatasetTimeout: cfg.Predictor.DatasetTimeout,
		}, logger),
		Horizon: horizon.NewCalculator(horizon.Config{
			Interpreter: cfg.Predictor.Interpreter,
			Script:      cfg.Horizon.Script,
			Calendar:    cfg.Horizon.Calendar,
			Timeout:     cfg.Horizon.Timeout,
			Location:    location,
		}, logger),
		Market:     market,
		Publisher:  publisher,
		Reconciler: reconciler,
	}, prediction.Options{
		MaxPending: cfg.Queue.MaxPending,
		Location:   location,
	}, logger)

	if err := service.RecoverStranded(); err != nil {
		logger.Error().Err(err).Msg("Failed to recover stranded predictions")
	}

	scheduler := reconcile.NewScheduler(reconciler, guard, cfg.Reconcile.Interval, logger)
	go scheduler.Start(ctx)

	consumerCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()
	if cfg.Kafka.Enabled {
		consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.RequestsTopic, cfg.Kafka.GroupID, service, logger)
		go func() {
			if err := consumer.Start(consumerCtx); err != nil {
				logger.Error().Err(err).Msg("Prediction request consumer stopped")
			}
		}()
	}

	handler := api.NewHandler(service, reconciler, scheduler, market, logger)
	srv := &http.Server{
		Addr:              cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:           api.SetupRoutes(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info().Msg("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	stopConsumer()

	jobs.Close()
	if err := jobs.Wait(shutdownCtx); err != nil {
		logger.Warn().Err(err).Int("pending", jobs.Size()).Msg("Prediction queue did not drain before shutdown")
	}
	cancel()

	logger.Info().Msg("Shutdown complete")
}

func setupLogging(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log.Logger = log.Logger.With().Str("service", "stock-prediction-service").Logger()
	return log.Logger
}
