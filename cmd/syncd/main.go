package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"hostsync/internal/api"
	"hostsync/internal/config"
	"hostsync/internal/database"
	"hostsync/internal/events"
	"hostsync/internal/lock"
	"hostsync/internal/logging"
	"hostsync/internal/metrics"
	"hostsync/internal/scheduler"
	"hostsync/internal/service"
	"hostsync/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		logger.Error().Err(err).Msg("Failed to create database directory")
		return err
	}

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize database")
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := lock.NewRedisClient(cfg.Redis)
	if err := lock.Ping(ctx, redisClient); err != nil {
		logger.Error().Err(err).Str("address", cfg.Redis.Address).Msg("Redis unavailable")
		return err
	}
	defer redisClient.Close()

	metrics.Register()
	if cfg.Monitoring.PrometheusEnabled {
		go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
	}

	eventBus := events.NewEventBus()
	subscribeReservationEvents(eventBus, logger)

	outboxWorker := initOutboxWorker(cfg, db, redisClient, logger)
	if outboxWorker != nil {
		go outboxWorker.Start(ctx)
	}

	locker := lock.NewLocker(redisClient, cfg.Sync.LockTTL)
	syncService := service.New(cfg, db, locker, eventBus, logger)

	go scheduler.New(cfg.Sync, syncService, logger).Start(ctx)

	if cfg.API.Enabled {
		apiServer := api.NewServer(cfg.API, db, syncService, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error().Err(err).Msg("API server error")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = apiServer.Shutdown(shutdownCtx)
		}()
	}

	logger.Info().
		Int("accounts", len(cfg.Accounts)).
		Bool("api", cfg.API.Enabled).
		Bool("task_sync", cfg.TaskSync.Enabled).
		Msg("Sync daemon started")

	<-ctx.Done()
	logger.Info().Msg("Shutdown complete.")
	return nil
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}
	logger := baseLogger.With().Str("component", "syncd").Logger()
	return cfg, logger, closer, nil
}

func initOutboxWorker(cfg *config.Config, db *database.DB, redisClient *redis.Client, logger zerolog.Logger) *worker.OutboxWorker {
	if !cfg.TaskSync.Enabled {
		logger.Info().Msg("Task sync is disabled, outbox events will accumulate")
		return nil
	}

	tasks := worker.NewHTTPTaskService(cfg.TaskSync)
	return worker.NewOutboxWorker(db, tasks, redisClient, worker.DefaultRetryPolicy(), logger)
}

// subscribeReservationEvents attaches an audit log consumer to the in-process
// bus. Delivery to the task service goes through the durable outbox instead.
func subscribeReservationEvents(bus *events.EventBus, logger zerolog.Logger) {
	handler := func(ev *events.Event) error {
		var payload events.ReservationEventPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			logger.Error().Err(err).Str("event", ev.Type).Msg("event bus: decode payload")
			return nil
		}
		logger.Info().
			Str("event", ev.Type).
			Int64("reservation_id", payload.ReservationID).
			Str("code", payload.ConfirmationCode).
			Str("account", payload.AccountID).
			Msg("Reservation event")
		return nil
	}

	bus.Subscribe(events.EventReservationCreated, handler)
	bus.Subscribe(events.EventReservationUpdated, handler)
	bus.Subscribe(events.EventReservationCancelled, handler)
}

func startMetricsServer(ctx context.Context, port int, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("Metrics server error")
	}
}
