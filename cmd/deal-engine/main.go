// cmd/deal-engine/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"deal-engine/internal/api"
	"deal-engine/internal/common/config"
	"deal-engine/internal/common/database"
	"deal-engine/internal/common/logger"
	"deal-engine/internal/common/observability"
	"deal-engine/internal/negotiation"
	"deal-engine/internal/notify"
	"deal-engine/internal/registry"
	"deal-engine/internal/settlement"
	"deal-engine/internal/shortlist"
	"deal-engine/internal/sweep"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2 // Exponential backoff
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting deal engine...",
		zap.String("environment", cfg.App.Environment),
		zap.String("version", cfg.App.Version),
	)

	obs := observability.New(cfg.App.Name)
	defer obs.Shutdown()

	ctx := context.Background()

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Redis with retry ---
	var rdb *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		rdb, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		return rdb.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "Redis connection")
	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer rdb.Close()
	zapLog.Info("Redis connected successfully")

	db := pg.GetDB()

	// --- Notification collaborator ---
	var notifier notify.Notifier = notify.Noop{}
	if cfg.Notifications.Email.Enabled || cfg.Notifications.SMS.Enabled {
		emailNotifier, err := notify.NewEmailNotifier(cfg.Notifications, db, log)
		if err != nil {
			// Notifications are best-effort; the engine still runs without
			// them.
			zapLog.Warn("notifier init failed, notifications disabled", zap.Error(err))
		} else {
			notifier = emailNotifier
		}
	}

	// --- Domain services ---
	carRepo := registry.NewRepo(db)
	listRepo := shortlist.NewRepo(db)
	offerRepo := negotiation.NewRepo(db)
	dealRepo := settlement.NewRepo(db)

	listSvc := shortlist.NewService(db, listRepo, carRepo, notifier, log)
	offerSvc := negotiation.NewService(db, offerRepo, listRepo, carRepo, notifier, log)
	dealSvc := settlement.NewService(db, dealRepo, carRepo, listRepo, offerRepo, notifier, log)
	sweeper := sweep.New(db, rdb, carRepo, dealRepo, listRepo, cfg.Sweep, log)

	server := api.NewServer(api.Options{
		Shortlist:   listSvc,
		Negotiation: offerSvc,
		Settlement:  dealSvc,
		Cars:        carRepo,
		Sweeper:     sweeper,
		CronSecret:  cfg.Sweep.CronSecret,
		Logger:      log,
		Obs:         obs,
		HealthCheck: func(ctx context.Context) error {
			if err := pg.Ping(ctx); err != nil {
				return err
			}
			return rdb.Ping(ctx)
		},
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.Routes(),
		ReadTimeout:  config.GetDuration(cfg.Server.ReadTimeout),
		WriteTimeout: config.GetDuration(cfg.Server.WriteTimeout),
	}

	// pprof registers on the default mux; serve it on a side port.
	go func() {
		zapLog.Info("Debug server listening on :6060")
		if err := http.ListenAndServe(":6060", nil); err != nil {
			zapLog.Error("debug server failed", zap.Error(err))
		}
	}()

	go func() {
		zapLog.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLog.Fatal("http server failed", zap.Error(err))
		}
	}()

	// --- Wait for shutdown signal ---
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	zapLog.Info("Shutdown signal received", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GetDuration(cfg.Server.ShutdownTimeout))
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("graceful shutdown failed", zap.Error(err))
	}
	zapLog.Info("Deal engine stopped")
}
