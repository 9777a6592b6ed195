package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gomr/coordinator/internal/coordinator/api/rest"
	"github.com/gomr/coordinator/internal/coordinator/core"
	"github.com/gomr/coordinator/internal/coordinator/service"
	"github.com/gomr/coordinator/internal/coordinator/storage"
	"github.com/gomr/coordinator/internal/shared/config"
	"github.com/gomr/coordinator/internal/shared/logging"

	_ "github.com/gomr/coordinator/examples/grep"
	_ "github.com/gomr/coordinator/examples/wordcount"
)

func main() {
	configPath := flag.String("config", "", "path to coordinator.yaml")
	flag.Parse()

	cfg, err := config.LoadCoordinator(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	level, err := parseLevel(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("parsing logging level: %v", err)
	}
	logger := logging.NewSlogLogger(level)

	registry := service.NewJobRegistry(storage.NewJobRecordStore(), logger, service.Config{
		SubmitWorkers:        cfg.Policy.SubmitWorkers,
		SubmitTimeout:        cfg.Policy.SubmitTimeout,
		SubmitMaxAttempts:    cfg.Policy.SubmitMaxAttempts,
		SubmitRetryBaseDelay: cfg.Policy.SubmitRetryBaseDelay,
		MapTimeout:           cfg.Policy.MapTimeout,
		ReduceTimeout:        cfg.Policy.ReduceTimeout,
		TimeoutCheckInterval: cfg.Policy.TimeoutCheckInterval,
		MailboxSize:          cfg.Policy.MailboxSize,
		Policy: core.Policy{
			Backoff: core.BackoffPolicy{
				MaxFailureRate: cfg.Policy.MaxFailureRate,
				MinPause:       cfg.Policy.FailedMinPause,
				MaxPause:       cfg.Policy.FailedMaxPause,
				Randomize:      cfg.Policy.FailedPauseRandomize,
			},
			InputFailureCap: cfg.Policy.InputFailureCap,
		},
	})

	server := rest.NewServer(cfg.REST.Addr, registry, logger)

	go func() {
		logger.Info("Starting coordinator API server", "addr", cfg.REST.Addr)
		if err := server.ListenAndServe(); err != nil && err.Error() != "http: Server closed" {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("server forced to shutdown: %v", err)
	}

	logger.Info("Server stopped")
}

func parseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if level == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return 0, err
	}
	return l, nil
}
