// Command rendezvous runs the realtime coordinator.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"rendezvous/internal/app"
	"rendezvous/internal/config"
	"rendezvous/internal/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: .env file could not be loaded: %v", err)
	}

	cfg, err := config.Load(os.Getenv("RENDEZVOUS_CONFIG_FILE"))
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	application, err := app.NewApplication(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	var runErr error
	select {
	case err, ok := <-application.Errors():
		if ok {
			runErr = fmt.Errorf("http server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	}

	// The hub's context is the signal context, so shut down on a fresh one.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}
