// Command backend runs the matchmaking and timer loops without a websocket
// gateway. Gateways started with server.embedWorkers=false rely on it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/duelsync/config"
	"github.com/abdelmounim-dev/duelsync/services"
)

// requireShared rejects in-process backends; a separate worker cannot see
// the gateways' memory.
func requireShared(cfg *config.AppConfig) error {
	for name, t := range map[string]string{
		"store":       cfg.Store.Type,
		"matchmaking": cfg.Matchmaking.Type,
		"scheduler":   cfg.Scheduler.Type,
	} {
		if strings.EqualFold(t, "memory") {
			return fmt.Errorf("%s type %q cannot be shared with gateways", name, t)
		}
	}
	return nil
}

func main() {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}
	logger, err := zap.NewProduction()
	if env == "dev" {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := config.Initialize(env); err != nil {
		logger.Fatal("failed to initialize config", zap.Error(err))
	}
	cfg := config.Get()
	if err := requireShared(cfg); err != nil {
		logger.Fatal("invalid worker configuration", zap.Error(err))
	}

	workerID := "worker-" + uuid.New().String()
	logger = logger.With(zap.String("server_id", workerID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := services.Build(ctx, cfg, workerID, logger)
	if err != nil {
		logger.Fatal("failed to build game core", zap.Error(err))
	}

	logger.Info("workers started")
	if err := stack.RunWorkers(ctx); err != nil {
		logger.Error("workers stopped with error", zap.Error(err))
	}
	if err := stack.Close(); err != nil {
		logger.Error("failed to close backends", zap.Error(err))
	}
	logger.Info("workers stopped")
}
