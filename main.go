package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/abdelmounim-dev/duelsync/config"
	"github.com/abdelmounim-dev/duelsync/metrics"
	"github.com/abdelmounim-dev/duelsync/server"
	"github.com/abdelmounim-dev/duelsync/services"
	"github.com/abdelmounim-dev/duelsync/websocket"
)

const shutdownTimeout = 30 * time.Second

func newLogger(env string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if env == "dev" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return logger
}

func main() {
	// Initialize config
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}
	logger := newLogger(env)
	defer logger.Sync()

	if err := config.Initialize(env); err != nil {
		logger.Fatal("failed to initialize config", zap.Error(err))
	}
	cfg := config.Get()

	// Generate a unique ID for this server instance
	serverID := uuid.New().String()
	logger = logger.With(zap.String("server_id", serverID))
	logger.Info("starting gateway")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := services.Build(ctx, cfg, serverID, logger)
	if err != nil {
		logger.Fatal("failed to build game core", zap.Error(err))
	}
	defer func() {
		if err := stack.Close(); err != nil {
			logger.Error("failed to close backends", zap.Error(err))
		}
	}()

	// Auth Initialization
	var jwtValidator *websocket.JWTValidator
	if cfg.Auth.Enabled {
		jwtValidator = websocket.NewJWTValidator(&cfg.Auth, stack.Redis, logger)
		logger.Info("JWT authentication is enabled")
	} else {
		logger.Info("JWT authentication is disabled")
	}

	clientManager := websocket.NewClientManager(stack.Lifecycle, serverID, logger)
	handler := websocket.NewHandler(clientManager, stack.Router, stack.Broker, cfg.Broker.Outbound,
		jwtValidator, &cfg.Auth, &cfg.WebSocket, logger)

	addr := ":" + strconv.Itoa(cfg.Server.Port)
	srv := server.NewServer(addr, handler.HandleWebSocket, stack.Health,
		time.Duration(cfg.Server.ReadTimeout)*time.Second,
		time.Duration(cfg.Server.WriteTimeout)*time.Second,
		logger)

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path, logger)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return handler.ListenForResponses(gctx)
	})
	if cfg.Server.EmbedWorkers {
		g.Go(func() error {
			return stack.RunWorkers(gctx)
		})
	}
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		// Graceful shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if metricsSrv != nil {
			metricsSrv.Shutdown(shutdownCtx)
		}
		return srv.Shutdown(shutdownCtx, clientManager)
	})

	if err := g.Wait(); err != nil {
		logger.Error("gateway stopped with error", zap.Error(err))
	}
	logger.Info("gateway stopped")
}
