// Package services assembles the game core and its backends from config.
package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-redis/redis/v8"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/abdelmounim-dev/duelsync/broker"
	"github.com/abdelmounim-dev/duelsync/config"
	"github.com/abdelmounim-dev/duelsync/game"
	"github.com/abdelmounim-dev/duelsync/matchmaking"
	"github.com/abdelmounim-dev/duelsync/relay"
	"github.com/abdelmounim-dev/duelsync/scheduler"
	"github.com/abdelmounim-dev/duelsync/session"
)

// Stack is a fully wired game core.
type Stack struct {
	ServerID string
	Redis    redis.UniversalClient // nil when no backend uses Redis

	Store      session.Store
	Broker     broker.MessageBroker
	Relay      *relay.BrokerRelay
	Matchmaker matchmaking.Service
	Scheduler  scheduler.Scheduler

	Coordinator *game.Coordinator
	Machine     *game.Machine
	Lifecycle   *game.Lifecycle
	Router      *game.Router

	logger *zap.Logger
}

func usesRedis(cfg *config.AppConfig) bool {
	for _, t := range []string{cfg.Store.Type, cfg.Matchmaking.Type, cfg.Scheduler.Type, cfg.Broker.Type} {
		if strings.EqualFold(t, "redis") {
			return true
		}
	}
	return false
}

// Build creates every backend named in cfg and wires the game core on top.
func Build(ctx context.Context, cfg *config.AppConfig, serverID string, logger *zap.Logger) (*Stack, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Stack{ServerID: serverID, logger: logger}

	if usesRedis(cfg) {
		client, err := NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		s.Redis = client
	}

	if err := s.buildBackends(cfg); err != nil {
		s.Close()
		return nil, err
	}

	s.Relay = relay.NewBrokerRelay(s.Broker, cfg.Broker.Outbound, serverID, logger)
	timings := game.Timings{
		StartDelay:   cfg.Game.StartDelayDuration(),
		OpponentWait: cfg.Game.OpponentWaitDuration(),
	}
	s.Coordinator = game.NewCoordinator(s.Store, s.Relay, logger)
	s.Machine = game.NewMachine(s.Store, s.Relay, s.Scheduler, timings, logger)
	s.Lifecycle = game.NewLifecycle(s.Store, s.Matchmaker, s.Coordinator, logger)
	s.Router = game.NewRouter(s.Machine, logger)
	return s, nil
}

func (s *Stack) buildBackends(cfg *config.AppConfig) error {
	switch strings.ToLower(cfg.Store.Type) {
	case "redis":
		s.Store = session.NewRedisStore(s.Redis, cfg.Store.KeyPrefix, cfg.Store.TTL())
	case "memory":
		s.Store = session.NewMemoryStore()
	default:
		return fmt.Errorf("invalid store type: %s", cfg.Store.Type)
	}

	switch strings.ToLower(cfg.Matchmaking.Type) {
	case "redis":
		poll := time.Duration(cfg.Matchmaking.PollInterval) * time.Millisecond
		s.Matchmaker = matchmaking.NewRedisService(s.Redis, cfg.Matchmaking.KeyPrefix, poll, s.logger)
	case "memory":
		s.Matchmaker = matchmaking.NewMemoryService()
	default:
		return fmt.Errorf("invalid matchmaking type: %s", cfg.Matchmaking.Type)
	}

	switch strings.ToLower(cfg.Scheduler.Type) {
	case "redis":
		poll := time.Duration(cfg.Scheduler.PollInterval) * time.Millisecond
		s.Scheduler = scheduler.NewRedisScheduler(s.Redis, cfg.Scheduler.Key, poll, clock.New(), s.logger)
	case "memory":
		s.Scheduler = scheduler.NewMemoryScheduler(clock.New())
	default:
		return fmt.Errorf("invalid scheduler type: %s", cfg.Scheduler.Type)
	}

	s.logger.Info("initializing message broker", zap.String("type", cfg.Broker.Type))
	switch strings.ToLower(cfg.Broker.Type) {
	case "redis":
		s.Broker = broker.NewRedisBroker(s.Redis, s.logger)
	case "kafka":
		// Every instance needs its own group to see every relay message.
		groupID := cfg.Broker.Kafka.GroupID + "-" + s.ServerID
		b, err := broker.NewKafkaBroker(cfg.Broker.Kafka.Brokers, groupID, s.logger)
		if err != nil {
			return fmt.Errorf("create kafka broker: %w", err)
		}
		s.Broker = b
	default:
		return fmt.Errorf("invalid broker type: %s", cfg.Broker.Type)
	}
	return nil
}

// RunWorkers runs the matchmaking and timer loops until ctx is done.
func (s *Stack) RunWorkers(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Matchmaker.Run(ctx, s.Lifecycle.MatchHandler())
	})
	g.Go(func() error {
		return s.Scheduler.Run(ctx, s.Machine.OnTimer)
	})
	return g.Wait()
}

// Health checks the shared Redis connection, if any.
func (s *Stack) Health(ctx context.Context) error {
	if s.Redis == nil {
		return nil
	}
	return s.Redis.Ping(ctx).Err()
}

// Close waits for in-flight relay sends and releases every connection.
func (s *Stack) Close() error {
	if s.Relay != nil {
		s.Relay.Wait()
	}
	var err error
	if s.Broker != nil {
		err = multierr.Append(err, s.Broker.Close())
	}
	return multierr.Append(err, CloseRedisClient(s.Redis))
}
