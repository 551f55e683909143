package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const pollBatch = 100

type entry struct {
	ID      string  `json:"id"`
	Payload Payload `json:"payload"`
}

// RedisScheduler keeps timers in a sorted set scored by due time, so they
// survive restarts. Any instance may fire a timer; ZREM decides which one.
type RedisScheduler struct {
	client       redis.UniversalClient
	key          string
	pollInterval time.Duration
	clock        clock.Clock
	logger       *zap.Logger
}

// NewRedisScheduler creates a scheduler storing timers under key.
func NewRedisScheduler(client redis.UniversalClient, key string, pollInterval time.Duration, clk clock.Clock, logger *zap.Logger) *RedisScheduler {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisScheduler{
		client:       client,
		key:          key,
		pollInterval: pollInterval,
		clock:        clk,
		logger:       logger.Named("scheduler"),
	}
}

// Schedule adds a timer due after delay.
func (s *RedisScheduler) Schedule(ctx context.Context, p Payload, delay time.Duration) (string, error) {
	e := entry{ID: uuid.New().String(), Payload: p}
	member, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode timer: %w", err)
	}
	due := s.clock.Now().Add(delay).UnixMilli()
	if err := s.client.ZAdd(ctx, s.key, &redis.Z{Score: float64(due), Member: string(member)}).Err(); err != nil {
		return "", fmt.Errorf("schedule timer for %s: %w", p.SessionID, err)
	}
	return e.ID, nil
}

// Run polls for due timers until ctx is done.
func (s *RedisScheduler) Run(ctx context.Context, fire Callback) error {
	ticker := s.clock.Ticker(s.pollInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := s.poll(ctx, &wg, fire); err != nil && ctx.Err() == nil {
			s.logger.Warn("timer poll failed", zap.Error(err))
		}
	}
}

// poll claims due timers and fires the ones this instance won.
func (s *RedisScheduler) poll(ctx context.Context, wg *sync.WaitGroup, fire Callback) (int, error) {
	now := strconv.FormatInt(s.clock.Now().UnixMilli(), 10)
	members, err := s.client.ZRangeByScore(ctx, s.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: pollBatch,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("read due timers: %w", err)
	}

	fired := 0
	for _, member := range members {
		removed, err := s.client.ZRem(ctx, s.key, member).Result()
		if err != nil {
			return fired, fmt.Errorf("claim timer: %w", err)
		}
		if removed == 0 {
			continue // another instance claimed it
		}
		var e entry
		if err := json.Unmarshal([]byte(member), &e); err != nil {
			s.logger.Error("dropping undecodable timer", zap.String("member", member), zap.Error(err))
			continue
		}
		fired++
		wg.Add(1)
		go func() {
			defer wg.Done()
			fire(ctx, e.Payload)
		}()
	}
	return fired, nil
}
