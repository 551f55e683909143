package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/duelsync/metrics"
)

// popPairScript pops two live tickets from the queue head. Tickets whose
// hash is gone are skipped. A lone ticket is pushed back to the head.
// KEYS[1] queue, ARGV[1] ticket key prefix. Returns {t1, p1, t2, p2}.
var popPairScript = redis.NewScript(`
local picked = {}
while #picked < 4 do
  local t = redis.call('LPOP', KEYS[1])
  if not t then break end
  local p = redis.call('HGET', ARGV[1] .. t, 'playerId')
  if p then
    table.insert(picked, t)
    table.insert(picked, p)
  end
end
if #picked < 4 then
  if #picked == 2 then redis.call('LPUSH', KEYS[1], picked[1]) end
  return false
end
redis.call('DEL', ARGV[1] .. picked[1], ARGV[1] .. picked[3])
return picked
`)

// RedisService is a FIFO matchmaker shared by every instance through
// Redis. Pairs are popped atomically, so each match is delivered by
// exactly one instance.
type RedisService struct {
	client       redis.UniversalClient
	prefix       string
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewRedisService creates a matchmaker storing its queue under prefix.
func NewRedisService(client redis.UniversalClient, prefix string, pollInterval time.Duration, logger *zap.Logger) *RedisService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisService{
		client:       client,
		prefix:       prefix,
		pollInterval: pollInterval,
		logger:       logger.Named("matchmaking"),
	}
}

func (s *RedisService) queueKey() string {
	return s.prefix + "queue"
}

func (s *RedisService) ticketPrefix() string {
	return s.prefix + "ticket:"
}

// RequestMatch stores the ticket and appends it to the queue.
func (s *RedisService) RequestMatch(ctx context.Context, playerID string) (string, error) {
	ticketID := uuid.New().String()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.ticketPrefix()+ticketID, "playerId", playerID, "createdAt", time.Now().UnixMilli())
		pipe.RPush(ctx, s.queueKey(), ticketID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("request match for %s: %w", playerID, err)
	}
	metrics.MatchmakingTickets.Inc()
	return ticketID, nil
}

// Cancel removes the ticket from the queue.
func (s *RedisService) Cancel(ctx context.Context, ticketID string) error {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, s.queueKey(), 0, ticketID)
		del = pipe.Del(ctx, s.ticketPrefix()+ticketID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cancel ticket %s: %w", ticketID, err)
	}
	if del.Val() == 0 {
		return ErrUnknownTicket
	}
	return nil
}

// Run polls the queue and hands every pair to handle.
func (s *RedisService) Run(ctx context.Context, handle MatchHandler) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		for {
			n, err := s.popPair(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Warn("matchmaking poll failed", zap.Error(err))
				break
			}
			if n == nil {
				break
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				handle(ctx, *n)
			}()
		}
	}
}

// popPair returns the next match, or nil when fewer than two tickets wait.
func (s *RedisService) popPair(ctx context.Context) (*Notification, error) {
	res, err := popPairScript.Run(ctx, s.client, []string{s.queueKey()}, s.ticketPrefix()).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("unexpected pop reply of length %d", len(res))
	}
	return &Notification{
		Type:      TypeSucceeded,
		TicketIDs: []string{res[0], res[2]},
		Players:   []string{res[1], res[3]},
	}, nil
}
