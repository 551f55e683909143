package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// updateScript applies a conditional hash update.
//
// ARGV: return mode, ttl ms, then four counted groups:
// absent fields, set pairs, add pairs, removed fields.
var updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return false end
local i = 3
local n = tonumber(ARGV[i]); i = i + 1
for _ = 1, n do
  if redis.call('HEXISTS', KEYS[1], ARGV[i]) == 1 then return false end
  i = i + 1
end
local old = nil
if ARGV[1] == 'old' then old = redis.call('HGETALL', KEYS[1]) end
n = tonumber(ARGV[i]); i = i + 1
for _ = 1, n do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1]); i = i + 2
end
n = tonumber(ARGV[i]); i = i + 1
for _ = 1, n do
  redis.call('HINCRBY', KEYS[1], ARGV[i], ARGV[i + 1]); i = i + 2
end
n = tonumber(ARGV[i]); i = i + 1
for _ = 1, n do
  redis.call('HDEL', KEYS[1], ARGV[i]); i = i + 1
end
local ttl = tonumber(ARGV[2])
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl) end
if old then return old end
return redis.call('HGETALL', KEYS[1])
`)

// putIfExistsScript replaces a hash only when it already exists.
// ARGV: ttl ms, then field/value pairs.
var putIfExistsScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return false end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
local ttl = tonumber(ARGV[1])
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl) end
return 1
`)

// ticketScript sets the ticket of an existing, unclaimed connection.
// ARGV: ttl ms, ticket id.
var ticketScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return false end
if redis.call('HEXISTS', KEYS[1], 'sessionId') == 1 then return false end
redis.call('HSET', KEYS[1], 'ticketId', ARGV[2])
local ttl = tonumber(ARGV[1])
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl) end
return 1
`)

// touchScript refreshes a connection and the session it points at.
// ARGV: ttl ms, session key prefix.
var touchScript = redis.NewScript(`
local sid = redis.call('HGET', KEYS[1], 'sessionId')
redis.call('PEXPIRE', KEYS[1], ARGV[1])
if sid then redis.call('PEXPIRE', ARGV[2] .. sid, ARGV[1]) end
return 1
`)

// RedisStore implements the Store interface using Redis hashes. Each
// operation is a single script or MULTI block, so it is atomic per key.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a new RedisStore. A zero ttl disables expiry.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *RedisStore) sessionKey(id string) string {
	return s.sessionPrefix() + id
}

func (s *RedisStore) sessionPrefix() string {
	return s.prefix + "session:"
}

func (s *RedisStore) connectionKey(id string) string {
	return s.prefix + "conn:" + id
}

func (s *RedisStore) ttlMillis() string {
	return strconv.FormatInt(s.ttl.Milliseconds(), 10)
}

// GetSession retrieves a session from Redis.
func (s *RedisStore) GetSession(ctx context.Context, id string) (*Session, error) {
	f, err := s.client.HGetAll(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	if len(f) == 0 {
		return nil, ErrNotFound
	}
	return DecodeSession(f)
}

// PutSession replaces the session hash.
func (s *RedisStore) PutSession(ctx context.Context, sess *Session) error {
	return s.replace(ctx, s.sessionKey(sess.ID), sess.Fields())
}

// DeleteSession removes a session from Redis.
func (s *RedisStore) DeleteSession(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// UpdateSession runs the conditional update script.
func (s *RedisStore) UpdateSession(ctx context.Context, id string, u Update) (*Session, error) {
	mode := "new"
	if u.Return == ReturnOld {
		mode = "old"
	}
	args := []interface{}{mode, s.ttlMillis(), len(u.IfAbsent)}
	for _, name := range u.IfAbsent {
		args = append(args, name)
	}
	args = append(args, len(u.Set))
	args = append(args, u.Set.pairs()...)
	args = append(args, len(u.Add))
	for name, delta := range u.Add {
		args = append(args, name, delta)
	}
	args = append(args, len(u.Remove))
	for _, name := range u.Remove {
		args = append(args, name)
	}

	res, err := updateScript.Run(ctx, s.client, []string{s.sessionKey(id)}, args...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrConditionFailed
		}
		return nil, fmt.Errorf("update session %s: %w", id, err)
	}
	f, err := replyFields(res)
	if err != nil {
		return nil, fmt.Errorf("update session %s: %w", id, err)
	}
	return DecodeSession(f)
}

// GetConnection retrieves a connection record from Redis.
func (s *RedisStore) GetConnection(ctx context.Context, id string) (*Connection, error) {
	f, err := s.client.HGetAll(ctx, s.connectionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get connection %s: %w", id, err)
	}
	if len(f) == 0 {
		return nil, ErrNotFound
	}
	return DecodeConnection(f), nil
}

// PutConnection replaces the connection hash.
func (s *RedisStore) PutConnection(ctx context.Context, c *Connection) error {
	return s.replace(ctx, s.connectionKey(c.ID), c.Fields())
}

// PutConnectionIfExists replaces the connection hash only if it exists.
func (s *RedisStore) PutConnectionIfExists(ctx context.Context, c *Connection) error {
	args := append([]interface{}{s.ttlMillis()}, c.Fields().pairs()...)
	err := putIfExistsScript.Run(ctx, s.client, []string{s.connectionKey(c.ID)}, args...).Err()
	if errors.Is(err, redis.Nil) {
		return ErrConditionFailed
	}
	if err != nil {
		return fmt.Errorf("put connection %s: %w", c.ID, err)
	}
	return nil
}

// SetConnectionTicket attaches a ticket to an unclaimed connection.
func (s *RedisStore) SetConnectionTicket(ctx context.Context, id, ticketID string) error {
	err := ticketScript.Run(ctx, s.client, []string{s.connectionKey(id)}, s.ttlMillis(), ticketID).Err()
	if errors.Is(err, redis.Nil) {
		return ErrConditionFailed
	}
	if err != nil {
		return fmt.Errorf("set ticket on connection %s: %w", id, err)
	}
	return nil
}

// DeleteConnection removes the connection hash and returns what it held.
func (s *RedisStore) DeleteConnection(ctx context.Context, id string) (*Connection, error) {
	key := s.connectionKey(id)
	var get *redis.StringStringMapCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.HGetAll(ctx, key)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("delete connection %s: %w", id, err)
	}
	f := get.Val()
	if len(f) == 0 {
		return nil, nil
	}
	return DecodeConnection(f), nil
}

// TouchConnection updates the expiration time of the connection and its
// session keys. If the keys don't exist, it's a no-op.
func (s *RedisStore) TouchConnection(ctx context.Context, id string) error {
	if s.ttl <= 0 {
		return nil
	}
	err := touchScript.Run(ctx, s.client, []string{s.connectionKey(id)}, s.ttlMillis(), s.sessionPrefix()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("touch connection %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) replace(ctx context.Context, key string, f Fields) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, f.pairs()...)
		if s.ttl > 0 {
			pipe.PExpire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// replyFields converts a flat HGETALL script reply into Fields.
func replyFields(res interface{}) (Fields, error) {
	items, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected reply type %T", res)
	}
	if len(items)%2 != 0 {
		return nil, fmt.Errorf("odd reply length %d", len(items))
	}
	f := make(Fields, len(items)/2)
	for i := 0; i < len(items); i += 2 {
		k, _ := items[i].(string)
		v, _ := items[i+1].(string)
		f[k] = v
	}
	return f, nil
}
