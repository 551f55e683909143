package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

func (c *AppConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}
	// Validate auth config
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "default-secret" {
			return errors.New("auth.jwtSecret must be set to a strong secret when auth is enabled")
		}
		if c.Auth.TokenQueryParam == "" {
			return errors.New("auth.tokenQueryParam must be configured when auth is enabled")
		}
	}

	needsRedis := false
	for name, backend := range map[string]string{
		"store":       c.Store.Type,
		"matchmaking": c.Matchmaking.Type,
		"scheduler":   c.Scheduler.Type,
	} {
		switch strings.ToLower(backend) {
		case "redis":
			needsRedis = true
		case "memory":
		default:
			return fmt.Errorf("invalid %s type: %s. Must be 'redis' or 'memory'", name, backend)
		}
	}

	// Validate broker configuration
	if c.Broker.Outbound == "" {
		return errors.New("broker outbound channel must be configured")
	}
	switch strings.ToLower(c.Broker.Type) {
	case "redis":
		needsRedis = true
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return errors.New("kafka brokers must be specified for kafka broker")
		}
		if c.Broker.Kafka.GroupID == "" {
			return errors.New("kafka groupID must be specified for kafka broker")
		}
	default:
		return fmt.Errorf("invalid broker type: %s. Must be 'redis' or 'kafka'", c.Broker.Type)
	}
	if needsRedis && c.Redis.Address == "" {
		return errors.New("redis address must be specified")
	}
	// Store and matchmaking scripts touch several keys; in a cluster they
	// must all hash to one slot.
	if needsRedis && c.Redis.Cluster() {
		if strings.EqualFold(c.Store.Type, "redis") && HashTag(c.Store.KeyPrefix) == "" {
			return fmt.Errorf("store.keyPrefix %q needs a {hash tag} in cluster mode", c.Store.KeyPrefix)
		}
		if strings.EqualFold(c.Matchmaking.Type, "redis") && HashTag(c.Matchmaking.KeyPrefix) == "" {
			return fmt.Errorf("matchmaking.keyPrefix %q needs a {hash tag} in cluster mode", c.Matchmaking.KeyPrefix)
		}
	}

	if c.Game.StartDelay <= 0 || c.Game.OpponentWait <= 0 {
		return errors.New("game start delay and opponent wait must be positive")
	}
	if c.Matchmaking.PollInterval <= 0 || c.Scheduler.PollInterval <= 0 {
		return errors.New("poll intervals must be positive")
	}

	if c.WebSocket.MaxConnections < 1 {
		return errors.New("max connections must be positive")
	}

	if c.WebSocket.HandshakeTimeout < 1 {
		return errors.New("handshake timeout must be at least 1 second")
	}

	if c.WebSocket.PingInterval >= c.WebSocket.ActivityTimeout {
		return errors.New("ping interval should be less than activity timeout")
	}

	if c.Store.RecordTTL < 0 {
		return errors.New("record TTL must not be negative")
	}
	if c.Store.RecordTTL > 0 && c.Store.RecordTTL <= c.WebSocket.ActivityTimeout {
		return errors.New("record TTL should be greater than activity timeout")
	}

	return nil
}

func bindEnvVars(v *viper.Viper) {
	// Server
	v.BindEnv("server.port", "DUELSYNC_PORT")
	v.BindEnv("server.embedWorkers", "DUELSYNC_EMBED_WORKERS")

	// Auth
	v.BindEnv("auth.enabled", "DUELSYNC_AUTH_ENABLED")
	v.BindEnv("auth.jwtSecret", "DUELSYNC_AUTH_JWT_SECRET")
	v.BindEnv("auth.tokenQueryParam", "DUELSYNC_AUTH_TOKEN_PARAM")
	v.BindEnv("auth.revocationListKey", "DUELSYNC_AUTH_REVOCATION_KEY")

	// Redis
	v.BindEnv("redis.address", "DUELSYNC_REDIS_ADDRESS")
	v.BindEnv("redis.password", "DUELSYNC_REDIS_PASSWORD")

	// Backends
	v.BindEnv("store.type", "DUELSYNC_STORE_TYPE")
	v.BindEnv("matchmaking.type", "DUELSYNC_MATCHMAKING_TYPE")
	v.BindEnv("scheduler.type", "DUELSYNC_SCHEDULER_TYPE")

	// Broker
	v.BindEnv("broker.type", "DUELSYNC_BROKER_TYPE")
	v.BindEnv("broker.outbound", "DUELSYNC_OUTBOUND_CHANNEL")
	v.BindEnv("broker.kafka.brokers", "DUELSYNC_KAFKA_BROKERS")
	v.BindEnv("broker.kafka.groupID", "DUELSYNC_KAFKA_GROUPID")

	// WebSocket
	v.BindEnv("websocket.maxConnections", "DUELSYNC_MAX_CONNECTIONS")
	v.BindEnv("websocket.handshakeTimeout", "DUELSYNC_HANDSHAKE_TIMEOUT")
	v.BindEnv("websocket.pingInterval", "DUELSYNC_PING_INTERVAL")
	v.BindEnv("websocket.pongTimeout", "DUELSYNC_PONG_TIMEOUT")
	v.BindEnv("websocket.activityTimeout", "DUELSYNC_ACTIVITY_TIMEOUT")
	v.BindEnv("websocket.writeTimeout", "DUELSYNC_WRITE_TIMEOUT")
}
