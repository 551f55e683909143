package config

import "github.com/spf13/viper"

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 15)
	v.SetDefault("server.writeTimeout", 15)
	v.SetDefault("server.embedWorkers", true)

	// Auth
	v.SetDefault("auth.enabled", false) // Default to off for local play
	v.SetDefault("auth.jwtSecret", "default-secret")
	v.SetDefault("auth.tokenQueryParam", "token")
	v.SetDefault("auth.revocationListKey", "jwt:revoked")

	// Redis
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.poolSize", 100)
	v.SetDefault("redis.poolTimeout", 5)

	// Store
	v.SetDefault("store.type", "redis")
	v.SetDefault("store.keyPrefix", "{duel}:")
	v.SetDefault("store.recordTTL", 3600)

	// Broker
	v.SetDefault("broker.type", "redis")
	v.SetDefault("broker.outbound", "duel:outbound")
	v.SetDefault("broker.kafka.brokers", []string{})
	v.SetDefault("broker.kafka.groupID", "duelsync-gateway")

	// WebSocket
	v.SetDefault("websocket.maxConnections", 10000)
	v.SetDefault("websocket.messageSizeLimit", 4096)
	v.SetDefault("websocket.handshakeTimeout", 10)
	v.SetDefault("websocket.pingInterval", 25)
	v.SetDefault("websocket.pongTimeout", 30)
	v.SetDefault("websocket.activityTimeout", 60)
	v.SetDefault("websocket.writeTimeout", 10)
	v.SetDefault("websocket.keepAlive", true)

	// Game
	v.SetDefault("game.startDelay", 3000)
	v.SetDefault("game.opponentWait", 5000)

	// Matchmaking
	v.SetDefault("matchmaking.type", "redis")
	v.SetDefault("matchmaking.keyPrefix", "{duel:mm}:")
	v.SetDefault("matchmaking.pollInterval", 100)

	// Scheduler
	v.SetDefault("scheduler.type", "redis")
	v.SetDefault("scheduler.key", "duel:timers")
	v.SetDefault("scheduler.pollInterval", 100)

	// Metrics
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")
}
