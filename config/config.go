package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "DUELSYNC"

type AppConfig struct {
	Server      ServerConfig
	Redis       RedisConfig
	Store       StoreConfig
	Broker      BrokerConfig
	WebSocket   WebSocketConfig
	Auth        AuthConfig
	Game        GameConfig
	Matchmaking MatchmakingConfig
	Scheduler   SchedulerConfig
	Metrics     MetricsConfig
}

type ServerConfig struct {
	Port         int
	ReadTimeout  int // Seconds
	WriteTimeout int // Seconds
	// EmbedWorkers runs the matchmaking and timer loops inside the gateway.
	EmbedWorkers bool
}

type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	PoolSize    int
	PoolTimeout int // Seconds
}

// StoreConfig selects the session store backend.
type StoreConfig struct {
	Type      string // redis | memory
	KeyPrefix string
	RecordTTL int // Seconds, 0 disables expiry
}

// BrokerConfig selects the transport that carries relay messages to the
// gateway holding each connection.
type BrokerConfig struct {
	Type     string // redis | kafka
	Outbound string
	Kafka    KafkaConfig
}

type KafkaConfig struct {
	Brokers []string
	// GroupID is a prefix; every instance appends its server id so that
	// each gateway sees every outbound message.
	GroupID string
}

type WebSocketConfig struct {
	MaxConnections   int
	MessageSizeLimit int
	HandshakeTimeout int // Seconds
	PingInterval     int // Seconds
	PongTimeout      int // Seconds
	ActivityTimeout  int // Seconds
	WriteTimeout     int // Seconds
	KeepAlive        bool
}

type AuthConfig struct {
	Enabled           bool
	JWTSecret         string
	TokenQueryParam   string
	RevocationListKey string
}

type GameConfig struct {
	StartDelay   int // Milliseconds
	OpponentWait int // Milliseconds
}

type MatchmakingConfig struct {
	Type         string // redis | memory
	KeyPrefix    string
	PollInterval int // Milliseconds
}

type SchedulerConfig struct {
	Type         string // redis | memory
	Key          string
	PollInterval int // Milliseconds
}

type MetricsConfig struct {
	Enabled bool
	Port    int
	Path    string
}

func (g GameConfig) StartDelayDuration() time.Duration {
	return time.Duration(g.StartDelay) * time.Millisecond
}

func (g GameConfig) OpponentWaitDuration() time.Duration {
	return time.Duration(g.OpponentWait) * time.Millisecond
}

// Addrs returns the configured node addresses. More than one selects
// Redis Cluster.
func (r RedisConfig) Addrs() []string {
	var addrs []string
	for _, a := range strings.Split(r.Address, ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	return addrs
}

// Cluster reports whether the address names several cluster nodes.
func (r RedisConfig) Cluster() bool {
	return len(r.Addrs()) > 1
}

// HashTag returns the Redis Cluster hash tag of key: the text between the
// first '{' and the next '}'. Keys sharing a tag share a slot.
func HashTag(key string) string {
	start := strings.IndexByte(key, '{')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(key[start+1:], '}')
	if end <= 0 {
		return ""
	}
	return key[start+1 : start+1+end]
}

func (s StoreConfig) TTL() time.Duration {
	return time.Duration(s.RecordTTL) * time.Second
}

var (
	instance *AppConfig
	once     sync.Once
)

// New returns a viper instance with defaults and environment bindings.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindEnvVars(v)
	return v
}

// Load builds and validates a config from v.
func Load(v *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Initialize loads config.<env>.yaml into the process-wide config. A
// missing file is fine; defaults and environment still apply.
func Initialize(env string) error {
	var initErr error
	once.Do(func() {
		v := New()
		v.SetConfigName(fmt.Sprintf("config.%s", env))
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				initErr = fmt.Errorf("config file error: %w", err)
				return
			}
		}

		instance, initErr = Load(v)
	})
	return initErr
}

func Get() *AppConfig {
	return instance
}
