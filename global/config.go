package global

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// AppConfig carries everything the gateway process needs. Populated
// once from the environment by Load; defaults suit a local single-node
// setup.
type AppConfig struct {
	NodeID   string // gateway node ID, part of presence keys and relay origin
	HTTPAddr string // gin listen address

	RelayBackend string // redis | nats | kafka

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	NatsURL      string
	KafkaBrokers []string

	JWTSecret   string
	PresenceTTL time.Duration // staleness cutoff for presence entries
	SnowNodeID  int64
}

var (
	conf     *AppConfig
	loadOnce sync.Once
)

// Load reads the environment once and returns the process config.
func Load() *AppConfig {
	loadOnce.Do(func() {
		conf = &AppConfig{
			NodeID:        env("NODE_ID", "rt_gw-1"),
			HTTPAddr:      env("HTTP_ADDR", ":8080"),
			RelayBackend:  env("RELAY_BACKEND", "redis"),
			RedisAddr:     env("REDIS_ADDR", "127.0.0.1:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			NatsURL:       env("NATS_URL", "nats://127.0.0.1:4222"),
			KafkaBrokers:  strings.Split(env("KAFKA_BROKERS", "127.0.0.1:9092"), ","),
			JWTSecret:     env("JWT_SECRET", "mN9b1f8zPq+W2xjX/45sKcVd0TfyoG+3Hp5Z8q9Rj1o="),
			PresenceTTL:   envDur("PRESENCE_TTL", 60*time.Second),
			SnowNodeID:    int64(envInt("SNOW_NODE_ID", 100)),
		}
	})
	return conf
}

// Conf returns the loaded config (loads with defaults if Load was never
// called, which only happens in tests).
func Conf() *AppConfig {
	return Load()
}

func GetJwtSecret() []byte {
	return []byte(Conf().JWTSecret)
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
