package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	LogStoreCassandra = "cassandra"
	LogStoreMemory    = "memory"
)

type Config struct {
	ServerAddr     string
	Env            string
	DatabaseDSN    string
	JWTSecret      []byte
	AllowedOrigins []string

	LogStore          string
	CassandraHosts    []string
	CassandraKeyspace string
	CassandraDC       string

	RedisAddr     string
	RedisPassword string
	CacheLimit    int
	CacheTTL      time.Duration

	OpenSearchNodes []string
	OpenSearchIndex string

	StoreTimeout   time.Duration
	HealthInterval time.Duration
	TypingTTL      time.Duration
}

// Defaults holds the raw flag values before validation. Load fills it from
// the environment so flags only need to override what differs.
type Defaults struct {
	Addr              string
	Env               string
	DSN               string
	JWTSecret         string
	AllowedOrigins    string
	LogStore          string
	CassandraHosts    string
	CassandraKeyspace string
	CassandraDC       string
	RedisAddr         string
	RedisPassword     string
	CacheLimit        int
	CacheTTL          time.Duration
	OpenSearchNode    string
	OpenSearchIndex   string
	StoreTimeout      time.Duration
	HealthInterval    time.Duration
	TypingTTL         time.Duration
}

// Load reads defaults from the environment, loading a .env file first when
// one is present.
func Load() Defaults {
	_ = godotenv.Load()

	return Defaults{
		Addr:              getEnv("ADDR", ":8000"),
		Env:               getEnv("ENV", "development"),
		DSN:               getEnv("DATABASE_URL", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		AllowedOrigins:    os.Getenv("ALLOWED_ORIGINS"),
		LogStore:          getEnv("LOG_STORE", LogStoreCassandra),
		CassandraHosts:    getEnv("CASSANDRA_CONTACT_POINTS", "localhost"),
		CassandraKeyspace: getEnv("CASSANDRA_KEYSPACE", "slack_clone"),
		CassandraDC:       getEnv("CASSANDRA_LOCAL_DATACENTER", "datacenter1"),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		CacheLimit:        getEnvInt("CACHE_LIMIT", 50),
		CacheTTL:          getEnvDuration("REDIS_CACHE_TTL", time.Hour),
		OpenSearchNode:    getEnv("OPENSEARCH_NODE", "http://localhost:9200"),
		OpenSearchIndex:   getEnv("OPENSEARCH_INDEX", "slack_messages"),
		StoreTimeout:      getEnvDuration("STORE_TIMEOUT", 2*time.Second),
		HealthInterval:    getEnvDuration("HEALTH_INTERVAL", 5*time.Second),
		TypingTTL:         getEnvDuration("TYPING_TTL", 5*time.Second),
	}
}

func NewConfig(d Defaults) (*Config, error) {
	if d.Addr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if d.DSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if d.JWTSecret == "" {
		return nil, fmt.Errorf("jwt secret cannot be empty")
	}
	if d.LogStore != LogStoreCassandra && d.LogStore != LogStoreMemory {
		return nil, fmt.Errorf("unknown log store %q", d.LogStore)
	}
	if d.CacheLimit <= 0 {
		return nil, fmt.Errorf("cache limit must be positive")
	}
	if d.StoreTimeout <= 0 || d.HealthInterval <= 0 || d.TypingTTL <= 0 {
		return nil, fmt.Errorf("timeouts and intervals must be positive")
	}

	return &Config{
		ServerAddr:        d.Addr,
		Env:               d.Env,
		DatabaseDSN:       d.DSN,
		JWTSecret:         []byte(d.JWTSecret),
		AllowedOrigins:    splitList(d.AllowedOrigins),
		LogStore:          d.LogStore,
		CassandraHosts:    splitList(d.CassandraHosts),
		CassandraKeyspace: d.CassandraKeyspace,
		CassandraDC:       d.CassandraDC,
		RedisAddr:         d.RedisAddr,
		RedisPassword:     d.RedisPassword,
		CacheLimit:        d.CacheLimit,
		CacheTTL:          d.CacheTTL,
		OpenSearchNodes:   splitList(d.OpenSearchNode),
		OpenSearchIndex:   d.OpenSearchIndex,
		StoreTimeout:      d.StoreTimeout,
		HealthInterval:    d.HealthInterval,
		TypingTTL:         d.TypingTTL,
	}, nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func splitList(s string) []string {
	var out []string
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}

	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultValue
}
