package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validDefaults() Defaults {
	return Defaults{
		Addr:              "localhost:8080",
		Env:               "development",
		DSN:               "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable",
		JWTSecret:         "some_secret",
		AllowedOrigins:    "http://localhost:3000, http://localhost:5173",
		LogStore:          LogStoreMemory,
		CassandraHosts:    "cass1,cass2",
		CassandraKeyspace: "slack_clone",
		CassandraDC:       "datacenter1",
		RedisAddr:         "localhost:6379",
		CacheLimit:        50,
		CacheTTL:          time.Hour,
		OpenSearchNode:    "http://localhost:9200",
		OpenSearchIndex:   "slack_messages",
		StoreTimeout:      2 * time.Second,
		HealthInterval:    5 * time.Second,
		TypingTTL:         5 * time.Second,
	}
}

func TestNewConfig(t *testing.T) {
	tcases := []struct {
		name   string
		modify func(d *Defaults)
		err    bool
	}{
		{
			name:   "valid config",
			modify: func(d *Defaults) {},
			err:    false,
		},
		{
			name:   "empty address",
			modify: func(d *Defaults) { d.Addr = "" },
			err:    true,
		},
		{
			name:   "empty DSN",
			modify: func(d *Defaults) { d.DSN = "" },
			err:    true,
		},
		{
			name:   "empty jwt secret",
			modify: func(d *Defaults) { d.JWTSecret = "" },
			err:    true,
		},
		{
			name:   "unknown log store",
			modify: func(d *Defaults) { d.LogStore = "sqlite" },
			err:    true,
		},
		{
			name:   "zero cache limit",
			modify: func(d *Defaults) { d.CacheLimit = 0 },
			err:    true,
		},
		{
			name:   "zero store timeout",
			modify: func(d *Defaults) { d.StoreTimeout = 0 },
			err:    true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			d := validDefaults()
			tc.modify(&d)

			config, err := NewConfig(d)
			if tc.err {
				assert.Error(t, err, "expected error for config: %s", tc.name)
				return
			}
			assert.NoError(t, err, "expected no error for config: %s", tc.name)

			assert.Equal(t, d.Addr, config.ServerAddr, "expected server address to match")
			assert.Equal(t, d.DSN, config.DatabaseDSN, "expected database DSN to match")
			assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, config.AllowedOrigins, "expected allowed origins to be split and trimmed")
			assert.Equal(t, []string{"cass1", "cass2"}, config.CassandraHosts, "expected cassandra hosts to be split")
			assert.Equal(t, []byte("some_secret"), config.JWTSecret, "expected jwt secret to match")
			assert.True(t, config.IsDevelopment())
		})
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("ADDR", ":9999")
	t.Setenv("JWT_SECRET", "env_secret")
	t.Setenv("CACHE_LIMIT", "25")
	t.Setenv("STORE_TIMEOUT", "750ms")

	d := Load()
	assert.Equal(t, ":9999", d.Addr)
	assert.Equal(t, "env_secret", d.JWTSecret)
	assert.Equal(t, 25, d.CacheLimit)
	assert.Equal(t, 750*time.Millisecond, d.StoreTimeout)
	assert.Equal(t, 5*time.Second, d.TypingTTL, "expected default typing ttl")
	assert.Equal(t, "slack_clone", d.CassandraKeyspace, "expected default keyspace")
}

func Test_splitList(t *testing.T) {
	tcases := []struct {
		name     string
		input    string
		expected []string
	}{
		{name: "empty", input: "", expected: nil},
		{name: "single", input: "a", expected: []string{"a"}},
		{name: "blanks dropped", input: " a, ,b ,", expected: []string{"a", "b"}},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, splitList(tc.input))
		})
	}
}
