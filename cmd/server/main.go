package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/npezzotti/go-teamchat/internal/api"
	"github.com/npezzotti/go-teamchat/internal/auth"
	"github.com/npezzotti/go-teamchat/internal/cache"
	"github.com/npezzotti/go-teamchat/internal/config"
	"github.com/npezzotti/go-teamchat/internal/database"
	"github.com/npezzotti/go-teamchat/internal/messaging"
	"github.com/npezzotti/go-teamchat/internal/msglog"
	"github.com/npezzotti/go-teamchat/internal/search"
	"github.com/npezzotti/go-teamchat/internal/server"
	"github.com/npezzotti/go-teamchat/internal/stats"
)

func main() {
	d := config.Load()

	flag.StringVar(&d.Addr, "addr", d.Addr, "server address")
	flag.StringVar(&d.Env, "env", d.Env, "environment (development enables console logging)")
	flag.StringVar(&d.DSN, "dsn", d.DSN, "postgres connection string for the user and membership directory")
	flag.StringVar(&d.JWTSecret, "jwt-secret", d.JWTSecret, "HS256 secret shared with the login service")
	flag.StringVar(&d.AllowedOrigins, "allowed-origins", d.AllowedOrigins, "comma-separated list of allowed origins for CORS")
	flag.StringVar(&d.LogStore, "log-store", d.LogStore, "durable message log backend: cassandra or memory")
	flag.StringVar(&d.CassandraHosts, "cassandra-hosts", d.CassandraHosts, "comma-separated cassandra contact points")
	flag.StringVar(&d.CassandraKeyspace, "cassandra-keyspace", d.CassandraKeyspace, "cassandra keyspace")
	flag.StringVar(&d.CassandraDC, "cassandra-dc", d.CassandraDC, "cassandra local datacenter")
	flag.StringVar(&d.RedisAddr, "redis-addr", d.RedisAddr, "redis address")
	flag.StringVar(&d.RedisPassword, "redis-password", d.RedisPassword, "redis password")
	flag.IntVar(&d.CacheLimit, "cache-limit", d.CacheLimit, "messages kept per channel in the recent cache")
	flag.DurationVar(&d.CacheTTL, "cache-ttl", d.CacheTTL, "recent cache expiry")
	flag.StringVar(&d.OpenSearchNode, "opensearch-node", d.OpenSearchNode, "comma-separated opensearch node urls")
	flag.StringVar(&d.OpenSearchIndex, "opensearch-index", d.OpenSearchIndex, "opensearch index name")
	flag.DurationVar(&d.StoreTimeout, "store-timeout", d.StoreTimeout, "timeout for each storage call")
	flag.DurationVar(&d.HealthInterval, "health-interval", d.HealthInterval, "durable log health check interval")
	flag.DurationVar(&d.TypingTTL, "typing-ttl", d.TypingTTL, "typing indicator expiry")
	flag.Parse()

	logger := newLogger(d.Env)

	cfg, err := config.NewConfig(d)
	if err != nil {
		logger.Fatal().Err(err).Msg("config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore := openLog(ctx, cfg, logger)
	defer closeStore()

	recent := cache.NewRedisCache(cache.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Limit:    cfg.CacheLimit,
		TTL:      cfg.CacheTTL,
		Timeout:  cfg.StoreTimeout,
	}, component(logger, "cache"))
	defer recent.Close()

	index, err := search.NewOpenSearchIndex(search.OpenSearchConfig{
		Addresses: cfg.OpenSearchNodes,
		Index:     cfg.OpenSearchIndex,
		Timeout:   cfg.StoreTimeout,
	}, component(logger, "search"))
	if err != nil {
		logger.Fatal().Err(err).Msg("opensearch client")
	}
	// search is best-effort; a missing node only degrades indexing
	if err := index.EnsureIndex(ctx); err != nil {
		logger.Warn().Err(err).Msg("could not ensure search index")
	}

	dir, err := database.NewPgDirectory(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("db open")
	}
	defer func() {
		if err := dir.Close(); err != nil {
			logger.Error().Err(err).Msg("db close")
		}
	}()

	st := stats.NewStatsUpdater()

	dispatcher := messaging.NewDispatcher(messaging.DispatcherConfig{
		Timeout: cfg.StoreTimeout,
	}, st, component(logger, "dispatcher"))

	health := messaging.NewHealthMonitor(store, cfg.HealthInterval, cfg.StoreTimeout, component(logger, "health"))
	if err := health.Prime(ctx); err != nil {
		logger.Warn().Err(err).Msg("durable log unreachable at startup, writes are rejected until it recovers")
	}

	registry := server.NewRegistry()
	subs := server.NewSubscriptions()
	bc := server.NewBroadcaster(registry, subs, st, component(logger, "broadcaster"))

	svc := messaging.NewService(messaging.ServiceConfig{
		Log:          store,
		Cache:        recent,
		Index:        index,
		Directory:    dir,
		Broadcaster:  bc,
		Dispatcher:   dispatcher,
		Health:       health,
		Stats:        st,
		StoreTimeout: cfg.StoreTimeout,
	}, component(logger, "messaging"))

	verifier := auth.NewVerifier(cfg.JWTSecret)

	chatServer := server.NewChatServer(server.ChatServerConfig{
		Registry:      registry,
		Subscriptions: subs,
		Broadcaster:   bc,
		Service:       svc,
		Verifier:      verifier,
		Presence:      recent,
		Tasks:         dispatcher,
		Stats:         st,
		TypingTTL:     cfg.TypingTTL,
	}, component(logger, "chat"))

	app := api.NewTeamChatApp(api.AppConfig{
		Addr:           cfg.ServerAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		Service:        svc,
		Chat:           chatServer,
		Verifier:       verifier,
		LogHealth:      health,
		Dependencies: map[string]api.Pinger{
			"cache":     recent,
			"index":     index,
			"directory": dir,
		},
		Metrics: st.Handler(),
	}, component(logger, "api"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(app.Start)
	g.Go(func() error { return health.Run(gctx) })
	g.Go(func() error { return chatServer.Typing().Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return errors.Join(
			app.Shutdown(shutdownCtx),
			chatServer.Shutdown(shutdownCtx),
			dispatcher.Stop(shutdownCtx),
		)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server exited")
		os.Exit(1)
	}

	logger.Info().Msg("shutdown complete")
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	}

	return zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()
}

func component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

func openLog(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (msglog.Store, func()) {
	if cfg.LogStore == config.LogStoreMemory {
		logger.Warn().Msg("using in-memory message log, messages are lost on restart")
		return msglog.NewMemoryStore(), func() {}
	}

	store := msglog.NewCassandraStore(ctx, msglog.CassandraConfig{
		Hosts:      cfg.CassandraHosts,
		Keyspace:   cfg.CassandraKeyspace,
		Datacenter: cfg.CassandraDC,
		Timeout:    cfg.StoreTimeout,
	}, component(logger, "msglog"))

	return store, store.Close
}
