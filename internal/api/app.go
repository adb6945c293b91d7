// Package api is the HTTP surface of the chat server: REST endpoints over
// the message orchestrator, health and metrics, and the websocket upgrade.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/npezzotti/go-teamchat/internal/messaging"
	"github.com/npezzotti/go-teamchat/internal/types"
)

type MessageService interface {
	CheckChannelAccess(ctx context.Context, channelId, userId string) error
	Send(ctx context.Context, req messaging.SendRequest) (types.Message, error)
	History(ctx context.Context, req messaging.HistoryRequest) (messaging.Page, error)
	Edit(ctx context.Context, req messaging.EditRequest) (types.Message, error)
	Delete(ctx context.Context, req messaging.DeleteRequest) error
	Search(ctx context.Context, userId string, q types.SearchQuery) (types.SearchResult, error)
}

type TokenVerifier interface {
	Verify(token string) (types.User, error)
}

// WebsocketServer takes ownership of an upgraded connection.
type WebsocketServer interface {
	ServeConn(conn *websocket.Conn)
}

type HealthReporter interface {
	Status() (healthy bool, lastCheck time.Time, lastErr error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type AppConfig struct {
	Addr           string
	AllowedOrigins []string
	Service        MessageService
	Chat           WebsocketServer
	Verifier       TokenVerifier
	// LogHealth gates the overall health status; Dependencies are reported
	// but never fail it.
	LogHealth    HealthReporter
	Dependencies map[string]Pinger
	Metrics      http.Handler
}

type TeamChatApp struct {
	log            zerolog.Logger
	svc            MessageService
	cs             WebsocketServer
	verifier       TokenVerifier
	logHealth      HealthReporter
	deps           map[string]Pinger
	metrics        http.Handler
	allowedOrigins []string
	upgrader       websocket.Upgrader
	srv            *http.Server
}

func NewTeamChatApp(cfg AppConfig, logger zerolog.Logger) *TeamChatApp {
	s := &TeamChatApp{
		log:            logger,
		svc:            cfg.Service,
		cs:             cfg.Chat,
		verifier:       cfg.Verifier,
		logHealth:      cfg.LogHealth,
		deps:           cfg.Dependencies,
		metrics:        cfg.Metrics,
		allowedOrigins: cfg.AllowedOrigins,
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *TeamChatApp) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(s.errorHandler)

	r.Get("/api/health", s.health)
	r.Get("/ws", s.serveWs)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/api/messages/{channelId}", s.getMessages)
		r.Post("/api/messages", s.postMessage)
		r.Put("/api/messages/{messageId}", s.putMessage)
		r.Delete("/api/messages/{messageId}", s.deleteMessage)
		r.Get("/api/search", s.search)
	})

	return handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(s.allowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.ExposedHeaders([]string{"Retry-After", "X-Request-Id"}),
		handlers.AllowCredentials(),
	)(r)
}

func (s *TeamChatApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *TeamChatApp) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("starting server")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (s *TeamChatApp) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
