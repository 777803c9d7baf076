// Package http exposes the voice engine's status snapshots and admin
// operations over a small JSON API.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/voicexp/voicexp/internal/application/command"
	"github.com/voicexp/voicexp/internal/application/presence"
	"github.com/voicexp/voicexp/internal/application/query"
	"github.com/voicexp/voicexp/internal/domain/moderation"
	"github.com/voicexp/voicexp/internal/domain/shared"
	"github.com/voicexp/voicexp/internal/domain/voice"
	"github.com/voicexp/voicexp/internal/interface/http/handlers"
	"github.com/voicexp/voicexp/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains HTTP server configuration.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// RequestTimeout bounds handler work, including store transactions.
	RequestTimeout time.Duration

	MaxBodyBytes int64

	// AdminKeyHeader names the header carrying the admin key.
	AdminKeyHeader string
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 10 * time.Second,
		MaxBodyBytes:   64 << 10,
		AdminKeyHeader: handlers.DefaultAdminKeyHeader,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// PresenceDispatcher routes a presence change. Implemented by presence.Dispatcher.
type PresenceDispatcher interface {
	Dispatch(ctx context.Context, change voice.PresenceChange) (presence.DispatchResult, error)
}

// Dependencies contains everything the routes call. A nil handler answers
// 501 on its routes.
type Dependencies struct {
	Dispatcher PresenceDispatcher

	// Query side
	ActiveSessions *query.GetActiveSessionsHandler
	LevelInfo      *query.GetLevelInfoHandler
	Leaderboard    *query.GetLeaderboardHandler
	CurveTable     *query.GetCurveTableHandler

	// Command side
	CreditExp       *command.CreditExpHandler
	Levels          *command.LevelHandler
	AdjustPoints    *command.AdjustPointsHandler
	ToggleExclusion *command.ToggleExclusionHandler
	Warnings        *command.WarningHandler

	Health    *handlers.CompositeHealthChecker
	AdminAuth *handlers.AdminAuth
	Logger    *slog.Logger
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER
// ══════════════════════════════════════════════════════════════════════════════

// Server represents the HTTP server.
type Server struct {
	config     Config
	deps       Dependencies
	router     *mux.Router
	httpServer *http.Server
	logger     *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewServer creates a server. A nil AdminAuth disables the admin routes.
func NewServer(config Config, deps Dependencies) *Server {
	def := DefaultConfig()
	if config.Addr == "" {
		config.Addr = def.Addr
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = def.RequestTimeout
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = def.MaxBodyBytes
	}
	if deps.AdminAuth == nil {
		deps.AdminAuth, _ = handlers.NewAdminAuth(config.AdminKeyHeader, "")
	}

	s := &Server{
		config: config,
		deps:   deps,
		router: mux.NewRouter(),
		logger: logger.OrDefault(deps.Logger).With(logger.Component("http")),
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         config.Addr,
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ══════════════════════════════════════════════════════════════════════════════
// ROUTING
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(
		handlers.RequestIDMiddleware(s.logger),
		handlers.LoggingMiddleware,
		handlers.RecoveryMiddleware,
		handlers.TimeoutMiddleware(s.config.RequestTimeout),
		handlers.RequestSizeLimitMiddleware(s.config.MaxBodyBytes),
	)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not_found", "No such route")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	})

	// ─────────────────────────────────────────────────────────────────────────
	// Health
	// ─────────────────────────────────────────────────────────────────────────
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/live", s.handleLive).Methods(http.MethodGet)

	// ─────────────────────────────────────────────────────────────────────────
	// Gateway ingest and admin (admin key required)
	// ─────────────────────────────────────────────────────────────────────────
	r.Handle("/v1/presence", s.deps.AdminAuth.Middleware(http.HandlerFunc(s.handlePresence))).
		Methods(http.MethodPost)

	admin := r.PathPrefix("/v1/admin/guilds/{guild}/members/{user}").Subrouter()
	admin.Use(s.deps.AdminAuth.Middleware)
	admin.HandleFunc("/exp", s.handleAddExp).Methods(http.MethodPost)
	admin.HandleFunc("/level", s.handleSetLevel).Methods(http.MethodPut)
	admin.HandleFunc("/level-exp", s.handleSetLevelExp).Methods(http.MethodPut)
	admin.HandleFunc("/levels", s.handleAddLevels).Methods(http.MethodPost)
	admin.HandleFunc("/points", s.handleAdjustPoints).Methods(http.MethodPost)
	admin.HandleFunc("/exclusion", s.handleToggleExclusion).Methods(http.MethodPost)
	admin.HandleFunc("/warnings", s.handleWarn).Methods(http.MethodPost)
	admin.HandleFunc("/warnings", s.handlePardon).Methods(http.MethodDelete)

	// ─────────────────────────────────────────────────────────────────────────
	// Status (read only)
	// ─────────────────────────────────────────────────────────────────────────
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(handlers.NoCacheMiddleware)
	v1.HandleFunc("/sessions", s.handleActiveSessions).Methods(http.MethodGet)
	v1.HandleFunc("/guilds/{guild}/sessions", s.handleActiveSessions).Methods(http.MethodGet)
	v1.HandleFunc("/guilds/{guild}/leaderboard", s.handleLeaderboard).Methods(http.MethodGet)
	v1.HandleFunc("/guilds/{guild}/members/{user}", s.handleLevelInfo).Methods(http.MethodGet)
	v1.HandleFunc("/curve", s.handleCurve).Methods(http.MethodGet)
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("http: server already running")
	}
	s.running = true
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", s.config.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: serve: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("shutting down http server")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http: shutdown: %w", err)
	}
	return <-errCh
}

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSE HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// JSONResponse represents a standard JSON response.
type JSONResponse struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     *APIError `json:"error,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(JSONResponse{
		Success:   status >= 200 && status < 300,
		Data:      data,
		RequestID: handlers.RequestID(r.Context()),
	})
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(JSONResponse{
		Error: &APIError{Code: code, Message: message},
	})
}

// writeDomainError maps the error taxonomy onto status codes. Server-side
// failures are logged; caller mistakes are not.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed", logger.Operation(op), logger.Err(err))
	}
	writeJSONError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case shared.IsValidation(err), errors.Is(err, moderation.ErrInvalidCount):
		return http.StatusBadRequest, "invalid_request"
	case shared.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case shared.IsConflict(err):
		return http.StatusConflict, "conflict"
	case shared.IsTransient(err), errors.Is(err, shared.ErrInvalidState):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, shared.ErrExternalService):
		return http.StatusBadGateway, "upstream_error"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST HELPERS
// ══════════════════════════════════════════════════════════════════════════════

var errBadMember = fmt.Errorf("%w: guild and user must be positive ids", shared.ErrInvalidID)

// member reads the {guild} and {user} path variables.
func member(r *http.Request) (shared.MemberKey, error) {
	vars := mux.Vars(r)
	guildID, err := shared.ParseGuildID(vars["guild"])
	if err != nil {
		return shared.MemberKey{}, errBadMember
	}
	userID, err := shared.ParseUserID(vars["user"])
	if err != nil {
		return shared.MemberKey{}, errBadMember
	}
	key := shared.MemberKey{UserID: userID, GuildID: guildID}
	if !key.IsValid() {
		return shared.MemberKey{}, errBadMember
	}
	return key, nil
}

// guild reads an optional {guild} path variable; zero when absent.
func guild(r *http.Request) (shared.GuildID, error) {
	raw, ok := mux.Vars(r)["guild"]
	if !ok {
		return 0, nil
	}
	id, err := shared.ParseGuildID(raw)
	if err != nil || !id.IsValid() {
		return 0, errBadMember
	}
	return id, nil
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed body: %v", shared.ErrInvalidInput, err)
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", shared.ErrInvalidInput, key)
	}
	return n, nil
}

func queryFloat(r *http.Request, key string) (float64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a number", shared.ErrInvalidInput, key)
	}
	return f, nil
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}
