// Package server exposes conversation sessions over HTTP
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/cloud-shuttle/parley/internal/conversation"
	"github.com/cloud-shuttle/parley/pkg/types"
)

// Options configures the HTTP server
type Options struct {
	ListenAddr string

	// RequestsPerMinute caps message posts per client; 0 disables the cap
	RequestsPerMinute int

	Logger *slog.Logger
}

// Server serves the conversation API
type Server struct {
	opts     Options
	registry *conversation.Registry
	store    *conversation.TurnStore
	limiter  *ClientLimiter
	logger   *slog.Logger
	server   *http.Server
	started  time.Time

	requestCount atomic.Int64
}

// New creates a server over registry. store backs session listing and purges.
func New(registry *conversation.Registry, store *conversation.TurnStore, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")

	s := &Server{
		opts:     opts,
		registry: registry,
		store:    store,
		limiter:  NewClientLimiter(opts.RequestsPerMinute, logger),
		logger:   logger,
		started:  time.Now(),
	}
	s.server = &http.Server{
		Addr:         opts.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  1 * time.Minute,
	}
	return s
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sessions", s.handleCreateSession).Methods("POST")
	api.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	api.Handle("/sessions/{id}/messages", s.limiter.Middleware(http.HandlerFunc(s.handleSendMessage))).Methods("POST")
	api.HandleFunc("/sessions/{id}/history", s.handleHistory).Methods("GET")
	api.HandleFunc("/sessions/{id}/history", s.handleClearHistory).Methods("DELETE")
	api.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods("DELETE")

	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	var handler http.Handler = router
	handler = s.loggingMiddleware(handler)
	handler = corsMiddleware(handler)
	return handler
}

// Start listens on the configured address until Shutdown
func (s *Server) Start() error {
	s.logger.Info("server starting", "addr", s.opts.ListenAddr, "persistent", s.store.Persistent())

	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, waits for in-flight ones, and releases
// every live session
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.limiter.Close()
	defer s.registry.Close()

	return s.server.Shutdown(ctx)
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type messageRequest struct {
	Message string `json:"message"`
}

type messageResponse struct {
	SessionID string `json:"session_id"`
	Response  string `json:"response"`
}

type historyResponse struct {
	SessionID string       `json:"session_id"`
	Turns     []types.Turn `json:"turns"`
}

type sessionsResponse struct {
	Sessions []types.SessionInfo `json:"sessions"`
	Active   []string            `json:"active"`
}

type deleteResponse struct {
	Evicted bool `json:"evicted"`
	Purged  bool `json:"purged"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id := conversation.NewSessionID()
	if _, err := s.registry.GetOrCreate(r.Context(), id); err != nil {
		s.logger.Error("failed to create session", "error", err)
		respondError(w, http.StatusInternalServerError, "api_error", "could not create session")
		return
	}
	respondJSON(w, http.StatusCreated, createSessionResponse{SessionID: id})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("invalid request body: %v", err))
		return
	}

	sess, err := s.registry.GetOrCreate(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to open session", "session_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "api_error", "could not open session")
		return
	}

	reply, err := sess.Process(r.Context(), req.Message)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, messageResponse{SessionID: id, Response: reply})
	case errors.Is(err, conversation.ErrEmptyUtterance):
		respondError(w, http.StatusBadRequest, "invalid_request_error", conversation.UserMessage(err))
	case errors.Is(err, conversation.ErrChatUnavailable):
		respondError(w, http.StatusServiceUnavailable, "service_unavailable", conversation.UserMessage(err))
	case errors.Is(err, conversation.ErrSessionClosed):
		respondError(w, http.StatusConflict, "session_closed", "session was closed, please retry")
	default:
		s.logger.Error("message processing failed", "session_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "api_error", conversation.UserMessage(err))
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var turns []types.Turn
	err := s.withSession(r.Context(), id,
		func(sess *conversation.Session) (err error) {
			turns, err = sess.History(r.Context())
			return err
		},
		func() (err error) {
			turns, err = s.store.Turns(r.Context(), id)
			return err
		})
	switch {
	case errors.Is(err, conversation.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, "not_found_error", fmt.Sprintf("session %s not found", id))
		return
	case errors.Is(err, conversation.ErrSessionClosed):
		respondError(w, http.StatusConflict, "session_closed", "session was closed, please retry")
		return
	case err != nil:
		s.logger.Error("failed to read history", "session_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "api_error", "could not read history")
		return
	}
	if turns == nil {
		turns = []types.Turn{}
	}
	respondJSON(w, http.StatusOK, historyResponse{SessionID: id, Turns: turns})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	keep, err := queryBool(r, "keep_system", true)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	err = s.withSession(r.Context(), id,
		func(sess *conversation.Session) error {
			return sess.ClearConversation(r.Context(), keep)
		},
		func() error {
			return s.store.Clear(r.Context(), id, keep)
		})
	switch {
	case errors.Is(err, conversation.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, "not_found_error", fmt.Sprintf("session %s not found", id))
		return
	case errors.Is(err, conversation.ErrSessionClosed):
		respondError(w, http.StatusConflict, "session_closed", "session was closed, please retry")
		return
	case err != nil:
		s.logger.Error("failed to clear history", "session_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "api_error", "could not clear history")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	purge, err := queryBool(r, "purge", false)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	resp := deleteResponse{Evicted: s.registry.Evict(id)}
	if purge {
		if err := s.store.Delete(r.Context(), id); err != nil {
			s.logger.Error("failed to purge session", "session_id", id, "error", err)
			respondError(w, http.StatusInternalServerError, "api_error", "could not delete stored history")
			return
		}
		resp.Purged = true
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list sessions", "error", err)
		respondError(w, http.StatusInternalServerError, "api_error", "could not list sessions")
		return
	}
	if infos == nil {
		infos = []types.SessionInfo{}
	}
	respondJSON(w, http.StatusOK, sessionsResponse{Sessions: infos, Active: s.registry.ListActive()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"uptime":          time.Since(s.started).Round(time.Second).String(),
		"active_sessions": len(s.registry.ListActive()),
		"request_count":   s.requestCount.Load(),
	})
}

// withSession runs live against the registered session for id, or stored
// against the turn store when only persisted history exists. Reads never
// register a session.
func (s *Server) withSession(ctx context.Context, id string, live func(*conversation.Session) error, stored func() error) error {
	if sess, err := s.registry.Lookup(id); err == nil {
		return live(sess)
	}

	ok, err := s.store.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", conversation.ErrSessionNotFound, id)
	}
	return stored()
}

func queryBool(r *http.Request, name string, def bool) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q", name, v)
	}
	return b, nil
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, typ, message string) {
	type ErrorResponse struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}

	resp := ErrorResponse{}
	resp.Error.Message = message
	resp.Error.Type = typ
	resp.Error.Code = strconv.Itoa(status)

	respondJSON(w, status, resp)
}

// Middleware

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requestCount.Add(1)
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
