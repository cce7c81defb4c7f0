// Package server exposes the daemon's HTTP surface: the streaming chat
// endpoint, session management, curriculum browsing, queue stats, VKP
// administration, health, and operator metrics. Responses are JSON;
// chat streams as server-sent events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/auth"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/dispatcher"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/edgeerr"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/logging"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/metastore"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/supervisor"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/types"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/vkp"
)

// Options wires the HTTP surface.
type Options struct {
	Auth       *auth.Service
	Dispatcher *dispatcher.Dispatcher
	Meta       *metastore.Store
	VKP        *vkp.Manager
	Supervisor *supervisor.Supervisor

	ListenAddr string
	// DefaultLang is applied to chat requests without a language.
	DefaultLang string
}

// Server serves the daemon's HTTP API.
type Server struct {
	opts Options
	log  *zap.Logger
	http *http.Server
}

// New builds the server and its route table.
func New(opts Options) *Server {
	s := &Server{opts: opts, log: logging.Get("server")}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)
	mux.HandleFunc("GET /api/verify", s.withAuth(s.handleVerify))

	mux.HandleFunc("POST /api/chat", s.withAuth(s.handleChat))
	mux.HandleFunc("GET /api/chat/{id}/position", s.withAuth(s.handlePosition))
	mux.HandleFunc("POST /api/chat/{id}/cancel", s.withAuth(s.handleCancel))
	mux.HandleFunc("GET /api/history", s.withAuth(s.handleHistory))

	mux.HandleFunc("GET /api/subjects", s.withAuth(s.handleSubjects))
	mux.HandleFunc("GET /api/queue/stats", s.withRole(types.RoleTeacher, s.handleQueueStats))
	mux.HandleFunc("GET /api/vkp", s.withRole(types.RoleTeacher, s.handleListVKPs))
	mux.HandleFunc("POST /api/vkp/rollback", s.withRole(types.RoleAdmin, s.handleRollback))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.http = &http.Server{
		Addr:    opts.ListenAddr,
		Handler: mux,
		// No WriteTimeout: chat responses stream for up to the request
		// deadline.
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the listener fails or Shutdown runs.
func (s *Server) ListenAndServe() error {
	s.log.Info("listening", zap.String("addr", s.opts.ListenAddr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type ctxKey int

const userKey ctxKey = 0

// withAuth resolves the bearer token and stashes the user in the
// request context.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.writeError(w, edgeerr.ErrUnauthorized)
			return
		}
		u, err := s.opts.Auth.Verify(r.Context(), token)
		if err != nil {
			s.writeError(w, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey, u)))
	}
}

// withRole additionally enforces a minimum role.
func (s *Server) withRole(min types.Role, next http.HandlerFunc) http.HandlerFunc {
	return s.withAuth(func(w http.ResponseWriter, r *http.Request) {
		if err := auth.RequireRole(userFrom(r), min); err != nil {
			s.writeError(w, err)
			return
		}
		next(w, r)
	})
}

func userFrom(r *http.Request) *types.User {
	u, _ := r.Context().Value(userKey).(*types.User)
	return u
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}

type errorBody struct {
	Error struct {
		Kind    edgeerr.Kind `json:"kind"`
		Message string       `json:"message"`
	} `json:"error"`
}

// writeError maps taxonomy kinds onto HTTP status codes with a
// content-free body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := edgeerr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case edgeerr.KindUnauthorized, edgeerr.KindExpired:
		status = http.StatusUnauthorized
	case edgeerr.KindInvalid:
		status = http.StatusBadRequest
	case edgeerr.KindNotFound:
		status = http.StatusNotFound
	case edgeerr.KindQueueFull:
		status = http.StatusTooManyRequests
	case edgeerr.KindTimeout:
		status = http.StatusGatewayTimeout
	case edgeerr.KindResourceUnavailable, edgeerr.KindDegraded:
		status = http.StatusServiceUnavailable
	}

	var body errorBody
	body.Error.Kind = kind
	body.Error.Message = err.Error()
	if status == http.StatusInternalServerError {
		// Internal detail stays in the log.
		body.Error.Message = "internal error"
		s.log.Error("request failed", zap.Error(err))
	}
	s.writeJSON(w, status, body)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("response write failed", zap.Error(err))
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
