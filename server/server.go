// Package server exposes the catalog engine over HTTP: the catalog snapshot,
// refreshes, runs and cancellations, and a per-tool SSE event stream.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/petal-labs/toolcatalog/bus"
	"github.com/petal-labs/toolcatalog/engine"
	"github.com/petal-labs/toolcatalog/sse"
	"github.com/petal-labs/toolcatalog/status"
)

// Catalog is the engine surface the server drives.
type Catalog interface {
	Snapshot() engine.Snapshot
	Refresh(ctx context.Context) (engine.Snapshot, error)
	Run(ctx context.Context, toolID string, args []string, opts ...engine.RunOption) (engine.SessionInfo, error)
	Cancel(ctx context.Context, toolID string) (status.Result, error)
	Wait(ctx context.Context, toolID string) (status.Result, error)
	Output(toolID string) []status.Line
	AcknowledgeResult(toolID string) (status.State, error)
}

var _ Catalog = (*engine.Engine)(nil)

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Catalog Catalog
	// Bus and EventStore back the event stream. The bus must be the one the
	// engine publishes to. A nil EventStore disables replay.
	Bus        bus.EventBus
	EventStore bus.EventStore
	// Token, when set, is required as a bearer token on every /api route.
	Token      string
	CORSOrigin string
	MaxBody    int64
	SSEOptions []sse.Option
	Logger     *slog.Logger
}

// Server is the catalog HTTP API server.
type Server struct {
	catalog    Catalog
	events     http.Handler
	token      string
	corsOrigin string
	maxBody    int64
	logger     *slog.Logger
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	s := &Server{
		catalog:    cfg.Catalog,
		token:      strings.TrimSpace(cfg.Token),
		corsOrigin: corsOrigin,
		maxBody:    maxBody,
		logger:     logger,
	}
	if cfg.Bus != nil {
		s.events = sse.NewSSEHandler(cfg.EventStore, cfg.Bus, cfg.SSEOptions...)
	}
	return s
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.authMiddleware(handler)
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)

	return handler
}

// RegisterRoutes mounts the catalog API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/catalog", s.handleCatalog)
	mux.HandleFunc("POST /api/catalog/refresh", s.handleRefresh)
	mux.HandleFunc("GET /api/tools/{tool_id}", s.handleGetTool)
	mux.HandleFunc("POST /api/tools/{tool_id}/run", s.handleRun)
	mux.HandleFunc("POST /api/tools/{tool_id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/tools/{tool_id}/result", s.handleResult)
	mux.HandleFunc("POST /api/tools/{tool_id}/acknowledge", s.handleAcknowledge)
	mux.HandleFunc("GET /api/tools/{tool_id}/output", s.handleOutput)
	mux.HandleFunc("GET /api/tools/{tool_id}/events", s.handleEvents)
}

// --- Middleware ---

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.token == "" {
		return next
	}
	want := []byte("Bearer " + s.token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}
