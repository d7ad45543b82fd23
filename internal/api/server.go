// Package api exposes the HTTP surface: document lifecycle, grounded
// chat (JSON and SSE), session CRUD and agent goals.
package api

import (
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/corvid-labs/grounder/internal/agent"
	"github.com/corvid-labs/grounder/internal/chat"
	"github.com/corvid-labs/grounder/internal/document"
	"github.com/corvid-labs/grounder/internal/ingest"
	"github.com/corvid-labs/grounder/internal/log"
	"github.com/corvid-labs/grounder/internal/session"
	"github.com/corvid-labs/grounder/internal/vectorstore"
)

// ServerConfig wires the API server.
type ServerConfig struct {
	Logger     log.Logger
	Documents  *document.Store    // required
	Pipeline   *ingest.Pipeline   // required
	Vectors    *vectorstore.Store // required
	Sessions   *session.Store     // required
	Chat       *chat.Orchestrator // required
	Planner    *agent.Planner     // optional: nil disables agent goals
	Pool       *pgxpool.Pool      // optional: nil disables pool check in /ready
	TrustProxy bool               // trust X-Real-IP/X-Forwarded-For
	RateBurst  int                // per-IP burst, 0 = default 60
	RatePerSec float64            // per-IP refill, 0 = default 1
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer builds the route table and middleware stack.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Documents == nil || cfg.Pipeline == nil || cfg.Vectors == nil || cfg.Sessions == nil || cfg.Chat == nil {
		return nil, errors.New("api: documents, pipeline, vectors, sessions and chat are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	dh := &documentHandler{docs: cfg.Documents, pipeline: cfg.Pipeline, vectors: cfg.Vectors, logger: logger}
	sh := &sessionHandler{sessions: cfg.Sessions, logger: logger}
	ch := &chatHandler{orch: cfg.Chat, logger: logger}

	mux := http.NewServeMux()

	// Documents
	mux.HandleFunc("POST /api/v1/documents", dh.create)
	mux.HandleFunc("GET /api/v1/documents", dh.list)
	mux.HandleFunc("GET /api/v1/documents/{id}", dh.get)
	mux.HandleFunc("DELETE /api/v1/documents/{id}", dh.delete)
	mux.HandleFunc("POST /api/v1/documents/{id}/ingest", dh.ingest)
	mux.HandleFunc("POST /api/v1/documents/{id}/reingest", dh.reingest)

	// Sessions
	mux.HandleFunc("POST /api/v1/sessions", sh.create)
	mux.HandleFunc("GET /api/v1/sessions", sh.list)
	mux.HandleFunc("GET /api/v1/sessions/{id}", sh.get)
	mux.HandleFunc("GET /api/v1/sessions/{id}/messages", sh.messages)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", sh.delete)

	// Chat
	mux.HandleFunc("POST /api/v1/chat", ch.send)
	mux.HandleFunc("GET /api/v1/chat/stream", ch.stream)

	// Agent goals (optional)
	if cfg.Planner != nil {
		ah := &agentHandler{planner: cfg.Planner, logger: logger}
		mux.HandleFunc("POST /api/v1/agent/goals", ah.executeGoal)
	}

	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = 1
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(perSec, burst)

	// Middleware stack, outermost first:
	//   Recovery -> RequestID -> Logging -> RateLimit -> Routes
	var handler http.Handler = mux
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Health probes bypass the middleware stack.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health(logger))
	topMux.Handle("GET /ready", readiness(cfg.Pool, logger))
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
