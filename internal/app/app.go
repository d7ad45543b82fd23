// Package app assembles the engine from configuration.
//
// Setup builds every component in dependency order and returns an App
// whose background workers are started with Start. Components are
// exported so entry points can reach them directly.
package app

import (
	"context"

	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/corvid-labs/grounder/internal/agent"
	"github.com/corvid-labs/grounder/internal/api"
	"github.com/corvid-labs/grounder/internal/chat"
	"github.com/corvid-labs/grounder/internal/config"
	"github.com/corvid-labs/grounder/internal/document"
	"github.com/corvid-labs/grounder/internal/ingest"
	"github.com/corvid-labs/grounder/internal/log"
	"github.com/corvid-labs/grounder/internal/memory"
	"github.com/corvid-labs/grounder/internal/retrieval"
	"github.com/corvid-labs/grounder/internal/session"
	"github.com/corvid-labs/grounder/internal/vectorstore"
)

// App is the assembled engine.
type App struct {
	Config *config.Config
	Logger log.Logger

	Genkit *genkit.Genkit
	Pool   *pgxpool.Pool

	Documents *document.Store
	Sessions  *session.Store
	Vectors   *vectorstore.Store
	Retriever *retrieval.Retriever
	Pipeline  *ingest.Pipeline
	Chat      *chat.Orchestrator
	Planner   *agent.Planner
	Scheduler *memory.Scheduler
	Server    *api.Server

	cancel context.CancelFunc
	done   chan struct{}
}

// Close stops background workers and releases the database pool. Safe to
// call after a failed Setup and safe to call twice.
func (a *App) Close() {
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.done != nil {
		<-a.done
		a.done = nil
	}
	if a.Pool != nil {
		a.Pool.Close()
		a.Pool = nil
		a.Logger.Info("database pool closed")
	}
}
