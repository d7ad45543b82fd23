package app

import (
	"context"
	"fmt"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/corvid-labs/grounder/db"
	"github.com/corvid-labs/grounder/internal/agent"
	"github.com/corvid-labs/grounder/internal/api"
	"github.com/corvid-labs/grounder/internal/chat"
	"github.com/corvid-labs/grounder/internal/chunk"
	"github.com/corvid-labs/grounder/internal/config"
	"github.com/corvid-labs/grounder/internal/database"
	"github.com/corvid-labs/grounder/internal/document"
	"github.com/corvid-labs/grounder/internal/embed"
	"github.com/corvid-labs/grounder/internal/extract"
	"github.com/corvid-labs/grounder/internal/ingest"
	"github.com/corvid-labs/grounder/internal/log"
	"github.com/corvid-labs/grounder/internal/memory"
	"github.com/corvid-labs/grounder/internal/objectstore"
	"github.com/corvid-labs/grounder/internal/retrieval"
	"github.com/corvid-labs/grounder/internal/session"
	"github.com/corvid-labs/grounder/internal/vectorstore"
)

// Setup builds the engine. On error everything already initialized is
// released before returning.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *App, retErr error) {
	if cfg == nil {
		return nil, config.ErrConfigNil
	}
	if logger == nil {
		logger = log.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}

	defer func() {
		if retErr != nil {
			a.Close()
		}
	}()

	if err := db.Migrate(cfg.Postgres.ConnURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	pool, err := database.Open(ctx, cfg.Postgres.ConnURL())
	if err != nil {
		return nil, err
	}
	a.Pool = pool

	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	a.Genkit = g

	embedder := googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	if embedder == nil {
		return nil, fmt.Errorf("embedder %q not found", cfg.EmbedderModel)
	}
	embedClient, err := embed.New(embedder, embed.Config{
		Dimension:    cfg.EmbedderDimension,
		ModelVersion: cfg.EmbedderModel,
	}, logger)
	if err != nil {
		return nil, err
	}

	if a.Vectors, err = vectorstore.New(pool, logger); err != nil {
		return nil, err
	}
	if a.Documents, err = document.NewStore(pool, logger); err != nil {
		return nil, err
	}
	if a.Sessions, err = session.NewStore(pool, logger); err != nil {
		return nil, err
	}

	objects, err := objectstore.NewFileStore(cfg.UploadsDir)
	if err != nil {
		return nil, fmt.Errorf("opening uploads store: %w", err)
	}
	extractor := extract.New(extract.NewVisionCaptioner(g, cfg.ModelName))
	if a.Pipeline, err = ingest.New(a.Documents, objects, extractor, embedClient, a.Vectors, ingest.Config{
		Workers:     cfg.IngestWorkers,
		MaxAttempts: cfg.IngestMaxAttempts,
		ChunkParams: chunk.Params{
			TargetTokens:  cfg.ChunkTargetTokens,
			OverlapTokens: cfg.ChunkOverlapTokens,
		},
	}, logger); err != nil {
		return nil, err
	}

	if a.Retriever, err = retrieval.New(embedClient, a.Vectors, retrieval.Config{
		TopK:     cfg.TopK,
		MinScore: cfg.MinScore,
	}, logger); err != nil {
		return nil, err
	}

	if a.Chat, err = chat.New(chat.Config{
		Genkit:       g,
		ModelName:    cfg.ModelName,
		Sessions:     a.Sessions,
		Retriever:    a.Retriever,
		HistoryLimit: cfg.HistoryLimit,
		Logger:       logger,
	}); err != nil {
		return nil, err
	}

	registry, err := agent.NewRegistry(
		agent.NewMessageQueryTool(a.Sessions),
		agent.NewCSVExportTool(),
		agent.NewDocumentLookupTool(a.Documents),
		agent.NewKnowledgeSearchTool(a.Retriever),
	)
	if err != nil {
		return nil, err
	}
	if a.Planner, err = agent.NewPlanner(agent.Config{
		Genkit:         g,
		ModelName:      cfg.ModelName,
		Registry:       registry,
		AllowTransform: []string{agent.ToolCSVExport},
		Logger:         logger,
	}); err != nil {
		return nil, err
	}

	summarizer, err := memory.New(pool, a.Sessions, embedClient, a.Vectors, g, memory.Config{
		ModelName:     cfg.ModelName,
		InactiveAfter: cfg.MemoryInactiveAfter,
		FailureCap:    cfg.MemoryFailureCap,
	}, logger)
	if err != nil {
		return nil, err
	}
	a.Scheduler = memory.NewScheduler(summarizer, cfg.MemoryInterval, logger)

	if a.Server, err = api.NewServer(api.ServerConfig{
		Logger:     logger,
		Documents:  a.Documents,
		Pipeline:   a.Pipeline,
		Vectors:    a.Vectors,
		Sessions:   a.Sessions,
		Chat:       a.Chat,
		Planner:    a.Planner,
		Pool:       pool,
		TrustProxy: cfg.TrustProxy,
		RateBurst:  cfg.RateBurst,
		RatePerSec: cfg.RatePerSec,
	}); err != nil {
		return nil, err
	}

	return a, nil
}

// Start launches the ingestion workers and the memory scheduler. Documents
// left mid-flight by a previous run are requeued first.
func (a *App) Start(ctx context.Context) error {
	if err := a.Pipeline.Recover(ctx); err != nil {
		return fmt.Errorf("recovering interrupted ingestions: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	go func() {
		defer close(a.done)
		done := make(chan struct{})
		go func() {
			defer close(done)
			a.Scheduler.Run(runCtx)
		}()
		if err := a.Pipeline.Run(runCtx); err != nil && runCtx.Err() == nil {
			a.Logger.Error("ingestion pipeline stopped", "error", err)
		}
		<-done
	}()

	a.Logger.Info("background workers started",
		"ingest_workers", a.Config.IngestWorkers,
		"memory_interval", a.Config.MemoryInterval)
	return nil
}
