// Package ingest runs documents through the processing pipeline:
// extraction, chunking, embedding and vector indexing.
//
// A fixed worker pool consumes submitted document ids. Every stage is a
// compare-and-swap status transition, so a crashed worker leaves the
// document in a well-defined state and a restart can requeue it. Failures
// split into retryable (provider or storage trouble, retried up to a cap)
// and terminal (unsupported or corrupt content, failed immediately).
package ingest

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/corvid-labs/grounder/internal/chunk"
	"github.com/corvid-labs/grounder/internal/document"
	"github.com/corvid-labs/grounder/internal/embed"
	"github.com/corvid-labs/grounder/internal/extract"
	"github.com/corvid-labs/grounder/internal/log"
	"github.com/corvid-labs/grounder/internal/objectstore"
	"github.com/corvid-labs/grounder/internal/vectorstore"
)

var (
	// ErrQueueFull reports a submission the bounded queue cannot take.
	ErrQueueFull = errors.New("ingest: queue full")

	// ErrAlreadyQueued reports a document already waiting or in flight.
	ErrAlreadyQueued = errors.New("ingest: document already queued")
)

// Config tunes the pipeline.
type Config struct {
	// Workers is the number of concurrent pipeline workers. Defaults to 4.
	Workers int

	// MaxAttempts caps pipeline passes per document before a retryable
	// failure becomes permanent. Defaults to 5.
	MaxAttempts int

	// QueueSize bounds pending submissions. Defaults to 256.
	QueueSize int

	// ChunkParams configure the splitter.
	ChunkParams chunk.Params
}

// Pipeline is safe for concurrent use. Run must be started before Submit
// produces progress.
type Pipeline struct {
	docs      *document.Store
	objects   objectstore.Store
	extractor *extract.Extractor
	embedder  *embed.Client
	vectors   *vectorstore.Store
	cfg       Config
	logger    log.Logger

	queue chan uuid.UUID

	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}
}

func New(docs *document.Store, objects objectstore.Store, extractor *extract.Extractor,
	embedder *embed.Client, vectors *vectorstore.Store, cfg Config, logger log.Logger) (*Pipeline, error) {
	if docs == nil || objects == nil || extractor == nil || embedder == nil || vectors == nil {
		return nil, errors.New("ingest: all dependencies are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.ChunkParams.TargetTokens <= 0 {
		cfg.ChunkParams = chunk.Params{TargetTokens: 400, OverlapTokens: 40}
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Pipeline{
		docs:      docs,
		objects:   objects,
		extractor: extractor,
		embedder:  embedder,
		vectors:   vectors,
		cfg:       cfg,
		logger:    logger,
		queue:     make(chan uuid.UUID, cfg.QueueSize),
		inFlight:  make(map[uuid.UUID]struct{}),
	}, nil
}

// Submit queues a document for processing. Submitting an id that is
// already waiting or running returns ErrAlreadyQueued, which callers may
// treat as success: the work is happening either way.
func (p *Pipeline) Submit(docID uuid.UUID) error {
	p.mu.Lock()
	if _, ok := p.inFlight[docID]; ok {
		p.mu.Unlock()
		return ErrAlreadyQueued
	}
	p.inFlight[docID] = struct{}{}
	p.mu.Unlock()

	select {
	case p.queue <- docID:
		return nil
	default:
		p.release(docID)
		return ErrQueueFull
	}
}

// inFlightStatuses are the stages a crashed worker can strand a document
// in. Recover returns them to uploaded for a fresh pass.
var inFlightStatuses = []document.Status{
	document.StatusExtracting,
	document.StatusChunking,
	document.StatusEmbedding,
}

// Recover requeues documents a previous run left behind: anything still
// in uploaded, plus anything stranded mid-stage by a crash. Stranded
// documents are CAS-moved back to uploaded first; a version conflict
// means a live worker still owns the document and it is left alone.
func (p *Pipeline) Recover(ctx context.Context) error {
	docs, err := p.docs.ListByStatus(ctx, document.StatusUploaded, p.cfg.QueueSize)
	if err != nil {
		return fmt.Errorf("listing uploaded documents: %w", err)
	}
	recovered := 0
	for _, d := range docs {
		if err := p.Submit(d.ID); err != nil && !errors.Is(err, ErrAlreadyQueued) {
			return err
		}
		recovered++
	}

	for _, status := range inFlightStatuses {
		stuck, err := p.docs.ListByStatus(ctx, status, p.cfg.QueueSize)
		if err != nil {
			return fmt.Errorf("listing %s documents: %w", status, err)
		}
		for _, d := range stuck {
			requeued, err := p.docs.Transition(ctx, d.ID, d.Version, status, document.StatusUploaded)
			if errors.Is(err, document.ErrVersionConflict) || errors.Is(err, document.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("requeueing stranded document %s: %w", d.ID, err)
			}
			p.logger.Warn("requeued stranded document",
				"document_id", d.ID, "stage", status)
			if err := p.Submit(requeued.ID); err != nil && !errors.Is(err, ErrAlreadyQueued) {
				return err
			}
			recovered++
		}
	}
	if recovered > 0 {
		p.logger.Info("recovered pending documents", "count", recovered)
	}
	return nil
}

// Run starts the worker pool and blocks until ctx is canceled.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			p.logger.Debug("ingest worker started", "worker", worker)
			for {
				select {
				case <-ctx.Done():
					return nil
				case docID := <-p.queue:
					p.handle(ctx, docID)
				}
			}
		})
	}
	return g.Wait()
}

func (p *Pipeline) release(docID uuid.UUID) {
	p.mu.Lock()
	delete(p.inFlight, docID)
	p.mu.Unlock()
}

// handle runs one document through the pipeline with panic isolation: a
// panicking stage fails the document instead of killing the worker.
func (p *Pipeline) handle(ctx context.Context, docID uuid.UUID) {
	defer p.release(docID)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("ingest worker panic",
				"document_id", docID, "panic", r, "stack", string(debug.Stack()))
			if doc, err := p.docs.Get(ctx, docID); err == nil && !doc.Terminal() {
				_, _ = p.docs.Fail(ctx, doc.ID, doc.Version, document.FailureTerminal,
					fmt.Sprintf("internal error: %v", r))
			}
		}
	}()

	start := time.Now()
	if err := p.process(ctx, docID); err != nil {
		p.logger.Warn("document processing failed",
			"document_id", docID, "elapsed", time.Since(start), "error", err)
		return
	}
	p.logger.Info("document processed",
		"document_id", docID, "elapsed", time.Since(start))
}

// terminalErr reports extraction outcomes retries cannot change.
func terminalErr(err error) bool {
	return errors.Is(err, extract.ErrUnsupported) ||
		errors.Is(err, extract.ErrCorrupt) ||
		errors.Is(err, extract.ErrEmpty) ||
		errors.Is(err, objectstore.ErrNotFound) ||
		errors.Is(err, objectstore.ErrTooLarge) ||
		errors.Is(err, objectstore.ErrBadScheme) ||
		errors.Is(err, objectstore.ErrEmptyObject)
}

func (p *Pipeline) process(ctx context.Context, docID uuid.UUID) error {
	doc, err := p.docs.Get(ctx, docID)
	if err != nil {
		return err
	}
	if doc.Status != document.StatusUploaded {
		// Another worker or an earlier run got here first.
		p.logger.Debug("skipping document not in uploaded status",
			"document_id", docID, "status", doc.Status)
		return nil
	}

	doc, err = p.docs.Transition(ctx, doc.ID, doc.Version, document.StatusUploaded, document.StatusExtracting)
	if err != nil {
		if errors.Is(err, document.ErrVersionConflict) {
			return nil
		}
		return err
	}

	result, err := p.extractStage(ctx, doc)
	if err != nil {
		return p.fail(ctx, doc, err)
	}

	doc, err = p.docs.Transition(ctx, doc.ID, doc.Version, document.StatusExtracting, document.StatusChunking)
	if err != nil {
		return err
	}

	chunks, err := p.chunkStage(ctx, doc, result.Text)
	if err != nil {
		return p.fail(ctx, doc, err)
	}

	doc, err = p.docs.Transition(ctx, doc.ID, doc.Version, document.StatusChunking, document.StatusEmbedding)
	if err != nil {
		return err
	}

	if err := p.embedStage(ctx, doc, chunks); err != nil {
		return p.fail(ctx, doc, err)
	}

	doc, err = p.docs.Transition(ctx, doc.ID, doc.Version, document.StatusEmbedding, document.StatusProcessed)
	if err != nil {
		return err
	}

	// Prune superseded runs only after the new one is fully queryable.
	if _, err := p.docs.PruneChunks(ctx, doc.ID, doc.IngestVersion); err != nil {
		p.logger.Warn("chunk pruning failed", "document_id", doc.ID, "error", err)
	}
	if _, err := p.vectors.DeleteByDocumentExcept(ctx, doc.ID, chunk.IDPrefix(doc.ID, doc.IngestVersion)); err != nil {
		p.logger.Warn("vector pruning failed", "document_id", doc.ID, "error", err)
	}
	return nil
}

func (p *Pipeline) extractStage(ctx context.Context, doc *document.Document) (extract.Result, error) {
	data, err := p.objects.GetObject(ctx, doc.SourceURI)
	if err != nil {
		return extract.Result{}, fmt.Errorf("fetching %s: %w", doc.SourceURI, err)
	}
	res, err := p.extractor.Extract(ctx, doc.MIMEType, data)
	if err != nil {
		return extract.Result{}, err
	}
	return res, nil
}

func (p *Pipeline) chunkStage(_ context.Context, doc *document.Document, text string) ([]chunk.Chunk, error) {
	spans := chunk.Split(text, p.cfg.ChunkParams)
	if len(spans) == 0 {
		return nil, extract.ErrEmpty
	}
	chunks := make([]chunk.Chunk, len(spans))
	for i, s := range spans {
		chunks[i] = chunk.Chunk{
			ID:            chunk.ID(doc.ID, doc.IngestVersion, s.Ordinal),
			DocumentID:    doc.ID,
			IngestVersion: doc.IngestVersion,
			Ordinal:       s.Ordinal,
			Start:         s.Start,
			End:           s.End,
			Text:          s.Text,
			SourceLabel:   chunk.PageLabel(text, s.Start),
		}
	}
	return chunks, nil
}

func (p *Pipeline) embedStage(ctx context.Context, doc *document.Document, chunks []chunk.Chunk) error {
	if err := p.docs.SaveChunks(ctx, chunks); err != nil {
		return err
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	// The embed client batches provider requests itself and retries only
	// the batch that failed.
	vecs, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding %d chunks: %w", len(chunks), err)
	}

	records := make([]vectorstore.Record, len(chunks))
	for i, c := range chunks {
		docID := c.DocumentID
		records[i] = vectorstore.Record{
			ID:          c.ID,
			Namespace:   vectorstore.NamespaceChunks,
			OwnerID:     doc.OwnerID,
			DocumentID:  &docID,
			Content:     c.Text,
			SourceLabel: c.SourceLabel,
			Metadata: map[string]any{
				"document_name": doc.Name,
				"ordinal":       c.Ordinal,
			},
			ModelVersion: p.embedder.ModelVersion(),
			Embedding:    vecs[i],
		}
	}
	if err := p.vectors.Upsert(ctx, records); err != nil {
		return fmt.Errorf("indexing %d chunks: %w", len(records), err)
	}
	return nil
}

// fail records the failure and requeues retryable documents still under
// the attempt cap.
func (p *Pipeline) fail(ctx context.Context, doc *document.Document, cause error) error {
	kind := document.FailureRetryable
	if terminalErr(cause) {
		kind = document.FailureTerminal
	}

	failed, err := p.docs.Fail(ctx, doc.ID, doc.Version, kind, cause.Error())
	if err != nil {
		return errors.Join(cause, err)
	}
	if kind == document.FailureTerminal {
		return cause
	}
	if failed.Attempts >= p.cfg.MaxAttempts {
		p.logger.Warn("document exhausted retry attempts",
			"document_id", doc.ID, "attempts", failed.Attempts)
		return cause
	}

	requeued, err := p.docs.Requeue(ctx, failed.ID, failed.Version, false)
	if err != nil {
		return errors.Join(cause, err)
	}

	// Enqueue the retry directly, bypassing the in-flight guard: this id is
	// still marked in flight until handle returns. Delay scales with the
	// attempt count; the embed client's own backoff covers short blips.
	delay := time.Duration(failed.Attempts) * retryDelayUnit
	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(delay):
			select {
			case p.queue <- requeued.ID:
			default:
				p.logger.Warn("retry dropped, queue full", "document_id", requeued.ID)
			}
		}
	}()
	return cause
}

// retryDelayUnit is multiplied by the attempt count between pipeline
// retries of the same document.
const retryDelayUnit = 2 * time.Second
