package ingest_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/corvid-labs/grounder/internal/chunk"
	"github.com/corvid-labs/grounder/internal/document"
	"github.com/corvid-labs/grounder/internal/embed"
	"github.com/corvid-labs/grounder/internal/extract"
	"github.com/corvid-labs/grounder/internal/ingest"
	"github.com/corvid-labs/grounder/internal/objectstore"
	"github.com/corvid-labs/grounder/internal/testutil"
	"github.com/corvid-labs/grounder/internal/vectorstore"
)

type fixture struct {
	docs     *document.Store
	objects  *objectstore.MemStore
	vectors  *vectorstore.Store
	embedder *testutil.MockEmbedder
	pipeline *ingest.Pipeline
	cancel   context.CancelFunc
	done     *sync.WaitGroup
}

func setup(t *testing.T, embedTries uint) (*fixture, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	db, cleanupDB := testutil.SetupTestDB(t)

	logger := testutil.DiscardLogger()
	docs, err := document.NewStore(db.Pool, logger)
	if err != nil {
		t.Fatalf("document.NewStore: %v", err)
	}
	vectors, err := vectorstore.New(db.Pool, logger)
	if err != nil {
		t.Fatalf("vectorstore.New: %v", err)
	}

	mockEmb := testutil.NewMockEmbedder(768)
	g := testutil.NewGenkit(t)
	client, err := embed.New(mockEmb.Register(g), embed.Config{
		Dimension:         768,
		ModelVersion:      "mock@1",
		RequestsPerSecond: 1000,
		MaxTries:          embedTries,
	}, logger)
	if err != nil {
		t.Fatalf("embed.New: %v", err)
	}

	objects := objectstore.NewMemStore()
	pipeline, err := ingest.New(docs, objects, extract.New(nil), client, vectors, ingest.Config{
		Workers:     2,
		MaxAttempts: 3,
		ChunkParams: chunk.Params{TargetTokens: 20, OverlapTokens: 4},
	}, logger)
	if err != nil {
		t.Fatalf("ingest.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = pipeline.Run(ctx)
	}()

	f := &fixture{docs: docs, objects: objects, vectors: vectors, embedder: mockEmb, pipeline: pipeline, cancel: cancel, done: &wg}
	cleanup := func() {
		cancel()
		wg.Wait()
		cleanupDB()
	}
	return f, cleanup
}

func (f *fixture) upload(t *testing.T, owner, name, mimeType, content string) *document.Document {
	t.Helper()
	uri := "mem://" + name
	f.objects.Put(uri, []byte(content))
	doc, err := f.docs.Create(context.Background(), owner, name, uri, mimeType)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return doc
}

func waitForTerminal(t *testing.T, docs *document.Store, id uuid.UUID, timeout time.Duration) *document.Document {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		doc, err := docs.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if doc.Terminal() {
			return doc
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("document %s did not reach a terminal status within %v", id, timeout)
	return nil
}

func TestPipeline_ProcessesDocument(t *testing.T) {
	f, cleanup := setup(t, 4)
	defer cleanup()
	ctx := context.Background()

	text := strings.Repeat("The quarterly report shows steady growth across regions. ", 10)
	doc := f.upload(t, "alice", "report.txt", "text/plain", text)
	if err := f.pipeline.Submit(doc.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitForTerminal(t, f.docs, doc.ID, 15*time.Second)
	if final.Status != document.StatusProcessed {
		t.Fatalf("status = %q (%s: %s)", final.Status, final.FailureKind, final.FailureReason)
	}

	chunks, err := f.docs.ListChunks(ctx, doc.ID, final.IngestVersion)
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("no chunks persisted")
	}

	matches, err := f.vectors.Query(ctx, testutil.DeterministicVector(chunks[0].Text, 768),
		vectorstore.Filter{Namespace: vectorstore.NamespaceChunks, OwnerID: "alice"}, 5, 0.9)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("indexed chunk not retrievable")
	}
	if matches[0].ModelVersion != "mock@1" {
		t.Errorf("ModelVersion = %q", matches[0].ModelVersion)
	}
	if matches[0].Metadata["document_name"] != "report.txt" {
		t.Errorf("metadata = %v", matches[0].Metadata)
	}
}

func TestPipeline_UnsupportedTypeFailsTerminally(t *testing.T) {
	f, cleanup := setup(t, 4)
	defer cleanup()

	doc := f.upload(t, "alice", "archive.zip", "application/zip", "not really a zip")
	if err := f.pipeline.Submit(doc.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitForTerminal(t, f.docs, doc.ID, 10*time.Second)
	if final.Status != document.StatusFailed {
		t.Fatalf("status = %q, want failed", final.Status)
	}
	if final.FailureKind != document.FailureTerminal {
		t.Errorf("FailureKind = %q, want terminal", final.FailureKind)
	}
	if final.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1 (terminal failures are not retried)", final.Attempts)
	}
}

func TestPipeline_RetryableFailureRecovers(t *testing.T) {
	f, cleanup := setup(t, 2)
	defer cleanup()

	// Two provider failures exhaust the embed client's tries on the first
	// pipeline pass; the document requeues and the second pass succeeds.
	f.embedder.FailNext(2, errors.New("503 service unavailable"))

	doc := f.upload(t, "alice", "notes.md", "text/markdown", "short note about retries and recovery")
	if err := f.pipeline.Submit(doc.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitForTerminal(t, f.docs, doc.ID, 30*time.Second)
	if final.Status != document.StatusProcessed {
		t.Fatalf("status = %q (%s: %s)", final.Status, final.FailureKind, final.FailureReason)
	}
	if final.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", final.Attempts)
	}
}

func TestPipeline_AttemptCapStopsRetries(t *testing.T) {
	f, cleanup := setup(t, 1)
	defer cleanup()

	f.embedder.FailNext(1000, errors.New("503 service unavailable"))

	doc := f.upload(t, "alice", "doomed.txt", "text/plain", "this one never embeds")
	if err := f.pipeline.Submit(doc.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// A failed observation can race a pending requeue, so poll until the
	// attempt count settles at the cap.
	var final *document.Document
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		cur, err := f.docs.Get(context.Background(), doc.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if cur.Status == document.StatusFailed && cur.Attempts >= 3 {
			final = cur
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	if final == nil {
		t.Fatal("document never exhausted its attempts")
	}
	if final.Status != document.StatusFailed || final.FailureKind != document.FailureRetryable {
		t.Fatalf("final = (%s, %s)", final.Status, final.FailureKind)
	}
	if final.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", final.Attempts)
	}
}

func TestPipeline_ReingestPrunesStaleVersions(t *testing.T) {
	f, cleanup := setup(t, 4)
	defer cleanup()
	ctx := context.Background()

	doc := f.upload(t, "alice", "living.txt", "text/plain", "original content of the living document")
	if err := f.pipeline.Submit(doc.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	first := waitForTerminal(t, f.docs, doc.ID, 15*time.Second)
	if first.Status != document.StatusProcessed {
		t.Fatalf("first pass status = %q", first.Status)
	}

	// Replace the source and re-ingest.
	f.objects.Put(doc.SourceURI, []byte("revised content, second edition"))
	requeued, err := f.docs.Requeue(ctx, first.ID, first.Version, true)
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if requeued.IngestVersion != 2 {
		t.Fatalf("IngestVersion = %d, want 2", requeued.IngestVersion)
	}
	if err := f.pipeline.Submit(requeued.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second := waitForTerminal(t, f.docs, doc.ID, 15*time.Second)
	if second.Status != document.StatusProcessed {
		t.Fatalf("second pass status = %q", second.Status)
	}

	if _, err := f.docs.ListChunks(ctx, doc.ID, 1); err != nil {
		t.Fatalf("ListChunks v1: %v", err)
	}
	v1, _ := f.docs.ListChunks(ctx, doc.ID, 1)
	if len(v1) != 0 {
		t.Errorf("stale chunks remain: %d", len(v1))
	}
	v2, err := f.docs.ListChunks(ctx, doc.ID, 2)
	if err != nil || len(v2) == 0 {
		t.Fatalf("ListChunks v2 = (%d, %v)", len(v2), err)
	}

	matches, err := f.vectors.Query(ctx, testutil.DeterministicVector(v2[0].Text, 768),
		vectorstore.Filter{Namespace: vectorstore.NamespaceChunks, OwnerID: "alice", DocumentID: &doc.ID}, 10, -1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	for _, m := range matches {
		if !strings.HasPrefix(m.ID, chunk.IDPrefix(doc.ID, 2)) {
			t.Errorf("stale vector survived pruning: %s", m.ID)
		}
	}
}

func TestPipeline_ReingestUnchangedContentAddsNothing(t *testing.T) {
	f, cleanup := setup(t, 4)
	defer cleanup()
	ctx := context.Background()

	text := strings.Repeat("Stable content that is identical on every ingestion pass. ", 8)
	doc := f.upload(t, "alice", "stable.txt", "text/plain", text)
	if err := f.pipeline.Submit(doc.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	first := waitForTerminal(t, f.docs, doc.ID, 15*time.Second)
	if first.Status != document.StatusProcessed {
		t.Fatalf("first pass status = %q", first.Status)
	}
	before, err := f.docs.ListChunks(ctx, doc.ID, first.IngestVersion)
	if err != nil || len(before) == 0 {
		t.Fatalf("ListChunks = (%d, %v)", len(before), err)
	}

	// Re-ingest the same bytes.
	requeued, err := f.docs.Requeue(ctx, first.ID, first.Version, true)
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if err := f.pipeline.Submit(requeued.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second := waitForTerminal(t, f.docs, doc.ID, 15*time.Second)
	if second.Status != document.StatusProcessed {
		t.Fatalf("second pass status = %q", second.Status)
	}

	after, err := f.docs.ListChunks(ctx, doc.ID, second.IngestVersion)
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if len(after) != len(before) {
		t.Errorf("chunks = %d after reingest, want %d", len(after), len(before))
	}
	stale, _ := f.docs.ListChunks(ctx, doc.ID, first.IngestVersion)
	if len(stale) != 0 {
		t.Errorf("stale chunks remain: %d", len(stale))
	}

	// Exactly one vector per chunk, all stamped with the new run.
	matches, err := f.vectors.Query(ctx, testutil.DeterministicVector(after[0].Text, 768),
		vectorstore.Filter{Namespace: vectorstore.NamespaceChunks, OwnerID: "alice", DocumentID: &doc.ID},
		len(after)+10, -1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != len(after) {
		t.Errorf("indexed vectors = %d, want %d", len(matches), len(after))
	}
	for _, m := range matches {
		if !strings.HasPrefix(m.ID, chunk.IDPrefix(doc.ID, second.IngestVersion)) {
			t.Errorf("stale vector survived pruning: %s", m.ID)
		}
	}
}

func TestPipeline_RecoverRequeuesUploaded(t *testing.T) {
	f, cleanup := setup(t, 4)
	defer cleanup()

	// Created but never submitted, as after a crash between the upload
	// handler and the queue.
	doc := f.upload(t, "alice", "pending.txt", "text/plain", "uploaded but never picked up")

	if err := f.pipeline.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	final := waitForTerminal(t, f.docs, doc.ID, 15*time.Second)
	if final.Status != document.StatusProcessed {
		t.Fatalf("status = %q (%s: %s)", final.Status, final.FailureKind, final.FailureReason)
	}
}

func TestPipeline_RecoverRequeuesStrandedDocument(t *testing.T) {
	f, cleanup := setup(t, 4)
	defer cleanup()
	ctx := context.Background()

	doc := f.upload(t, "alice", "stranded.txt", "text/plain", "worker died while extracting this")
	// A worker that crashed after claiming the document leaves it parked
	// mid-stage with no one coming back for it.
	if _, err := f.docs.Transition(ctx, doc.ID, doc.Version, document.StatusUploaded, document.StatusExtracting); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	if err := f.pipeline.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	final := waitForTerminal(t, f.docs, doc.ID, 15*time.Second)
	if final.Status != document.StatusProcessed {
		t.Fatalf("status = %q (%s: %s)", final.Status, final.FailureKind, final.FailureReason)
	}
}

func TestPipeline_SubmitDeduplicates(t *testing.T) {
	f, cleanup := setup(t, 4)
	defer cleanup()

	f.embedder.FailNext(1, errors.New("503 service unavailable"))
	doc := f.upload(t, "alice", "dup.txt", "text/plain", "duplicate submission target")

	if err := f.pipeline.Submit(doc.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// A second submission while the first is queued or running reports
	// ErrAlreadyQueued.
	err := f.pipeline.Submit(doc.ID)
	if err != nil && !errors.Is(err, ingest.ErrAlreadyQueued) {
		t.Errorf("second Submit err = %v", err)
	}

	final := waitForTerminal(t, f.docs, doc.ID, 30*time.Second)
	if final.Status != document.StatusProcessed {
		t.Fatalf("status = %q", final.Status)
	}
}
