package memory_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/google/uuid"

	"github.com/corvid-labs/grounder/internal/embed"
	"github.com/corvid-labs/grounder/internal/memory"
	"github.com/corvid-labs/grounder/internal/retrieval"
	"github.com/corvid-labs/grounder/internal/session"
	"github.com/corvid-labs/grounder/internal/testutil"
	"github.com/corvid-labs/grounder/internal/vectorstore"
)

const dim = 768

type fixture struct {
	summarizer *memory.Summarizer
	sessions   *session.Store
	vectors    *vectorstore.Store
	retriever  *retrieval.Retriever
	embedder   *embed.Client
	g          *genkit.Genkit
	model      *testutil.MockModel
	db         *testutil.TestDB
}

func setup(t *testing.T) (*fixture, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	db, cleanup := testutil.SetupTestDB(t)

	logger := testutil.DiscardLogger()
	g := testutil.NewGenkit(t)
	model := testutil.NewMockModel("The user discussed project planning.")
	model.Register(g)
	mockEmb := testutil.NewMockEmbedder(dim)

	client, err := embed.New(mockEmb.Register(g), embed.Config{
		Dimension: dim, ModelVersion: "mock@1", RequestsPerSecond: 1000,
	}, logger)
	if err != nil {
		t.Fatalf("embed.New: %v", err)
	}
	vectors, err := vectorstore.New(db.Pool, logger)
	if err != nil {
		t.Fatalf("vectorstore.New: %v", err)
	}
	sessions, err := session.NewStore(db.Pool, logger)
	if err != nil {
		t.Fatalf("session.NewStore: %v", err)
	}
	retriever, err := retrieval.New(client, vectors, retrieval.Config{TopK: 5, MinScore: 0.35}, logger)
	if err != nil {
		t.Fatalf("retrieval.New: %v", err)
	}

	summarizer, err := memory.New(db.Pool, sessions, client, vectors, g, memory.Config{
		ModelName:     "mock/chat",
		InactiveAfter: time.Nanosecond, // every session counts as idle
		FailureCap:    3,
	}, logger)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	return &fixture{
		summarizer: summarizer,
		sessions:   sessions,
		vectors:    vectors,
		retriever:  retriever,
		embedder:   client,
		g:          g,
		model:      model,
		db:         db,
	}, cleanup
}

func (f *fixture) addTurn(t *testing.T, sessionID uuid.UUID, user, assistant string) {
	t.Helper()
	_, err := f.sessions.AppendTurn(context.Background(), sessionID, session.Turn{
		TurnID:           uuid.NewString(),
		UserContent:      user,
		AssistantContent: assistant,
	})
	if err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
}

func (f *fixture) summaryCount(t *testing.T) int {
	t.Helper()
	var n int
	if err := f.db.Pool.QueryRow(context.Background(),
		`SELECT count(*) FROM memory_summaries`).Scan(&n); err != nil {
		t.Fatalf("counting summaries: %v", err)
	}
	return n
}

func TestRunOnce_SummarizesIdleSession(t *testing.T) {
	f, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	sess, _ := f.sessions.Create(ctx, "alice", "trip planning")
	f.addTurn(t, sess.ID, "I am planning a trip to Kyoto in October",
		"October is a great time, autumn colors start mid-month.")
	f.model.AddResponse("kyoto", "The user is planning a trip to Kyoto in October.")

	n, err := f.summarizer.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("summarized = %d, want 1", n)
	}

	sum, err := f.summarizer.Lookup(ctx, "alice", sess.ID)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !strings.Contains(sum.Text, "Kyoto") {
		t.Errorf("summary = %q", sum.Text)
	}
	if sum.ProcessedVersion != 2 {
		t.Errorf("ProcessedVersion = %d, want 2", sum.ProcessedVersion)
	}

	// The memory is retrievable by similarity in the memories namespace.
	passages, err := f.retriever.RetrieveMemories(ctx, "alice", sum.Text, 3)
	if err != nil {
		t.Fatalf("RetrieveMemories: %v", err)
	}
	if len(passages) != 1 || !strings.Contains(passages[0].Content, "Kyoto") {
		t.Errorf("passages = %+v", passages)
	}
}

func TestRunOnce_RerunIsNoOp(t *testing.T) {
	f, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	sess, _ := f.sessions.Create(ctx, "alice", "t")
	f.addTurn(t, sess.ID, "hello there", "hello")

	if n, _ := f.summarizer.RunOnce(ctx); n != 1 {
		t.Fatalf("first run summarized %d, want 1", n)
	}
	n, err := f.summarizer.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if n != 0 {
		t.Errorf("second run summarized %d, want 0", n)
	}
	if got := f.summaryCount(t); got != 1 {
		t.Errorf("summary rows = %d, want 1", got)
	}
}

func TestRunOnce_RefreshesGrownSession(t *testing.T) {
	f, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	sess, _ := f.sessions.Create(ctx, "alice", "t")
	f.addTurn(t, sess.ID, "first topic", "noted")
	if n, _ := f.summarizer.RunOnce(ctx); n != 1 {
		t.Fatal("initial summarization failed")
	}

	f.addTurn(t, sess.ID, "second topic", "also noted")
	n, err := f.summarizer.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce after growth: %v", err)
	}
	if n != 1 {
		t.Fatalf("summarized = %d, want 1", n)
	}

	sum, _ := f.summarizer.Lookup(ctx, "alice", sess.ID)
	if sum.ProcessedVersion != 4 {
		t.Errorf("ProcessedVersion = %d, want 4", sum.ProcessedVersion)
	}
	if got := f.summaryCount(t); got != 1 {
		t.Errorf("summary rows = %d, want 1", got)
	}
}

func TestRunOnce_SkipsEmptySessions(t *testing.T) {
	f, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := f.sessions.Create(ctx, "alice", "t"); err != nil {
		t.Fatal(err)
	}

	n, err := f.summarizer.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 0 {
		t.Errorf("summarized = %d, want 0", n)
	}
}

func TestRunOnce_SummarizedBacklogDoesNotStarveNewSessions(t *testing.T) {
	f, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	small, err := memory.New(f.db.Pool, f.sessions, f.embedder, f.vectors, f.g, memory.Config{
		ModelName:     "mock/chat",
		InactiveAfter: time.Nanosecond,
		FailureCap:    3,
		BatchLimit:    2,
	}, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}

	// Two idle sessions, both summarized: together they would fill the
	// whole batch if summarized sessions were still selected.
	for i := 0; i < 2; i++ {
		sess, _ := f.sessions.Create(ctx, "alice", "old")
		f.addTurn(t, sess.ID, "old topic", "noted")
	}
	if n, err := small.RunOnce(ctx); err != nil || n != 2 {
		t.Fatalf("first cycle = (%d, %v), want (2, nil)", n, err)
	}

	fresh, _ := f.sessions.Create(ctx, "alice", "fresh")
	f.addTurn(t, fresh.ID, "fresh topic", "noted")

	// The fresh session is newest, so it must not be crowded out of the
	// batch by the older, already-covered sessions.
	n, err := small.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if n != 1 {
		t.Fatalf("summarized = %d, want 1", n)
	}
	if _, err := small.Lookup(ctx, "alice", fresh.ID); err != nil {
		t.Errorf("fresh session was never summarized: %v", err)
	}
}

func TestRunOnce_FailureIsolatedAndCapped(t *testing.T) {
	f, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	broken, _ := f.sessions.Create(ctx, "alice", "broken")
	f.addTurn(t, broken.ID, "please fail on this one", "ok")
	healthy, _ := f.sessions.Create(ctx, "bob", "healthy")
	f.addTurn(t, healthy.ID, "healthy conversation", "indeed")

	// Both sessions trigger one model call per cycle; fail them all so
	// the broken session keeps failing while we verify isolation below.
	fail := errors.New("model exploded")

	// Cycle 1: broken fails, healthy succeeds.
	f.model.FailNext(1, fail)
	n, err := f.summarizer.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("summarized = %d, want 1 (healthy session)", n)
	}
	if _, err := f.summarizer.Lookup(ctx, "bob", healthy.ID); err != nil {
		t.Errorf("healthy session was not summarized: %v", err)
	}

	var attempts int
	if err := f.db.Pool.QueryRow(ctx,
		`SELECT attempts FROM memory_failures WHERE session_id = $1`, broken.ID).Scan(&attempts); err != nil {
		t.Fatalf("reading failure record: %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}

	// Two more failing cycles reach the cap.
	for i := 0; i < 2; i++ {
		f.model.FailNext(1, fail)
		if _, err := f.summarizer.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	}
	f.db.Pool.QueryRow(ctx,
		`SELECT attempts FROM memory_failures WHERE session_id = $1`, broken.ID).Scan(&attempts)
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}

	// At the cap the session is skipped: the model is not called again.
	before := len(f.model.Calls())
	if _, err := f.summarizer.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce at cap: %v", err)
	}
	if after := len(f.model.Calls()); after != before {
		t.Errorf("model calls grew from %d to %d for a capped session", before, after)
	}
}

func TestRunOnce_SuccessClearsFailureRecord(t *testing.T) {
	f, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	sess, _ := f.sessions.Create(ctx, "alice", "t")
	f.addTurn(t, sess.ID, "flaky conversation", "ok")

	f.model.FailNext(1, errors.New("transient outage"))
	if _, err := f.summarizer.RunOnce(ctx); err != nil {
		t.Fatalf("failing RunOnce: %v", err)
	}
	if n, err := f.summarizer.RunOnce(ctx); err != nil || n != 1 {
		t.Fatalf("recovering RunOnce = (%d, %v), want (1, nil)", n, err)
	}

	var count int
	f.db.Pool.QueryRow(ctx,
		`SELECT count(*) FROM memory_failures WHERE session_id = $1`, sess.ID).Scan(&count)
	if count != 0 {
		t.Errorf("failure records = %d, want 0 after success", count)
	}
}

func TestScheduler_StopsOnCancel(t *testing.T) {
	f, cleanup := setup(t)
	defer cleanup()

	sched := memory.NewScheduler(f.summarizer, 10*time.Millisecond, testutil.DiscardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	time.Sleep(30 * time.Millisecond) // let at least one tick fire
	cancel()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}
