package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/corvid-labs/grounder/internal/retrieval"
	"github.com/corvid-labs/grounder/internal/session"
	"github.com/corvid-labs/grounder/internal/testutil"
)

func setup(t *testing.T) (*session.Store, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	db, cleanup := testutil.SetupTestDB(t)
	store, err := session.NewStore(db.Pool, testutil.DiscardLogger())
	if err != nil {
		cleanup()
		t.Fatalf("NewStore: %v", err)
	}
	return store, cleanup
}

func turn(id, user, assistant string) session.Turn {
	return session.Turn{TurnID: id, UserContent: user, AssistantContent: assistant}
}

func TestStore_CreateGetList(t *testing.T) {
	store, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	sess, err := store.Create(ctx, "alice", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.Title != "" {
		t.Errorf("Title = %q, want empty", sess.Title)
	}

	if _, err := store.Get(ctx, sess.ID, "bob"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("foreign owner read err = %v, want ErrNotFound", err)
	}
	got, err := store.Get(ctx, sess.ID, "alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != sess.ID {
		t.Errorf("got = %+v", got)
	}

	list, err := store.List(ctx, "alice", 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("len = %d, want 1", len(list))
	}
}

func TestStore_AppendTurnAndHistory(t *testing.T) {
	store, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	sess, _ := store.Create(ctx, "alice", "")
	cites := []retrieval.Citation{{DocumentName: "report.pdf", SourceLabel: "page 2", Snippet: "Revenue grew 12%", Score: 0.91}}

	msgID, err := store.AppendTurn(ctx, sess.ID, session.Turn{
		TurnID:           "turn-1",
		UserContent:      "What was Q3 revenue growth?",
		AssistantContent: "Revenue grew 12% in Q3 [1].",
		Citations:        cites,
	})
	if err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	if msgID == uuid.Nil {
		t.Error("AppendTurn returned nil message id")
	}

	msgs, err := store.History(ctx, sess.ID, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[0].Role != session.RoleUser || msgs[1].Role != session.RoleAssistant {
		t.Errorf("roles = %s, %s", msgs[0].Role, msgs[1].Role)
	}
	if msgs[0].SequenceNumber != 1 || msgs[1].SequenceNumber != 2 {
		t.Errorf("sequence = %d, %d", msgs[0].SequenceNumber, msgs[1].SequenceNumber)
	}
	if len(msgs[1].Citations) != 1 || msgs[1].Citations[0].DocumentName != "report.pdf" {
		t.Errorf("citations = %+v", msgs[1].Citations)
	}
	if len(msgs[0].Citations) != 0 {
		t.Errorf("user message has citations: %+v", msgs[0].Citations)
	}
}

func TestStore_AppendTurnExactlyOnce(t *testing.T) {
	store, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	sess, _ := store.Create(ctx, "alice", "")
	first := turn("turn-1", "hello", "hi there")
	if _, err := store.AppendTurn(ctx, sess.ID, first); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}

	// A retry of the same turn must not duplicate anything, even with
	// different content.
	retry := turn("turn-1", "hello", "hi there, retried")
	if _, err := store.AppendTurn(ctx, sess.ID, retry); !errors.Is(err, session.ErrDuplicateTurn) {
		t.Fatalf("retry err = %v, want ErrDuplicateTurn", err)
	}

	count, err := store.CountMessages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("CountMessages: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
	msgs, _ := store.Messages(ctx, sess.ID)
	if msgs[1].Content != "hi there" {
		t.Errorf("original turn was overwritten: %q", msgs[1].Content)
	}
}

func TestStore_AppendTurnConcurrentSequences(t *testing.T) {
	store, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	sess, _ := store.Create(ctx, "alice", "")

	const turns = 8
	var wg sync.WaitGroup
	errs := make([]error, turns)
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.AppendTurn(ctx, sess.ID,
				turn(uuid.NewString(), "question", "answer"))
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("AppendTurn %d: %v", i, err)
		}
	}

	msgs, err := store.Messages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != turns*2 {
		t.Fatalf("len = %d, want %d", len(msgs), turns*2)
	}
	for i, m := range msgs {
		if m.SequenceNumber != i+1 {
			t.Errorf("message %d has sequence %d", i, m.SequenceNumber)
		}
	}
}

func TestStore_AppendTurnMissingSession(t *testing.T) {
	store, cleanup := setup(t)
	defer cleanup()

	_, err := store.AppendTurn(context.Background(), uuid.New(), turn("t", "u", "a"))
	if !errors.Is(err, session.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_HistoryReturnsLastN(t *testing.T) {
	store, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	sess, _ := store.Create(ctx, "alice", "")
	for i := 0; i < 5; i++ {
		if _, err := store.AppendTurn(ctx, sess.ID, turn(uuid.NewString(), "q", "a")); err != nil {
			t.Fatalf("AppendTurn: %v", err)
		}
	}

	msgs, err := store.History(ctx, sess.ID, 4)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("len = %d, want 4", len(msgs))
	}
	// The last four of ten messages, still chronological.
	if msgs[0].SequenceNumber != 7 || msgs[3].SequenceNumber != 10 {
		t.Errorf("sequences = %d..%d, want 7..10", msgs[0].SequenceNumber, msgs[3].SequenceNumber)
	}
}

func TestStore_SetTitleOnlyWhenUnset(t *testing.T) {
	store, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	sess, _ := store.Create(ctx, "alice", "")
	if err := store.SetTitle(ctx, sess.ID, "Quarterly numbers"); err != nil {
		t.Fatalf("SetTitle: %v", err)
	}
	if err := store.SetTitle(ctx, sess.ID, "Overwritten"); err != nil {
		t.Fatalf("SetTitle: %v", err)
	}
	got, _ := store.Get(ctx, sess.ID, "alice")
	if got.Title != "Quarterly numbers" {
		t.Errorf("Title = %q", got.Title)
	}
}

func TestStore_DeleteCascades(t *testing.T) {
	store, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	sess, _ := store.Create(ctx, "alice", "")
	if _, err := store.AppendTurn(ctx, sess.ID, turn("t1", "q", "a")); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	if err := store.Delete(ctx, sess.ID, "alice"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, sess.ID, "alice"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, sess.ID, "alice"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}
