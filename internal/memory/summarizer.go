// Package memory distills inactive chat sessions into long-term memories.
//
// A background cycle finds sessions that have gone quiet, asks the model
// for a short summary of what the user was doing and deciding, embeds it,
// and stores it in the memories namespace of the vector store. Later
// chat turns retrieve these summaries as background context. Summaries
// are keyed per session and refreshed only when the conversation has
// grown since the last pass, so rerunning a cycle is a no-op.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/corvid-labs/grounder/internal/embed"
	"github.com/corvid-labs/grounder/internal/log"
	"github.com/corvid-labs/grounder/internal/session"
	"github.com/corvid-labs/grounder/internal/vectorstore"
)

const summaryPrompt = `Summarize the following conversation in at most four sentences.
Focus on what the user was trying to accomplish, key facts they provided, and
decisions or conclusions reached. Write in the third person. Reply with the
summary only.

Conversation:
%s`

const (
	// maxSummaryRunes caps stored summaries; model output beyond this is cut.
	maxSummaryRunes = 2000

	// maxConversationRunes caps the transcript sent to the model.
	maxConversationRunes = 24000
)

// Summary is one session's long-term memory record. ProcessedVersion is
// the message count the summary covers; a session with more messages than
// that is due for a refresh.
type Summary struct {
	ID               uuid.UUID
	OwnerID          string
	SessionID        uuid.UUID
	Text             string
	ProcessedVersion int
	CreatedAt        time.Time
}

// Config tunes the summarizer. Zero values take defaults.
type Config struct {
	ModelName string

	// InactiveAfter is how long a session must be idle before it is
	// summarized. Defaults to 30 minutes.
	InactiveAfter time.Duration

	// FailureCap is how many failed attempts a session gets before it is
	// permanently skipped. Defaults to 3.
	FailureCap int

	// BatchLimit caps sessions handled per cycle. Defaults to 20.
	BatchLimit int
}

func (c Config) withDefaults() Config {
	if c.InactiveAfter <= 0 {
		c.InactiveAfter = 30 * time.Minute
	}
	if c.FailureCap <= 0 {
		c.FailureCap = 3
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 20
	}
	return c
}

// Summarizer turns idle sessions into retrievable memories.
type Summarizer struct {
	pool     *pgxpool.Pool
	sessions *session.Store
	embedder *embed.Client
	vectors  *vectorstore.Store
	g        *genkit.Genkit
	cfg      Config
	logger   log.Logger
}

func New(pool *pgxpool.Pool, sessions *session.Store, embedder *embed.Client, vectors *vectorstore.Store, g *genkit.Genkit, cfg Config, logger log.Logger) (*Summarizer, error) {
	if pool == nil || sessions == nil || embedder == nil || vectors == nil || g == nil {
		return nil, errors.New("memory: pool, session store, embedder, vector store and genkit are required")
	}
	if cfg.ModelName == "" {
		return nil, errors.New("memory: model name is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Summarizer{
		pool:     pool,
		sessions: sessions,
		embedder: embedder,
		vectors:  vectors,
		g:        g,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}, nil
}

// RunOnce executes a single summarization cycle and returns how many
// sessions were summarized. A failure on one session is recorded against
// that session and never aborts the rest of the batch.
func (s *Summarizer) RunOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.cfg.InactiveAfter)
	sessions, err := s.listEligible(ctx, cutoff, s.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("listing eligible sessions: %w", err)
	}

	summarized := 0
	for _, sess := range sessions {
		if ctx.Err() != nil {
			return summarized, ctx.Err()
		}
		done, err := s.summarizeSession(ctx, sess)
		if err != nil {
			s.logger.Warn("session summarization failed",
				"session_id", sess.ID, "error", err)
			s.recordFailure(ctx, sess.ID, err)
			continue
		}
		if done {
			summarized++
		}
	}
	if summarized > 0 {
		s.logger.Info("memory cycle complete", "summarized", summarized)
	}
	return summarized, nil
}

// listEligible returns idle sessions that still need work: the message
// count has grown past the stored processed_version and the failure
// count is under the cap. The predicate lives in the query so a backlog
// of already-summarized idle sessions can never crowd newer sessions out
// of the batch.
func (s *Summarizer) listEligible(ctx context.Context, cutoff time.Time, limit int) ([]*session.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT se.id, se.owner_id, COALESCE(se.title, ''), se.created_at, se.updated_at
		FROM sessions se
		LEFT JOIN memory_summaries ms ON ms.owner_id = se.owner_id AND ms.session_id = se.id
		LEFT JOIN memory_failures mf ON mf.session_id = se.id
		WHERE se.updated_at < $1
		  AND COALESCE(mf.attempts, 0) < $2
		  AND (SELECT count(*) FROM messages m WHERE m.session_id = se.id) > COALESCE(ms.processed_version, 0)
		ORDER BY se.updated_at ASC, se.id
		LIMIT $3`, cutoff, s.cfg.FailureCap, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*session.Session
	for rows.Next() {
		var sess session.Session
		if err := rows.Scan(&sess.ID, &sess.OwnerID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading sessions: %w", err)
	}
	return sessions, nil
}

// summarizeSession refreshes one session's memory. Returns false without
// error when the session needs nothing: already covered, empty, or past
// its failure cap. The listing query already filters on these; the
// re-check guards against concurrent cycles racing the same session.
func (s *Summarizer) summarizeSession(ctx context.Context, sess *session.Session) (bool, error) {
	var processed, attempts int
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(ms.processed_version, 0), COALESCE(mf.attempts, 0)
		FROM sessions se
		LEFT JOIN memory_summaries ms ON ms.session_id = se.id
		LEFT JOIN memory_failures mf ON mf.session_id = se.id
		WHERE se.id = $1`, sess.ID).Scan(&processed, &attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil // session deleted since listing
	}
	if err != nil {
		return false, fmt.Errorf("checking eligibility: %w", err)
	}
	if attempts >= s.cfg.FailureCap {
		s.logger.Debug("session past failure cap, skipping",
			"session_id", sess.ID, "attempts", attempts)
		return false, nil
	}

	msgs, err := s.sessions.Messages(ctx, sess.ID)
	if err != nil {
		return false, fmt.Errorf("loading messages: %w", err)
	}
	if len(msgs) == 0 || len(msgs) <= processed {
		return false, nil
	}

	text, err := s.summarize(ctx, formatConversation(msgs))
	if err != nil {
		return false, err
	}
	if text == "" {
		return false, errors.New("model returned an empty summary")
	}

	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return false, fmt.Errorf("embedding summary: %w", err)
	}
	err = s.vectors.Upsert(ctx, []vectorstore.Record{{
		ID:           "memory:" + sess.ID.String(),
		Namespace:    vectorstore.NamespaceMemories,
		OwnerID:      sess.OwnerID,
		Content:      text,
		SourceLabel:  "conversation summary",
		Metadata:     map[string]any{"session_id": sess.ID.String()},
		ModelVersion: s.embedder.ModelVersion(),
		Embedding:    vec,
	}})
	if err != nil {
		return false, fmt.Errorf("storing memory vector: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO memory_summaries (owner_id, session_id, summary, processed_version)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner_id, session_id)
		DO UPDATE SET summary = EXCLUDED.summary,
		              processed_version = EXCLUDED.processed_version`,
		sess.OwnerID, sess.ID, text, len(msgs))
	if err != nil {
		return false, fmt.Errorf("storing summary row: %w", err)
	}

	// A success clears the failure history.
	if _, err := s.pool.Exec(ctx, `DELETE FROM memory_failures WHERE session_id = $1`, sess.ID); err != nil {
		s.logger.Warn("clearing failure record failed", "session_id", sess.ID, "error", err)
	}

	s.logger.Debug("session summarized",
		"session_id", sess.ID, "messages", len(msgs))
	return true, nil
}

func (s *Summarizer) summarize(ctx context.Context, conversation string) (string, error) {
	resp, err := genkit.Generate(ctx, s.g,
		ai.WithModelName(s.cfg.ModelName),
		ai.WithPrompt(summaryPrompt, conversation),
	)
	if err != nil {
		return "", fmt.Errorf("generating summary: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if r := []rune(text); len(r) > maxSummaryRunes {
		text = string(r[:maxSummaryRunes])
	}
	return text, nil
}

func (s *Summarizer) recordFailure(ctx context.Context, sessionID uuid.UUID, cause error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO memory_failures (session_id, attempts, last_error, updated_at)
		VALUES ($1, 1, $2, now())
		ON CONFLICT (session_id)
		DO UPDATE SET attempts = memory_failures.attempts + 1,
		              last_error = EXCLUDED.last_error,
		              updated_at = now()`,
		sessionID, cause.Error())
	if err != nil {
		s.logger.Warn("recording summarization failure failed",
			"session_id", sessionID, "error", err)
	}
}

// Lookup returns the stored summary for a session, or pgx.ErrNoRows
// wrapped as a not-found error when none exists.
func (s *Summarizer) Lookup(ctx context.Context, ownerID string, sessionID uuid.UUID) (*Summary, error) {
	var sum Summary
	err := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, session_id, summary, processed_version, created_at
		FROM memory_summaries
		WHERE owner_id = $1 AND session_id = $2`, ownerID, sessionID).
		Scan(&sum.ID, &sum.OwnerID, &sum.SessionID, &sum.Text, &sum.ProcessedVersion, &sum.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading summary: %w", err)
	}
	return &sum, nil
}

// formatConversation renders messages as a plain transcript, newest last,
// trimmed from the front when it exceeds the model input cap.
func formatConversation(msgs []session.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	text := b.String()
	if r := []rune(text); len(r) > maxConversationRunes {
		text = string(r[len(r)-maxConversationRunes:])
	}
	return text
}
