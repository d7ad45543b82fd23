package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/corvid-labs/grounder/internal/log"
	"github.com/corvid-labs/grounder/internal/retrieval"
)

var (
	ErrNotFound = errors.New("session: not found")

	// ErrDuplicateTurn reports an AppendTurn whose turn id already exists
	// in the session. The original turn stands; nothing was written.
	ErrDuplicateTurn = errors.New("session: duplicate turn")
)

const sessionCols = `id, owner_id, COALESCE(title, ''), created_at, updated_at`

// Store manages sessions and messages. Safe for concurrent use.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

func NewStore(pool *pgxpool.Pool, logger log.Logger) (*Store, error) {
	if pool == nil {
		return nil, errors.New("session: nil pool")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Create starts a new session for an owner. Title may be empty; chat
// fills it in after the first exchange.
func (s *Store) Create(ctx context.Context, ownerID, title string) (*Session, error) {
	if ownerID == "" {
		return nil, errors.New("session: owner id is required")
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO sessions (owner_id, title) VALUES ($1, NULLIF($2, ''))
		 RETURNING `+sessionCols, ownerID, title)
	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	s.logger.Debug("session created", "session_id", sess.ID, "owner_id", ownerID)
	return sess, nil
}

// Get returns a session scoped to its owner; foreign sessions read as not
// found.
func (s *Store) Get(ctx context.Context, id uuid.UUID, ownerID string) (*Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE id = $1 AND owner_id = $2`, id, ownerID)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return sess, nil
}

// List returns an owner's sessions, most recently active first.
func (s *Store) List(ctx context.Context, ownerID string, limit, offset int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionCols+` FROM sessions
		 WHERE owner_id = $1 ORDER BY updated_at DESC, id LIMIT $2 OFFSET $3`,
		ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading sessions: %w", err)
	}
	return sessions, nil
}

// SetTitle updates a session title when it is still unset.
func (s *Store) SetTitle(ctx context.Context, id uuid.UUID, title string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE sessions SET title = $1 WHERE id = $2 AND title IS NULL`, title, id); err != nil {
		return fmt.Errorf("setting session title: %w", err)
	}
	return nil
}

// Delete removes a session and its messages (cascade).
func (s *Store) Delete(ctx context.Context, id uuid.UUID, ownerID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM sessions WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendTurn atomically appends a user/assistant exchange and returns the
// id of the persisted assistant message. The session row is locked for
// the transaction so concurrent appends cannot collide on sequence
// numbers, and the turn id enforces exactly-once: retrying a turn that
// already landed returns ErrDuplicateTurn without writing.
func (s *Store) AppendTurn(ctx context.Context, sessionID uuid.UUID, turn Turn) (uuid.UUID, error) {
	if turn.TurnID == "" {
		return uuid.Nil, errors.New("session: turn id is required")
	}
	if turn.UserContent == "" || turn.AssistantContent == "" {
		return uuid.Nil, errors.New("session: both turn halves are required")
	}
	citations, err := json.Marshal(orEmptyCitations(turn.Citations))
	if err != nil {
		return uuid.Nil, fmt.Errorf("encoding citations: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	// Serializes appends per session and confirms the session exists.
	var locked uuid.UUID
	err = tx.QueryRow(ctx, `SELECT id FROM sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("locking session: %w", err)
	}

	var next int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM messages WHERE session_id = $1`,
		sessionID).Scan(&next); err != nil {
		return uuid.Nil, fmt.Errorf("next sequence number: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO messages (session_id, role, content, turn_id, sequence_number)
		 VALUES ($1, 'user', $2, $3, $4)
		 ON CONFLICT (session_id, turn_id, role) WHERE turn_id <> '' DO NOTHING`,
		sessionID, turn.UserContent, turn.TurnID, next)
	if err != nil {
		return uuid.Nil, fmt.Errorf("inserting user message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return uuid.Nil, ErrDuplicateTurn
	}

	var assistantID uuid.UUID
	if err := tx.QueryRow(ctx,
		`INSERT INTO messages (session_id, role, content, citations, truncated, turn_id, sequence_number)
		 VALUES ($1, 'assistant', $2, $3, $4, $5, $6)
		 RETURNING id`,
		sessionID, turn.AssistantContent, citations, turn.Truncated, turn.TurnID, next+1).Scan(&assistantID); err != nil {
		return uuid.Nil, fmt.Errorf("inserting assistant message: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET updated_at = now() WHERE id = $1`, sessionID); err != nil {
		return uuid.Nil, fmt.Errorf("touching session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("committing turn: %w", err)
	}
	s.logger.Debug("turn appended",
		"session_id", sessionID, "turn_id", turn.TurnID, "sequence", next)
	return assistantID, nil
}

const messageCols = `id, session_id, role, content, citations, truncated, turn_id, sequence_number, created_at`

// History returns the last limit messages in chronological order.
func (s *Store) History(ctx context.Context, sessionID uuid.UUID, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT * FROM (
		    SELECT `+messageCols+` FROM messages
		    WHERE session_id = $1
		    ORDER BY sequence_number DESC LIMIT $2
		 ) recent ORDER BY sequence_number ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// Messages returns a session's full log in order.
func (s *Store) Messages(ctx context.Context, sessionID uuid.UUID) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE session_id = $1 ORDER BY sequence_number ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// CountMessages returns the size of a session's log.
func (s *Store) CountMessages(ctx context.Context, sessionID uuid.UUID) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM messages WHERE session_id = $1`, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}

func orEmptyCitations(c []retrieval.Citation) []retrieval.Citation {
	if c == nil {
		return []retrieval.Citation{}
	}
	return c
}

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	if err := row.Scan(&s.ID, &s.OwnerID, &s.Title, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func scanMessages(rows pgx.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		var citations []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &citations,
			&m.Truncated, &m.TurnID, &m.SequenceNumber, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if err := json.Unmarshal(citations, &m.Citations); err != nil {
			return nil, fmt.Errorf("decoding citations: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading messages: %w", err)
	}
	return msgs, nil
}
