// Package vectorstore persists embeddings in Postgres with pgvector and
// serves cosine similarity queries over them.
//
// One table backs every namespace: document chunks live under "chunks",
// session summaries under "memories". Rows are addressed by caller-chosen
// ids, so writers get idempotent upserts for free.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/corvid-labs/grounder/internal/log"
)

// NamespaceChunks holds document chunk vectors, NamespaceMemories holds
// session summary vectors.
const (
	NamespaceChunks   = "chunks"
	NamespaceMemories = "memories"
)

var (
	ErrInvalidFilter = errors.New("vectorstore: namespace and owner id are required")
	ErrEmptyUpsert   = errors.New("vectorstore: no records to upsert")
)

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// beginner adds transaction support; *pgxpool.Pool satisfies it.
type beginner interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Record is one stored vector with its payload.
type Record struct {
	ID           string
	Namespace    string
	OwnerID      string
	DocumentID   *uuid.UUID
	Content      string
	SourceLabel  string
	Metadata     map[string]any
	ModelVersion string
	Embedding    []float32
	CreatedAt    time.Time
}

// Filter scopes a query. Namespace and OwnerID are mandatory so one
// owner's content can never surface in another owner's results.
type Filter struct {
	Namespace  string
	OwnerID    string
	DocumentID *uuid.UUID
}

// Match is a query hit. Score is cosine similarity in [-1, 1], higher is
// closer.
type Match struct {
	Record
	Score float64
}

// Store is safe for concurrent use.
type Store struct {
	db     beginner
	logger log.Logger
}

func New(db beginner, logger log.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("vectorstore: nil db")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{db: db, logger: logger}, nil
}

const upsertSQL = `INSERT INTO vectors
	(id, namespace, owner_id, document_id, content, source_label, metadata, model_version, embedding)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (id) DO UPDATE SET
		namespace = EXCLUDED.namespace,
		owner_id = EXCLUDED.owner_id,
		document_id = EXCLUDED.document_id,
		content = EXCLUDED.content,
		source_label = EXCLUDED.source_label,
		metadata = EXCLUDED.metadata,
		model_version = EXCLUDED.model_version,
		embedding = EXCLUDED.embedding`

// Upsert writes records atomically: either all land or none do, so a
// failed ingestion never leaves a document half indexed.
func (s *Store) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return ErrEmptyUpsert
	}
	for i, r := range records {
		if r.ID == "" || r.Namespace == "" || r.OwnerID == "" {
			return fmt.Errorf("vectorstore: record %d missing id, namespace or owner", i)
		}
		if len(r.Embedding) == 0 {
			return fmt.Errorf("vectorstore: record %d has empty embedding", i)
		}
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	batch := &pgx.Batch{}
	for _, r := range records {
		meta := r.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		batch.Queue(upsertSQL,
			r.ID, r.Namespace, r.OwnerID, r.DocumentID,
			r.Content, r.SourceLabel, meta, r.ModelVersion,
			pgvector.NewVector(r.Embedding))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upserting %d vectors: %w", len(records), err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing upsert: %w", err)
	}
	s.logger.Debug("vectors upserted", "count", len(records))
	return nil
}

// Query returns up to topK records within the filter scope whose cosine
// similarity to embedding is at least minScore, best first. Equal
// distances break toward the newest record.
func (s *Store) Query(ctx context.Context, embedding []float32, f Filter, topK int, minScore float64) ([]Match, error) {
	if f.Namespace == "" || f.OwnerID == "" {
		return nil, ErrInvalidFilter
	}
	if topK <= 0 {
		topK = 5
	}

	vec := pgvector.NewVector(embedding)
	sql := `SELECT id, namespace, owner_id, document_id, content, source_label,
	               metadata, model_version, created_at,
	               1 - (embedding <=> $1) AS score
	        FROM vectors
	        WHERE namespace = $2 AND owner_id = $3`
	args := []any{vec, f.Namespace, f.OwnerID}
	if f.DocumentID != nil {
		args = append(args, *f.DocumentID)
		sql += fmt.Sprintf(" AND document_id = $%d", len(args))
	}
	args = append(args, minScore)
	sql += fmt.Sprintf(" AND 1 - (embedding <=> $1) >= $%d", len(args))
	args = append(args, topK)
	sql += fmt.Sprintf(" ORDER BY embedding <=> $1, created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ID, &m.Namespace, &m.OwnerID, &m.DocumentID,
			&m.Content, &m.SourceLabel, &m.Metadata, &m.ModelVersion,
			&m.CreatedAt, &m.Score); err != nil {
			return nil, fmt.Errorf("scanning match: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading matches: %w", err)
	}
	return matches, nil
}

// DeleteByDocument removes every vector indexed for a document.
func (s *Store) DeleteByDocument(ctx context.Context, documentID uuid.UUID) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM vectors WHERE document_id = $1`, documentID)
	if err != nil {
		return 0, fmt.Errorf("deleting document vectors: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteByDocumentExcept prunes a document's vectors whose ids fall
// outside keepPrefix. Re-ingestion calls this after the new version is
// fully indexed so readers never observe a gap.
func (s *Store) DeleteByDocumentExcept(ctx context.Context, documentID uuid.UUID, keepPrefix string) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM vectors WHERE document_id = $1 AND left(id, length($2)) <> $2`,
		documentID, keepPrefix)
	if err != nil {
		return 0, fmt.Errorf("pruning stale vectors: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.logger.Debug("stale vectors pruned", "document_id", documentID, "count", n)
		return n, nil
	}
	return 0, nil
}

// DeleteByID removes a single vector; absent ids are not an error.
func (s *Store) DeleteByID(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM vectors WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting vector %s: %w", id, err)
	}
	return nil
}
