package document

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/corvid-labs/grounder/internal/log"
)

var (
	ErrNotFound = errors.New("document: not found")

	// ErrVersionConflict reports a lost compare-and-swap: the row changed
	// under the caller. Re-read and retry.
	ErrVersionConflict = errors.New("document: version conflict")

	// ErrInvalidTransition reports a status move the lifecycle forbids.
	ErrInvalidTransition = errors.New("document: invalid status transition")
)

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const documentCols = `id, owner_id, name, source_uri, mime_type, status,
	failure_kind, failure_reason, attempts, ingest_version, version,
	created_at, updated_at`

// Store persists documents. Safe for concurrent use.
type Store struct {
	db     querier
	logger log.Logger
}

func NewStore(db querier, logger log.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("document: nil db")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{db: db, logger: logger}, nil
}

// Create inserts a new document in status uploaded and returns it.
func (s *Store) Create(ctx context.Context, ownerID, name, sourceURI, mimeType string) (*Document, error) {
	if ownerID == "" || name == "" || sourceURI == "" || mimeType == "" {
		return nil, errors.New("document: owner, name, source uri and mime type are required")
	}
	id := uuid.New()
	row := s.db.QueryRow(ctx,
		`INSERT INTO documents (id, owner_id, name, source_uri, mime_type)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+documentCols, id, ownerID, name, sourceURI, mimeType)
	doc, err := scanDocument(row)
	if err != nil {
		return nil, fmt.Errorf("creating document: %w", err)
	}
	s.logger.Info("document created",
		"document_id", doc.ID, "owner_id", ownerID, "mime_type", mimeType)
	return doc, nil
}

// Get returns a document by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Document, error) {
	row := s.db.QueryRow(ctx, `SELECT `+documentCols+` FROM documents WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting document: %w", err)
	}
	return doc, nil
}

// GetOwned returns a document only when ownerID matches; a foreign id
// reads as not found so ownership is never disclosed.
func (s *Store) GetOwned(ctx context.Context, id uuid.UUID, ownerID string) (*Document, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+documentCols+` FROM documents WHERE id = $1 AND owner_id = $2`, id, ownerID)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting document: %w", err)
	}
	return doc, nil
}

// List returns an owner's documents, newest first.
func (s *Store) List(ctx context.Context, ownerID string, limit int) ([]*Document, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+documentCols+` FROM documents
		 WHERE owner_id = $1 ORDER BY created_at DESC, id LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// ListByStatus returns documents in the given status, oldest first, so a
// restart can requeue work in arrival order.
func (s *Store) ListByStatus(ctx context.Context, status Status, limit int) ([]*Document, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+documentCols+` FROM documents
		 WHERE status = $1 ORDER BY created_at ASC, id LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("listing documents by status: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// Transition moves a document between statuses with compare-and-swap on
// version. Returns the updated document, ErrInvalidTransition when the
// lifecycle forbids the move, or ErrVersionConflict when the row changed
// since the caller read it.
func (s *Store) Transition(ctx context.Context, id uuid.UUID, version int64, from, to Status) (*Document, error) {
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	row := s.db.QueryRow(ctx,
		`UPDATE documents
		 SET status = $1, failure_kind = '', failure_reason = '', version = version + 1, updated_at = now()
		 WHERE id = $2 AND version = $3 AND status = $4
		 RETURNING `+documentCols, to, id, version, from)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.conflictOrMissing(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("transitioning document: %w", err)
	}
	s.logger.Debug("document transitioned",
		"document_id", id, "from", from, "to", to, "version", doc.Version)
	return doc, nil
}

// Fail records a failure with its kind and reason, bumping attempts.
func (s *Store) Fail(ctx context.Context, id uuid.UUID, version int64, kind FailureKind, reason string) (*Document, error) {
	row := s.db.QueryRow(ctx,
		`UPDATE documents
		 SET status = 'failed', failure_kind = $1, failure_reason = $2,
		     attempts = attempts + 1, version = version + 1, updated_at = now()
		 WHERE id = $3 AND version = $4
		 RETURNING `+documentCols, kind, reason, id, version)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.conflictOrMissing(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failing document: %w", err)
	}
	s.logger.Warn("document failed",
		"document_id", id, "kind", kind, "reason", reason, "attempts", doc.Attempts)
	return doc, nil
}

// Requeue returns a document to uploaded for another pipeline pass. A
// re-ingestion of a processed or failed document bumps ingest_version so
// the new run writes fresh chunk ids; a transient retry keeps it.
func (s *Store) Requeue(ctx context.Context, id uuid.UUID, version int64, bumpIngest bool) (*Document, error) {
	bump := 0
	if bumpIngest {
		bump = 1
	}
	row := s.db.QueryRow(ctx,
		`UPDATE documents
		 SET status = 'uploaded', failure_kind = '', failure_reason = '',
		     attempts = CASE WHEN $1 > 0 THEN 0 ELSE attempts END,
		     ingest_version = ingest_version + $1,
		     version = version + 1, updated_at = now()
		 WHERE id = $2 AND version = $3
		 RETURNING `+documentCols, bump, id, version)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.conflictOrMissing(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("requeueing document: %w", err)
	}
	return doc, nil
}

// Delete removes a document; chunk rows cascade and vector cleanup is the
// caller's job.
func (s *Store) Delete(ctx context.Context, id uuid.UUID, ownerID string) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM documents WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// conflictOrMissing distinguishes a lost CAS from a missing row.
func (s *Store) conflictOrMissing(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM documents WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("checking document existence: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrVersionConflict
}

func scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.OwnerID, &d.Name, &d.SourceURI, &d.MIMEType,
		&d.Status, &d.FailureKind, &d.FailureReason, &d.Attempts,
		&d.IngestVersion, &d.Version, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func scanDocuments(rows pgx.Rows) ([]*Document, error) {
	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading documents: %w", err)
	}
	return docs, nil
}
