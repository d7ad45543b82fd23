package document

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/corvid-labs/grounder/internal/chunk"
)

// SaveChunks writes a document's chunk rows for one ingest run. Rows are
// immutable, so conflicts on id are ignored: a retried stage that already
// wrote some rows simply fills in the rest.
func (s *Store) SaveChunks(ctx context.Context, chunks []chunk.Chunk) error {
	if len(chunks) == 0 {
		return errors.New("document: no chunks to save")
	}
	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(
			`INSERT INTO chunks (id, document_id, ingest_version, ordinal, span_start, span_end, content, source_label)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (id) DO NOTHING`,
			c.ID, c.DocumentID, c.IngestVersion, c.Ordinal, c.Start, c.End, c.Text, c.SourceLabel)
	}
	if err := s.batch(ctx, batch); err != nil {
		return fmt.Errorf("saving %d chunks: %w", len(chunks), err)
	}
	return nil
}

// ListChunks returns one ingest run's chunks in ordinal order.
func (s *Store) ListChunks(ctx context.Context, documentID uuid.UUID, ingestVersion int64) ([]chunk.Chunk, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, document_id, ingest_version, ordinal, span_start, span_end, content, source_label
		 FROM chunks
		 WHERE document_id = $1 AND ingest_version = $2
		 ORDER BY ordinal`, documentID, ingestVersion)
	if err != nil {
		return nil, fmt.Errorf("listing chunks: %w", err)
	}
	defer rows.Close()

	var chunks []chunk.Chunk
	for rows.Next() {
		var c chunk.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.IngestVersion, &c.Ordinal,
			&c.Start, &c.End, &c.Text, &c.SourceLabel); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading chunks: %w", err)
	}
	return chunks, nil
}

// PruneChunks drops every chunk row of the document outside the given
// ingest version. Called after a re-ingestion reaches processed.
func (s *Store) PruneChunks(ctx context.Context, documentID uuid.UUID, keepIngestVersion int64) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM chunks WHERE document_id = $1 AND ingest_version <> $2`,
		documentID, keepIngestVersion)
	if err != nil {
		return 0, fmt.Errorf("pruning chunks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// batch sends a batch over whatever querier the store holds.
func (s *Store) batch(ctx context.Context, batch *pgx.Batch) error {
	type batcher interface {
		SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	}
	b, ok := s.db.(batcher)
	if !ok {
		return errors.New("document: querier does not support batches")
	}
	return b.SendBatch(ctx, batch).Close()
}
