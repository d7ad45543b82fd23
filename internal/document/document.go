// Package document holds the document records the ingestion pipeline
// drives through their status lifecycle.
package document

import (
	"time"

	"github.com/google/uuid"
)

// Status is the pipeline position of a document.
//
//	uploaded -> extracting -> chunking -> embedding -> processed
//
// Any in-flight status can fall to failed; processed and failed can be
// requeued to uploaded by re-ingestion.
type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusExtracting Status = "extracting"
	StatusChunking   Status = "chunking"
	StatusEmbedding  Status = "embedding"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
)

// FailureKind distinguishes failures worth retrying from dead ends.
type FailureKind string

const (
	// FailureRetryable covers transient causes: provider outages,
	// storage hiccups. The pipeline retries these up to its attempt cap.
	FailureRetryable FailureKind = "retryable"

	// FailureTerminal covers causes retries cannot fix: unsupported or
	// corrupt content, empty extraction.
	FailureTerminal FailureKind = "terminal"
)

// validTransitions maps each status to the statuses it may move to.
var validTransitions = map[Status][]Status{
	StatusUploaded:   {StatusExtracting},
	StatusExtracting: {StatusChunking, StatusFailed, StatusUploaded},
	StatusChunking:   {StatusEmbedding, StatusFailed, StatusUploaded},
	StatusEmbedding:  {StatusProcessed, StatusFailed, StatusUploaded},
	StatusProcessed:  {StatusUploaded},
	StatusFailed:     {StatusUploaded},
}

// CanTransition reports whether moving from one status to another is part
// of the lifecycle. In-flight statuses may return to uploaded when a
// retryable failure requeues the document.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Document is one ingested source. Version increments on every update and
// guards compare-and-swap status transitions; IngestVersion increments on
// re-ingestion and namespaces the chunk ids of each run.
type Document struct {
	ID            uuid.UUID
	OwnerID       string
	Name          string
	SourceURI     string
	MIMEType      string
	Status        Status
	FailureKind   FailureKind
	FailureReason string
	Attempts      int
	IngestVersion int64
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Terminal reports whether the document has left the pipeline.
func (d *Document) Terminal() bool {
	return d.Status == StatusProcessed || d.Status == StatusFailed
}
