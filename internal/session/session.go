// Package session persists conversations: session records and their
// append-only message log with per-turn exactly-once semantics.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/corvid-labs/grounder/internal/retrieval"
)

// Role labels who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Session is one conversation. UpdatedAt moves on every appended turn and
// drives the memory summarizer's inactivity cutoff.
type Session struct {
	ID        uuid.UUID
	OwnerID   string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one log entry. SequenceNumber orders messages within a
// session; TurnID ties the user and assistant halves of one exchange
// together so a retried turn lands exactly once.
type Message struct {
	ID             uuid.UUID
	SessionID      uuid.UUID
	Role           Role
	Content        string
	Citations      []retrieval.Citation
	Truncated      bool
	TurnID         string
	SequenceNumber int
	CreatedAt      time.Time
}

// Turn is one complete user/assistant exchange to append.
type Turn struct {
	// TurnID must be unique within the session; retries reuse it.
	TurnID string

	UserContent      string
	AssistantContent string
	Citations        []retrieval.Citation

	// Truncated marks an assistant message cut off mid-stream.
	Truncated bool
}
