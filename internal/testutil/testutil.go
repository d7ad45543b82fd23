// Package testutil provides shared test infrastructure: a deterministic
// mock model and embedder registered through Genkit, a discard logger and
// a pgvector-enabled Postgres container helper.
package testutil

import (
	"context"
	"log/slog"
	"testing"

	"github.com/firebase/genkit/go/genkit"
)

// DiscardLogger returns a slog.Logger that drops all output. Components
// taking log.Logger (an alias for *slog.Logger) accept it directly.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// NewGenkit initializes a Genkit instance with no provider plugins for
// registering mock models and embedders.
func NewGenkit(t *testing.T) *genkit.Genkit {
	t.Helper()
	g := genkit.Init(context.Background())
	return g
}
