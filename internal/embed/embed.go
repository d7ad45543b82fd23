// Package embed wraps a Genkit embedder with the operational behavior the
// ingestion pipeline and retriever need: fixed output dimensionality,
// client-side rate limiting, retries on transient provider errors and a
// model version stamp persisted next to every vector.
package embed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/firebase/genkit/go/ai"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/corvid-labs/grounder/internal/log"
)

var (
	// ErrServiceUnavailable reports that the provider kept failing after
	// all retries. Callers treat it as retryable at their own cadence.
	ErrServiceUnavailable = errors.New("embed: service unavailable")

	// ErrEmptyInput reports an empty text or batch.
	ErrEmptyInput = errors.New("embed: empty input")

	// ErrDimensionMismatch reports a vector whose length differs from the
	// configured dimension. Indicates provider or config drift.
	ErrDimensionMismatch = errors.New("embed: dimension mismatch")
)

// Config tunes the client. Zero values fall back to defaults.
type Config struct {
	// Dimension is the requested output dimensionality. Required.
	Dimension int

	// ModelVersion identifies the embedding model, stored with each vector
	// so stale vectors are detectable after model upgrades. Required.
	ModelVersion string

	// RequestsPerSecond caps outbound embedding calls. Defaults to 5.
	RequestsPerSecond float64

	// MaxTries bounds attempts per provider request. Defaults to 4.
	MaxTries uint

	// BatchSize caps texts per provider request; larger inputs are split
	// and sent sub-batch by sub-batch. Defaults to 16.
	BatchSize int
}

// Client is safe for concurrent use.
type Client struct {
	embedder     ai.Embedder
	limiter      *rate.Limiter
	dimension    int
	modelVersion string
	maxTries     uint
	batchSize    int
	logger       log.Logger
}

func New(embedder ai.Embedder, cfg Config, logger log.Logger) (*Client, error) {
	if embedder == nil {
		return nil, errors.New("embed: nil embedder")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("embed: invalid dimension %d", cfg.Dimension)
	}
	if cfg.ModelVersion == "" {
		return nil, errors.New("embed: empty model version")
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	tries := cfg.MaxTries
	if tries == 0 {
		tries = 4
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 16
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Client{
		embedder:     embedder,
		limiter:      rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		dimension:    cfg.Dimension,
		modelVersion: cfg.ModelVersion,
		maxTries:     tries,
		batchSize:    batch,
		logger:       logger,
	}, nil
}

// Dimension returns the configured output dimensionality.
func (c *Client) Dimension() int { return c.dimension }

// ModelVersion returns the stamp to persist alongside produced vectors.
func (c *Client) ModelVersion() string { return c.modelVersion }

// Embed returns the vector for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in order: vector i corresponds to texts[i].
// The input is sent in sub-batches of BatchSize; a transient failure
// retries only the sub-batch it hit, items already embedded are never
// resent. A sub-batch that keeps failing surfaces ErrServiceUnavailable
// so the caller can reschedule without losing position.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	docs := make([]*ai.Document, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, fmt.Errorf("%w: text %d is blank", ErrEmptyInput, i)
		}
		docs[i] = ai.DocumentFromText(t, nil)
	}

	out := make([][]float32, 0, len(texts))
	for off := 0; off < len(docs); off += c.batchSize {
		end := min(off+c.batchSize, len(docs))
		vecs, err := c.embedDocs(ctx, docs[off:end])
		if err != nil {
			return nil, fmt.Errorf("texts %d-%d: %w", off, end-1, err)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// embedDocs sends one provider request with retry on transient errors.
func (c *Client) embedDocs(ctx context.Context, docs []*ai.Document) ([][]float32, error) {
	dim := int32(c.dimension)
	req := &ai.EmbedRequest{
		Input:   docs,
		Options: &genai.EmbedContentConfig{OutputDimensionality: &dim},
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxInterval = 10 * time.Second

	start := time.Now()
	resp, err := backoff.Retry(ctx, func() (*ai.EmbedResponse, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("rate limit wait: %w", err))
		}
		resp, err := c.embedder.Embed(ctx, req)
		if err != nil {
			if retryableError(err) {
				c.logger.Debug("embedding attempt failed, will retry",
					"batch_size", len(docs), "error", err)
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return resp, nil
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(c.maxTries))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("embed batch: %w", ctx.Err())
		}
		if retryableError(err) {
			return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
		}
		return nil, fmt.Errorf("embed batch: %w", err)
	}

	if len(resp.Embeddings) != len(docs) {
		return nil, fmt.Errorf("embed batch: got %d embeddings for %d texts", len(resp.Embeddings), len(docs))
	}
	out := make([][]float32, len(docs))
	for i, e := range resp.Embeddings {
		if len(e.Embedding) != c.dimension {
			return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(e.Embedding), c.dimension)
		}
		out[i] = e.Embedding
	}
	c.logger.Debug("embedded batch",
		"batch_size", len(docs), "elapsed", time.Since(start))
	return out, nil
}

// retryablePatterns groups transient error substrings by category.
// Matched case-insensitively; provider SDKs expose no typed errors for
// these failures.
var retryablePatterns = [][]string{
	{"rate limit", "quota exceeded", "429"},
	{"500", "502", "503", "504", "unavailable", "overloaded"},
	{"connection reset", "timeout", "temporary", "deadline exceeded"},
}

func retryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, group := range retryablePatterns {
		for _, pat := range group {
			if strings.Contains(msg, pat) {
				return true
			}
		}
	}
	return false
}
