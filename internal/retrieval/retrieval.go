// Package retrieval answers "what do we know about this" with citations.
//
// A query is embedded once and matched against the owner's indexed chunks;
// every returned passage carries the document it came from, a source label
// and its similarity score. When nothing clears the score floor the
// retriever says so with ErrNoGrounding instead of returning weak matches,
// which is what lets chat refuse to fabricate answers.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/corvid-labs/grounder/internal/embed"
	"github.com/corvid-labs/grounder/internal/log"
	"github.com/corvid-labs/grounder/internal/vectorstore"
)

var (
	// ErrNoGrounding reports that no indexed content matched the query at
	// or above the configured score floor.
	ErrNoGrounding = errors.New("retrieval: no grounding found")

	// ErrEmptyQuery reports a blank query.
	ErrEmptyQuery = errors.New("retrieval: empty query")
)

// snippetRunes caps citation snippets.
const snippetRunes = 200

// Citation identifies where a passage came from.
type Citation struct {
	DocumentID   *uuid.UUID `json:"document_id,omitempty"`
	DocumentName string     `json:"document_name,omitempty"`
	SourceLabel  string     `json:"source_label,omitempty"`
	Snippet      string     `json:"snippet"`
	Score        float64    `json:"score"`
}

// Passage is one grounded piece of content.
type Passage struct {
	Content  string
	Citation Citation
}

// Grounding is the retrieval result, best passage first.
type Grounding struct {
	Passages []Passage
}

// Citations returns the citations in passage order.
func (g *Grounding) Citations() []Citation {
	cites := make([]Citation, len(g.Passages))
	for i, p := range g.Passages {
		cites[i] = p.Citation
	}
	return cites
}

// Render formats the passages as a numbered context block for a prompt.
// Marker numbers line up with the order Citations returns.
func (g *Grounding) Render() string {
	var b strings.Builder
	for i, p := range g.Passages {
		fmt.Fprintf(&b, "[%d] %s", i+1, p.Content)
		if label := p.Citation.SourceLabel; label != "" {
			fmt.Fprintf(&b, "\n(source: %s, %s)", p.Citation.DocumentName, label)
		} else if p.Citation.DocumentName != "" {
			fmt.Fprintf(&b, "\n(source: %s)", p.Citation.DocumentName)
		}
		b.WriteString("\n\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Config tunes retrieval. Zero values take the defaults below.
type Config struct {
	// TopK is the passage cap per query. Defaults to 5.
	TopK int

	// MinScore is the similarity floor in [0, 1]. Matches below it are
	// discarded rather than surfaced. Defaults to 0.35.
	MinScore float64
}

// Retriever is safe for concurrent use.
type Retriever struct {
	embedder *embed.Client
	vectors  *vectorstore.Store
	cfg      Config
	logger   log.Logger
}

func New(embedder *embed.Client, vectors *vectorstore.Store, cfg Config, logger log.Logger) (*Retriever, error) {
	if embedder == nil || vectors == nil {
		return nil, errors.New("retrieval: embedder and vector store are required")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = 0.35
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Retriever{embedder: embedder, vectors: vectors, cfg: cfg, logger: logger}, nil
}

// Options narrow a retrieval beyond the mandatory owner scope.
type Options struct {
	// DocumentID restricts matches to one document.
	DocumentID *uuid.UUID

	// TopK overrides the configured cap when positive.
	TopK int
}

// Retrieve embeds the query once and returns the owner's best-matching
// passages. Returns ErrNoGrounding when nothing clears the score floor.
func (r *Retriever) Retrieve(ctx context.Context, ownerID, query string, opts Options) (*Grounding, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if ownerID == "" {
		return nil, errors.New("retrieval: owner id is required")
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	topK := r.cfg.TopK
	if opts.TopK > 0 {
		topK = opts.TopK
	}
	matches, err := r.vectors.Query(ctx, vec, vectorstore.Filter{
		Namespace:  vectorstore.NamespaceChunks,
		OwnerID:    ownerID,
		DocumentID: opts.DocumentID,
	}, topK, r.cfg.MinScore)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	if len(matches) == 0 {
		return nil, ErrNoGrounding
	}

	passages := make([]Passage, len(matches))
	for i, m := range matches {
		passages[i] = Passage{
			Content:  m.Content,
			Citation: citationFrom(m),
		}
	}
	r.logger.Debug("query grounded",
		"owner_id", ownerID, "passages", len(passages), "top_score", matches[0].Score)
	return &Grounding{Passages: passages}, nil
}

// RetrieveMemories returns the owner's best-matching session summaries.
// An empty result is not an error here: memories are additive context.
func (r *Retriever) RetrieveMemories(ctx context.Context, ownerID, query string, topK int) ([]Passage, error) {
	if strings.TrimSpace(query) == "" || ownerID == "" {
		return nil, nil
	}
	if topK <= 0 {
		topK = 3
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	matches, err := r.vectors.Query(ctx, vec, vectorstore.Filter{
		Namespace: vectorstore.NamespaceMemories,
		OwnerID:   ownerID,
	}, topK, r.cfg.MinScore)
	if err != nil {
		return nil, fmt.Errorf("querying memories: %w", err)
	}
	passages := make([]Passage, len(matches))
	for i, m := range matches {
		passages[i] = Passage{Content: m.Content, Citation: citationFrom(m)}
	}
	return passages, nil
}

func citationFrom(m vectorstore.Match) Citation {
	name, _ := m.Metadata["document_name"].(string)
	return Citation{
		DocumentID:   m.DocumentID,
		DocumentName: name,
		SourceLabel:  m.SourceLabel,
		Snippet:      snippet(m.Content),
		Score:        m.Score,
	}
}

// snippet truncates on a rune boundary and marks the cut.
func snippet(content string) string {
	content = strings.TrimSpace(content)
	if utf8.RuneCountInString(content) <= snippetRunes {
		return content
	}
	runes := []rune(content)
	return strings.TrimSpace(string(runes[:snippetRunes])) + "…"
}
