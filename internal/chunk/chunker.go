// Package chunk splits extracted text into token-bounded, overlapping,
// offset-tracked spans.
//
// Splitting is pure and deterministic: the same (text, params) always yields
// byte-identical spans. Idempotent re-ingestion and reproducible retrieval
// tests depend on this.
package chunk

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Params controls splitting.
type Params struct {
	// TargetTokens is the span length aimed for. Must be positive.
	TargetTokens int

	// OverlapTokens is how many tokens consecutive spans share.
	// Must be in [0, TargetTokens).
	OverlapTokens int
}

// Span is one bounded slice of the source text. Start and End are byte
// offsets into the original text; Text == text[Start:End].
type Span struct {
	Ordinal int
	Start   int
	End     int
	Text    string
}

// Chunk is a persisted span of a document, created by the ingestion
// pipeline. Immutable once created; re-ingestion writes new ids under a
// bumped ingest version and stale rows are pruned.
type Chunk struct {
	ID            string
	DocumentID    uuid.UUID
	IngestVersion int64
	Ordinal       int
	Start         int
	End           int
	Text          string
	SourceLabel   string
}

// ID builds the deterministic chunk id. Encoding the ingest version keeps
// ids unique across re-ingestions of the same document.
func ID(documentID uuid.UUID, ingestVersion int64, ordinal int) string {
	return fmt.Sprintf("%s:%d:%d", documentID, ingestVersion, ordinal)
}

// IDPrefix is the id prefix shared by every chunk of one ingest run.
// Used to prune stale vectors after re-ingestion.
func IDPrefix(documentID uuid.UUID, ingestVersion int64) string {
	return fmt.Sprintf("%s:%d:", documentID, ingestVersion)
}

// token is a whitespace-delimited run with its byte offsets.
type token struct {
	start, end int
}

// boundaryWindowDivisor bounds how far back from the target a split may move
// to land on a paragraph or sentence boundary (one quarter of the span).
const boundaryWindowDivisor = 4

// Split divides text into spans of roughly TargetTokens tokens with
// OverlapTokens of overlap. Paragraph breaks are preferred split points,
// then sentence ends, then a hard cut at the target. The trailing span is
// kept even when short.
func Split(text string, p Params) []Span {
	toks := tokenize(text)
	if len(toks) == 0 {
		return nil
	}
	if p.TargetTokens <= 0 {
		p.TargetTokens = 1
	}
	if p.OverlapTokens < 0 || p.OverlapTokens >= p.TargetTokens {
		p.OverlapTokens = 0
	}

	var spans []Span
	start := 0
	for start < len(toks) {
		end := start + p.TargetTokens
		if end >= len(toks) {
			end = len(toks)
		} else {
			end = adjustToBoundary(text, toks, start, end, p.TargetTokens)
		}

		s := toks[start].start
		e := toks[end-1].end
		spans = append(spans, Span{
			Ordinal: len(spans),
			Start:   s,
			End:     e,
			Text:    text[s:e],
		})

		if end == len(toks) {
			break
		}
		next := end - p.OverlapTokens
		if next <= start {
			// Overlap must never stall the walk.
			next = start + 1
		}
		start = next
	}
	return spans
}

// tokenize returns the byte ranges of all whitespace-delimited tokens.
func tokenize(text string) []token {
	var toks []token
	inTok := false
	start := 0
	for i := 0; i < len(text); i++ {
		isSpace := text[i] == ' ' || text[i] == '\t' || text[i] == '\n' || text[i] == '\r' || text[i] == '\f'
		switch {
		case !inTok && !isSpace:
			inTok = true
			start = i
		case inTok && isSpace:
			inTok = false
			toks = append(toks, token{start: start, end: i})
		}
	}
	if inTok {
		toks = append(toks, token{start: start, end: len(text)})
	}
	return toks
}

// adjustToBoundary moves the cut index (exclusive, in tokens) backwards to
// the nearest paragraph break, then sentence end, within a bounded window.
// Returns the original cut when no boundary is found.
func adjustToBoundary(text string, toks []token, start, cut, target int) int {
	window := target / boundaryWindowDivisor
	low := cut - window
	if low <= start {
		low = start + 1
	}

	// Paragraph break: a blank line between this token and the next.
	for i := cut; i > low; i-- {
		if paragraphBreakAfter(text, toks, i-1) {
			return i
		}
	}
	// Sentence end: token finishes a sentence.
	for i := cut; i > low; i-- {
		if sentenceEnd(text[toks[i-1].start:toks[i-1].end]) {
			return i
		}
	}
	return cut
}

// paragraphBreakAfter reports whether the gap following token i contains a
// blank line.
func paragraphBreakAfter(text string, toks []token, i int) bool {
	if i+1 >= len(toks) {
		return false
	}
	gap := text[toks[i].end:toks[i+1].start]
	return strings.Count(gap, "\n") >= 2
}

// sentenceEnd reports whether tok ends a sentence, allowing a trailing
// quote or bracket after the terminator.
func sentenceEnd(tok string) bool {
	for len(tok) > 0 {
		last := tok[len(tok)-1]
		switch last {
		case '"', '\'', ')', ']', '}':
			tok = tok[:len(tok)-1]
		case '.', '!', '?':
			return true
		default:
			return false
		}
	}
	return false
}

// PageLabel derives the human-facing source label for a span starting at
// byte offset: extraction preserves form-feed page separators, so the page
// number is one plus the separators seen before the offset.
func PageLabel(text string, offset int) string {
	if offset > len(text) {
		offset = len(text)
	}
	page := 1 + strings.Count(text[:offset], "\f")
	return fmt.Sprintf("page %d", page)
}
