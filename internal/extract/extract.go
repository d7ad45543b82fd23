// Package extract turns raw uploaded bytes into plain text ready for
// chunking. Dispatch is by declared MIME type; each format has its own
// handler and unknown types are rejected up front so the pipeline can fail
// the document terminally instead of retrying.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

var (
	// ErrUnsupported reports a MIME type no handler covers. Terminal.
	ErrUnsupported = errors.New("extract: unsupported mime type")

	// ErrCorrupt reports bytes that do not decode as the declared type.
	// Terminal.
	ErrCorrupt = errors.New("extract: corrupt content")

	// ErrEmpty reports content that yields no text at all. Terminal.
	ErrEmpty = errors.New("extract: no extractable text")
)

// Result is the extraction output. Text preserves form feeds as page
// separators so downstream labels can name pages.
type Result struct {
	Text  string
	Title string
}

// Captioner produces text from an image. The production implementation
// asks a vision model to transcribe; tests inject a stub.
type Captioner interface {
	Describe(ctx context.Context, mediaType string, data []byte) (string, error)
}

// Extractor dispatches by MIME type. The captioner may be nil, in which
// case image content is unsupported.
type Extractor struct {
	captioner Captioner
}

func New(captioner Captioner) *Extractor {
	return &Extractor{captioner: captioner}
}

// Extract converts data of the given MIME type into plain text.
func (e *Extractor) Extract(ctx context.Context, mimeType string, data []byte) (Result, error) {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupported, mimeType)
	}

	switch {
	case mt == "text/plain", mt == "text/markdown":
		return extractPlain(data)
	case mt == "text/html", mt == "application/xhtml+xml":
		return extractHTML(data)
	case strings.HasPrefix(mt, "image/"):
		if e.captioner == nil {
			return Result{}, fmt.Errorf("%w: %q (no vision model configured)", ErrUnsupported, mt)
		}
		return e.extractImage(ctx, mt, data)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupported, mt)
	}
}

func extractPlain(data []byte) (Result, error) {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	if !utf8.Valid(data) {
		return Result{}, fmt.Errorf("%w: invalid utf-8", ErrCorrupt)
	}
	text := string(data)
	if strings.TrimSpace(text) == "" {
		return Result{}, ErrEmpty
	}
	return Result{Text: text}, nil
}

// extractHTML prefers readability's article extraction and falls back to
// stripping the full DOM when no article is found, so pages without an
// article body (dashboards, indexes) still yield their visible text.
func extractHTML(data []byte) (Result, error) {
	if !utf8.Valid(data) {
		return Result{}, fmt.Errorf("%w: invalid utf-8", ErrCorrupt)
	}

	article, err := readability.FromReader(bytes.NewReader(data), nil)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return Result{
			Text:  normalizeWhitespace(article.TextContent),
			Title: strings.TrimSpace(article.Title),
		}, nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	doc.Find("script, style, noscript, svg, head").Remove()
	text := normalizeWhitespace(doc.Text())
	if text == "" {
		return Result{}, ErrEmpty
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	return Result{Text: text, Title: title}, nil
}

func (e *Extractor) extractImage(ctx context.Context, mediaType string, data []byte) (Result, error) {
	text, err := e.captioner.Describe(ctx, mediaType, data)
	if err != nil {
		return Result{}, fmt.Errorf("describe image: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, ErrEmpty
	}
	return Result{Text: text}, nil
}

// normalizeWhitespace collapses runs of blank lines and trims each line,
// keeping paragraph structure for the chunker's boundary detection.
func normalizeWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	var b strings.Builder
	blank := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			blank++
			continue
		}
		if b.Len() > 0 {
			if blank > 0 {
				b.WriteString("\n\n")
			} else {
				b.WriteString("\n")
			}
		}
		blank = 0
		b.WriteString(line)
	}
	return b.String()
}
