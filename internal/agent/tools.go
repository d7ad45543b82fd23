package agent

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"

	"github.com/corvid-labs/grounder/internal/document"
	"github.com/corvid-labs/grounder/internal/retrieval"
	"github.com/corvid-labs/grounder/internal/session"
)

// Tool names.
const (
	ToolMessageQuery    = "message_query"
	ToolCSVExport       = "csv_export"
	ToolDocumentLookup  = "document_lookup"
	ToolKnowledgeSearch = "knowledge_search"
)

// mutationKeywords are statement words message_query refuses outright.
// The tool is read-only; any hint of a write is a security violation, not
// a parse error.
var mutationKeywords = []string{
	"insert", "update", "delete", "drop", "alter",
	"truncate", "create", "grant", "revoke",
}

// MessageQueryInput selects or counts an owner's session messages.
type MessageQueryInput struct {
	Statement string `json:"statement" jsonschema_description:"Read statement such as count messages or list messages"`
	SessionID string `json:"session_id,omitempty" jsonschema_description:"Optional session UUID; defaults to the current session"`
}

// MessageQueryOutput carries either a count or selected rows. Table is
// the same result as rows of strings, ready for csv_export via $prev.
type MessageQueryOutput struct {
	Count int          `json:"count"`
	Rows  []MessageRow `json:"rows,omitempty"`
	Table [][]string   `json:"table"`
}

// MessageRow is one selected message.
type MessageRow struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// NewMessageQueryTool builds the read-only session query tool.
func NewMessageQueryTool(sessions *session.Store) Tool {
	schema, err := jsonschema.For[MessageQueryInput](nil)
	if err != nil {
		panic(fmt.Sprintf("agent: message_query schema: %v", err))
	}
	return Tool{
		Name: ToolMessageQuery,
		Description: "Count or list messages in the caller's chat sessions. " +
			"Statements: 'count messages' returns the message total, " +
			"'list messages' returns role, content and timestamp rows. Read-only.",
		Input:      schema,
		Capability: ReadOnly,
		Run: func(ctx context.Context, inv Invocation, raw json.RawMessage) (json.RawMessage, error) {
			var in MessageQueryInput
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, fmt.Errorf("decoding input: %w", err)
			}

			stmt := strings.ToLower(strings.TrimSpace(in.Statement))
			for _, kw := range mutationKeywords {
				if containsWord(stmt, kw) {
					return nil, fmt.Errorf("%w: statement %q is not a pure read", ErrSecurityViolation, in.Statement)
				}
			}

			sessionID := inv.SessionID
			if in.SessionID != "" {
				parsed, err := uuid.Parse(in.SessionID)
				if err != nil {
					return nil, fmt.Errorf("invalid session_id: %w", err)
				}
				sessionID = parsed
			}
			// Ownership check: the query runs only against the caller's
			// own session.
			if _, err := sessions.Get(ctx, sessionID, inv.OwnerID); err != nil {
				return nil, err
			}

			switch {
			case strings.HasPrefix(stmt, "count"):
				n, err := sessions.CountMessages(ctx, sessionID)
				if err != nil {
					return nil, err
				}
				return json.Marshal(MessageQueryOutput{
					Count: n,
					Table: [][]string{{"message_count", strconv.Itoa(n)}},
				})
			case strings.HasPrefix(stmt, "list"), strings.HasPrefix(stmt, "select"):
				msgs, err := sessions.Messages(ctx, sessionID)
				if err != nil {
					return nil, err
				}
				rows := make([]MessageRow, len(msgs))
				table := make([][]string, len(msgs))
				for i, m := range msgs {
					rows[i] = MessageRow{
						Role:      string(m.Role),
						Content:   m.Content,
						CreatedAt: m.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
					}
					table[i] = []string{rows[i].Role, rows[i].Content, rows[i].CreatedAt}
				}
				return json.Marshal(MessageQueryOutput{Count: len(rows), Rows: rows, Table: table})
			default:
				return nil, fmt.Errorf("unsupported statement %q: use 'count messages' or 'list messages'", in.Statement)
			}
		},
	}
}

// CSVExportInput turns tabular data into CSV text.
type CSVExportInput struct {
	Header []string   `json:"header,omitempty" jsonschema_description:"Optional column names"`
	Rows   [][]string `json:"rows" jsonschema_description:"Data rows, one string per cell"`
}

// CSVExportOutput carries the rendered CSV.
type CSVExportOutput struct {
	CSV      string `json:"csv"`
	RowCount int    `json:"row_count"`
}

// NewCSVExportTool builds the CSV rendering tool. Output follows RFC 4180
// via the standard library encoder.
func NewCSVExportTool() Tool {
	schema, err := jsonschema.For[CSVExportInput](nil)
	if err != nil {
		panic(fmt.Sprintf("agent: csv_export schema: %v", err))
	}
	return Tool{
		Name: ToolCSVExport,
		Description: "Render rows of strings as CSV text. Accepts an optional " +
			"header row. Use for exporting query results.",
		Input:      schema,
		Capability: Transform,
		Run: func(_ context.Context, _ Invocation, raw json.RawMessage) (json.RawMessage, error) {
			var in CSVExportInput
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, fmt.Errorf("decoding input: %w", err)
			}
			if len(in.Rows) == 0 {
				return nil, errors.New("no rows to export")
			}

			var b strings.Builder
			w := csv.NewWriter(&b)
			if len(in.Header) > 0 {
				if err := w.Write(in.Header); err != nil {
					return nil, fmt.Errorf("writing header: %w", err)
				}
			}
			if err := w.WriteAll(in.Rows); err != nil {
				return nil, fmt.Errorf("writing rows: %w", err)
			}
			return json.Marshal(CSVExportOutput{CSV: b.String(), RowCount: len(in.Rows)})
		},
	}
}

// DocumentLookupInput identifies one document.
type DocumentLookupInput struct {
	DocumentID string `json:"document_id" jsonschema_description:"Document UUID"`
}

// DocumentLookupOutput is the document's metadata.
type DocumentLookupOutput struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MimeType  string `json:"mime_type"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// NewDocumentLookupTool builds the document metadata tool.
func NewDocumentLookupTool(docs *document.Store) Tool {
	schema, err := jsonschema.For[DocumentLookupInput](nil)
	if err != nil {
		panic(fmt.Sprintf("agent: document_lookup schema: %v", err))
	}
	return Tool{
		Name: ToolDocumentLookup,
		Description: "Look up metadata for one of the caller's documents by id: " +
			"name, type and processing status. Read-only.",
		Input:      schema,
		Capability: ReadOnly,
		Run: func(ctx context.Context, inv Invocation, raw json.RawMessage) (json.RawMessage, error) {
			var in DocumentLookupInput
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, fmt.Errorf("decoding input: %w", err)
			}
			id, err := uuid.Parse(in.DocumentID)
			if err != nil {
				return nil, fmt.Errorf("invalid document_id: %w", err)
			}
			doc, err := docs.GetOwned(ctx, id, inv.OwnerID)
			if err != nil {
				return nil, err
			}
			return json.Marshal(DocumentLookupOutput{
				ID:        doc.ID.String(),
				Name:      doc.Name,
				MimeType:  doc.MIMEType,
				Status:    string(doc.Status),
				CreatedAt: doc.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
			})
		},
	}
}

// KnowledgeSearchInput is a semantic query over the caller's documents.
type KnowledgeSearchInput struct {
	Query string `json:"query" jsonschema_description:"Natural language search query"`
	TopK  int    `json:"top_k,omitempty" jsonschema_description:"Maximum results to return, default 5"`
}

// KnowledgeSearchOutput lists matching passages with citations.
type KnowledgeSearchOutput struct {
	Results []KnowledgeResult `json:"results"`
}

// KnowledgeResult is one matching passage.
type KnowledgeResult struct {
	Content      string  `json:"content"`
	DocumentName string  `json:"document_name"`
	SourceLabel  string  `json:"source_label"`
	Score        float64 `json:"score"`
}

// NewKnowledgeSearchTool builds the retrieval tool. No matches is an
// empty result, not an error.
func NewKnowledgeSearchTool(retriever *retrieval.Retriever) Tool {
	schema, err := jsonschema.For[KnowledgeSearchInput](nil)
	if err != nil {
		panic(fmt.Sprintf("agent: knowledge_search schema: %v", err))
	}
	return Tool{
		Name: ToolKnowledgeSearch,
		Description: "Search the caller's ingested documents by meaning and " +
			"return the best matching passages with their sources. Read-only.",
		Input:      schema,
		Capability: ReadOnly,
		Run: func(ctx context.Context, inv Invocation, raw json.RawMessage) (json.RawMessage, error) {
			var in KnowledgeSearchInput
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, fmt.Errorf("decoding input: %w", err)
			}
			g, err := retriever.Retrieve(ctx, inv.OwnerID, in.Query, retrieval.Options{TopK: in.TopK})
			if err != nil {
				if errors.Is(err, retrieval.ErrNoGrounding) {
					return json.Marshal(KnowledgeSearchOutput{Results: []KnowledgeResult{}})
				}
				return nil, err
			}
			results := make([]KnowledgeResult, len(g.Passages))
			for i, p := range g.Passages {
				results[i] = KnowledgeResult{
					Content:      p.Content,
					DocumentName: p.Citation.DocumentName,
					SourceLabel:  p.Citation.SourceLabel,
					Score:        p.Citation.Score,
				}
			}
			return json.Marshal(KnowledgeSearchOutput{Results: results})
		},
	}
}

// containsWord reports whether s contains w as a whole word.
func containsWord(s, w string) bool {
	idx := 0
	for {
		i := strings.Index(s[idx:], w)
		if i < 0 {
			return false
		}
		i += idx
		before := i == 0 || !isWordByte(s[i-1])
		after := i+len(w) == len(s) || !isWordByte(s[i+len(w)])
		if before && after {
			return true
		}
		idx = i + len(w)
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '_'
}
