package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/corvid-labs/grounder/internal/document"
	"github.com/corvid-labs/grounder/internal/ingest"
	"github.com/corvid-labs/grounder/internal/log"
	"github.com/corvid-labs/grounder/internal/vectorstore"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

type documentHandler struct {
	docs     *document.Store
	pipeline *ingest.Pipeline
	vectors  *vectorstore.Store
	logger   log.Logger
}

// documentResponse is the wire shape of a document.
type documentResponse struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	SourceURI     string `json:"source_uri"`
	MimeType      string `json:"mime_type"`
	Status        string `json:"status"`
	FailureKind   string `json:"failure_kind,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	Attempts      int    `json:"attempts"`
	IngestVersion int64  `json:"ingest_version"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

func toDocumentResponse(d *document.Document) documentResponse {
	return documentResponse{
		ID:            d.ID.String(),
		Name:          d.Name,
		SourceURI:     d.SourceURI,
		MimeType:      d.MIMEType,
		Status:        string(d.Status),
		FailureKind:   string(d.FailureKind),
		FailureReason: d.FailureReason,
		Attempts:      d.Attempts,
		IngestVersion: d.IngestVersion,
		CreatedAt:     d.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     d.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type createDocumentRequest struct {
	Name      string `json:"name"`
	SourceURI string `json:"source_uri"`
	MimeType  string `json:"mime_type"`
}

// create registers a document pointing at an already stored object.
func (h *documentHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createDocumentRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_body", "invalid request body", h.logger)
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.SourceURI) == "" || strings.TrimSpace(req.MimeType) == "" {
		WriteError(w, http.StatusBadRequest, "missing_field", "name, source_uri and mime_type are required", h.logger)
		return
	}

	doc, err := h.docs.Create(r.Context(), ownerID(r), req.Name, req.SourceURI, req.MimeType)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "create_failed", "failed to create document", h.logger)
		return
	}
	WriteJSON(w, http.StatusCreated, toDocumentResponse(doc), h.logger)
}

func (h *documentHandler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger)
	if !ok {
		return
	}
	doc, err := h.docs.GetOwned(r.Context(), id, ownerID(r))
	if err != nil {
		h.writeDocError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, toDocumentResponse(doc), h.logger)
}

func (h *documentHandler) list(w http.ResponseWriter, r *http.Request) {
	docs, err := h.docs.List(r.Context(), ownerID(r), 100)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "list_failed", "failed to list documents", h.logger)
		return
	}
	out := make([]documentResponse, len(docs))
	for i, d := range docs {
		out[i] = toDocumentResponse(d)
	}
	WriteJSON(w, http.StatusOK, map[string]any{"documents": out}, h.logger)
}

// ingest queues a document for processing. Submitting a document that is
// already queued is not an error: the caller gets the current status
// either way.
func (h *documentHandler) ingest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger)
	if !ok {
		return
	}
	doc, err := h.docs.GetOwned(r.Context(), id, ownerID(r))
	if err != nil {
		h.writeDocError(w, err)
		return
	}
	if err := h.pipeline.Submit(doc.ID); err != nil && !errors.Is(err, ingest.ErrAlreadyQueued) {
		if errors.Is(err, ingest.ErrQueueFull) {
			w.Header().Set("Retry-After", "5")
			WriteError(w, http.StatusServiceUnavailable, "queue_full", "ingestion queue is full, retry later", h.logger)
			return
		}
		WriteError(w, http.StatusInternalServerError, "submit_failed", "failed to queue document", h.logger)
		return
	}
	WriteJSON(w, http.StatusAccepted, toDocumentResponse(doc), h.logger)
}

// reingest bumps the ingest version and requeues, replacing the indexed
// content once the new version finishes.
func (h *documentHandler) reingest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger)
	if !ok {
		return
	}
	doc, err := h.docs.GetOwned(r.Context(), id, ownerID(r))
	if err != nil {
		h.writeDocError(w, err)
		return
	}
	if !doc.Terminal() {
		WriteError(w, http.StatusConflict, "still_processing", "document is still being processed", h.logger)
		return
	}
	requeued, err := h.docs.Requeue(r.Context(), doc.ID, doc.Version, true)
	if err != nil {
		h.writeDocError(w, err)
		return
	}
	if err := h.pipeline.Submit(requeued.ID); err != nil && !errors.Is(err, ingest.ErrAlreadyQueued) {
		WriteError(w, http.StatusServiceUnavailable, "queue_full", "ingestion queue is full, retry later", h.logger)
		return
	}
	WriteJSON(w, http.StatusAccepted, toDocumentResponse(requeued), h.logger)
}

// delete removes the document and everything indexed under it.
func (h *documentHandler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger)
	if !ok {
		return
	}
	owner := ownerID(r)
	if err := h.docs.Delete(r.Context(), id, owner); err != nil {
		h.writeDocError(w, err)
		return
	}
	if _, err := h.vectors.DeleteByDocument(r.Context(), id); err != nil {
		h.logger.Warn("deleting document vectors failed", "document_id", id, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *documentHandler) writeDocError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, document.ErrNotFound):
		WriteError(w, http.StatusNotFound, "not_found", "document not found", h.logger)
	case errors.Is(err, document.ErrVersionConflict):
		WriteError(w, http.StatusConflict, "conflict", "document changed concurrently, retry", h.logger)
	case errors.Is(err, document.ErrInvalidTransition):
		WriteError(w, http.StatusConflict, "invalid_state", "document is not in a state that allows this", h.logger)
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
	}
}

// pathUUID parses the {id} path segment, writing a 400 on failure.
func pathUUID(w http.ResponseWriter, r *http.Request, logger log.Logger) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_id", "invalid id", logger)
		return uuid.Nil, false
	}
	return id, true
}
