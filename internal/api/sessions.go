package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/corvid-labs/grounder/internal/log"
	"github.com/corvid-labs/grounder/internal/retrieval"
	"github.com/corvid-labs/grounder/internal/session"
)

type sessionHandler struct {
	sessions *session.Store
	logger   log.Logger
}

type sessionResponse struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type messageResponse struct {
	ID             string               `json:"id"`
	Role           string               `json:"role"`
	Content        string               `json:"content"`
	Citations      []retrieval.Citation `json:"citations"`
	Truncated      bool                 `json:"truncated"`
	SequenceNumber int                  `json:"sequence_number"`
	CreatedAt      string               `json:"created_at"`
}

func toSessionResponse(s *session.Session) sessionResponse {
	return sessionResponse{
		ID:        s.ID.String(),
		Title:     s.Title,
		CreatedAt: s.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: s.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (h *sessionHandler) create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	// An empty body creates an untitled session.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		WriteError(w, http.StatusBadRequest, "invalid_body", "invalid request body", h.logger)
		return
	}

	sess, err := h.sessions.Create(r.Context(), ownerID(r), req.Title)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "create_failed", "failed to create session", h.logger)
		return
	}
	WriteJSON(w, http.StatusCreated, toSessionResponse(sess), h.logger)
}

func (h *sessionHandler) list(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	sessions, err := h.sessions.List(r.Context(), ownerID(r), limit, offset)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "list_failed", "failed to list sessions", h.logger)
		return
	}
	out := make([]sessionResponse, len(sessions))
	for i, s := range sessions {
		out[i] = toSessionResponse(s)
	}
	WriteJSON(w, http.StatusOK, map[string]any{"sessions": out}, h.logger)
}

func (h *sessionHandler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger)
	if !ok {
		return
	}
	sess, err := h.sessions.Get(r.Context(), id, ownerID(r))
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, toSessionResponse(sess), h.logger)
}

func (h *sessionHandler) messages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger)
	if !ok {
		return
	}
	// Ownership check before exposing messages.
	if _, err := h.sessions.Get(r.Context(), id, ownerID(r)); err != nil {
		h.writeSessionError(w, err)
		return
	}
	msgs, err := h.sessions.Messages(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "list_failed", "failed to load messages", h.logger)
		return
	}
	out := make([]messageResponse, len(msgs))
	for i, m := range msgs {
		out[i] = messageResponse{
			ID:             m.ID.String(),
			Role:           string(m.Role),
			Content:        m.Content,
			Citations:      orEmpty(m.Citations),
			Truncated:      m.Truncated,
			SequenceNumber: m.SequenceNumber,
			CreatedAt:      m.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"messages": out}, h.logger)
}

func (h *sessionHandler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger)
	if !ok {
		return
	}
	if err := h.sessions.Delete(r.Context(), id, ownerID(r)); err != nil {
		h.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *sessionHandler) writeSessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "not_found", "session not found", h.logger)
		return
	}
	WriteError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
