package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/corvid-labs/grounder/internal/chat"
	"github.com/corvid-labs/grounder/internal/log"
	"github.com/corvid-labs/grounder/internal/retrieval"
	"github.com/corvid-labs/grounder/internal/session"
)

// SSE event names.
const (
	eventChunk = "chunk"
	eventDone  = "done"
	eventError = "error"
)

type chatHandler struct {
	orch   *chat.Orchestrator
	logger log.Logger
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Message   string `json:"message"`
}

type chatResponse struct {
	SessionID string               `json:"session_id"`
	TurnID    string               `json:"turn_id"`
	MessageID string               `json:"message_id,omitempty"`
	Text      string               `json:"text"`
	Citations []retrieval.Citation `json:"citations"`
	Grounded  bool                 `json:"grounded"`
	Truncated bool                 `json:"truncated"`
}

// chunkPayload is the SSE data payload for one answer fragment.
type chunkPayload struct {
	Text string `json:"text"`
}

// donePayload closes an SSE stream with the full turn outcome.
type donePayload struct {
	SessionID string               `json:"session_id"`
	TurnID    string               `json:"turn_id"`
	MessageID string               `json:"message_id,omitempty"`
	Text      string               `json:"text"`
	Citations []retrieval.Citation `json:"citations"`
	Grounded  bool                 `json:"grounded"`
	Truncated bool                 `json:"truncated"`
}

// errorPayload is the SSE data payload when a turn fails.
type errorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func toChatResponse(resp *chat.Response) chatResponse {
	return chatResponse{
		SessionID: resp.SessionID.String(),
		TurnID:    resp.TurnID,
		MessageID: messageID(resp),
		Text:      resp.Text,
		Citations: orEmpty(resp.Citations),
		Grounded:  resp.Grounded,
		Truncated: resp.Truncated,
	}
}

// send handles a non-streaming chat turn.
func (h *chatHandler) send(w http.ResponseWriter, r *http.Request) {
	req, sessionID, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	resp, err := h.orch.Send(r.Context(), chat.Request{
		OwnerID:   ownerID(r),
		SessionID: sessionID,
		TurnID:    req.TurnID,
		Mode:      chat.Mode(req.Mode),
		Input:     req.Message,
	}, nil)
	if err != nil {
		kind, status := chatErrorKind(err)
		WriteError(w, status, kind, err.Error(), h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, toChatResponse(resp), h.logger)
}

// stream handles an SSE chat turn: chunk events while the model talks,
// one done event with the full outcome, or one error event.
func (h *chatHandler) stream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	sessionID, err := uuid.Parse(q.Get("session_id"))
	if err != nil {
		_ = writeEvent(w, flusher, eventError, errorPayload{Kind: "invalid_session", Message: "session_id must be a UUID"})
		return
	}
	message := q.Get("message")
	if message == "" {
		_ = writeEvent(w, flusher, eventError, errorPayload{Kind: "missing_message", Message: "message is required"})
		return
	}

	resp, err := h.orch.Send(r.Context(), chat.Request{
		OwnerID:   ownerID(r),
		SessionID: sessionID,
		TurnID:    q.Get("turn_id"),
		Mode:      chat.Mode(q.Get("mode")),
		Input:     message,
	}, func(fragment string) error {
		return writeEvent(w, flusher, eventChunk, chunkPayload{Text: fragment})
	})
	if err != nil {
		if r.Context().Err() != nil {
			h.logger.Debug("client disconnected mid-stream", "session_id", sessionID)
			return
		}
		kind, _ := chatErrorKind(err)
		_ = writeEvent(w, flusher, eventError, errorPayload{Kind: kind, Message: err.Error()})
		return
	}

	_ = writeEvent(w, flusher, eventDone, donePayload{
		SessionID: resp.SessionID.String(),
		TurnID:    resp.TurnID,
		MessageID: messageID(resp),
		Text:      resp.Text,
		Citations: orEmpty(resp.Citations),
		Grounded:  resp.Grounded,
		Truncated: resp.Truncated,
	})
}

func (h *chatHandler) decodeRequest(w http.ResponseWriter, r *http.Request) (chatRequest, uuid.UUID, bool) {
	var req chatRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_body", "invalid request body", h.logger)
		return req, uuid.Nil, false
	}
	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_session", "session_id must be a UUID", h.logger)
		return req, uuid.Nil, false
	}
	if req.Message == "" {
		WriteError(w, http.StatusBadRequest, "missing_message", "message is required", h.logger)
		return req, uuid.Nil, false
	}
	return req, sessionID, true
}

// chatErrorKind maps orchestrator errors to the wire taxonomy.
func chatErrorKind(err error) (kind string, status int) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return "not_found", http.StatusNotFound
	case errors.Is(err, chat.ErrEmptyInput):
		return "empty_input", http.StatusBadRequest
	case errors.Is(err, chat.ErrInvalidMode):
		return "invalid_mode", http.StatusBadRequest
	case errors.Is(err, chat.ErrCircuitOpen):
		return "model_unavailable", http.StatusServiceUnavailable
	default:
		return "chat_failed", http.StatusInternalServerError
	}
}

// writeEvent writes one SSE event: "event: <type>\ndata: <json>\n\n".
func writeEvent(w io.Writer, flusher http.Flusher, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	flusher.Flush()
	return nil
}

// messageID renders the persisted assistant message id, empty when the
// turn was a duplicate or persistence failed.
func messageID(resp *chat.Response) string {
	if resp.MessageID == uuid.Nil {
		return ""
	}
	return resp.MessageID.String()
}

func orEmpty(c []retrieval.Citation) []retrieval.Citation {
	if c == nil {
		return []retrieval.Citation{}
	}
	return c
}
