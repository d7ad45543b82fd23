package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/corvid-labs/grounder/internal/agent"
	"github.com/corvid-labs/grounder/internal/log"
)

type agentHandler struct {
	planner *agent.Planner
	logger  log.Logger
}

type goalRequest struct {
	SessionID string `json:"session_id"`
	Goal      string `json:"goal"`
}

// executeGoal plans and runs a goal, returning the full plan with
// per-step status. A plan that failed during execution is still a 200;
// its status and step errors tell the story. Only a rejected or
// unplannable goal is an error response.
func (h *agentHandler) executeGoal(w http.ResponseWriter, r *http.Request) {
	var req goalRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_body", "invalid request body", h.logger)
		return
	}
	if req.Goal == "" {
		WriteError(w, http.StatusBadRequest, "missing_goal", "goal is required", h.logger)
		return
	}
	var sessionID uuid.UUID
	if req.SessionID != "" {
		parsed, err := uuid.Parse(req.SessionID)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid_session", "session_id must be a UUID", h.logger)
			return
		}
		sessionID = parsed
	}

	plan, err := h.planner.ExecuteGoal(r.Context(), ownerID(r), sessionID, req.Goal)
	if err != nil {
		var verr *agent.ValidationError
		if errors.As(err, &verr) {
			WriteError(w, http.StatusUnprocessableEntity, "invalid_plan", verr.Error(), h.logger)
			return
		}
		WriteError(w, http.StatusInternalServerError, "planning_failed", "failed to plan goal", h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, plan, h.logger)
}
