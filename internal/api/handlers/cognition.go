package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/noesis-ai/noesis/internal/domain"
	"github.com/noesis-ai/noesis/internal/kernel"
	"github.com/noesis-ai/noesis/internal/store"
)

type CognitionHandler struct {
	kernel   *kernel.Kernel
	cogStore domain.CognitionStore
}

func NewCognitionHandler(k *kernel.Kernel, cogStore domain.CognitionStore) *CognitionHandler {
	return &CognitionHandler{kernel: k, cogStore: cogStore}
}

// timeout_ms is a pointer so an absent field (take the default) is
// distinguishable from an explicit zero (rejected).
type submitCognitionRequest struct {
	AgentID   string `json:"agent_id"`
	Source    string `json:"il_source"`
	TimeoutMS *int64 `json:"timeout_ms,omitempty"`
}

// Submit runs one cognition to completion and returns its record.
// Evaluation failures are part of the record, not HTTP errors; only
// submission failures (bad parse, bad timeout, backpressure) surface as
// statuses.
func (h *CognitionHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitCognitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	if req.Source == "" {
		writeError(w, http.StatusBadRequest, "il_source is required")
		return
	}

	var budget time.Duration
	if req.TimeoutMS != nil {
		if *req.TimeoutMS <= 0 {
			writeServiceError(w, domain.NewError(domain.ErrArgument,
				"timeout_ms must be positive, got %d", *req.TimeoutMS))
			return
		}
		budget = time.Duration(*req.TimeoutMS) * time.Millisecond
	} else {
		budget = h.kernel.DefaultBudget()
	}

	cog, err := h.kernel.Submit(r.Context(), req.AgentID, req.Source, budget)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cog)
}

func (h *CognitionHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cognition id")
		return
	}

	cog, err := h.cogStore.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "cognition not found")
			return
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cog)
}

// ListByAgent returns the agent's recent audit-log entries.
func (h *CognitionHandler) ListByAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	cogs, err := h.cogStore.ListByAgent(r.Context(), agentID, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cognitions": cogs})
}

// Cancel cancels an in-flight cognition.
func (h *CognitionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cognition id")
		return
	}
	if !h.kernel.Cancel(id) {
		writeError(w, http.StatusNotFound, "no in-flight cognition with that id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}
