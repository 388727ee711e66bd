package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/noesis-ai/noesis/internal/domain"
	"github.com/noesis-ai/noesis/internal/service"
)

// ConsolidationRunner runs consolidation for one owner scope or all of
// them. *service.ConsolidationService satisfies it.
type ConsolidationRunner interface {
	Consolidate(ctx context.Context, agentID string) (*domain.ConsolidationSummary, error)
	ConsolidateAll(ctx context.Context) (*domain.ConsolidationSummary, error)
}

type MemoryHandler struct {
	svc           *service.MemoryService
	consolidation ConsolidationRunner
}

func NewMemoryHandler(svc *service.MemoryService, consolidation ConsolidationRunner) *MemoryHandler {
	return &MemoryHandler{svc: svc, consolidation: consolidation}
}

type storeMemoryRequest struct {
	AgentID  string         `json:"agent_id,omitempty"`
	Content  map[string]any `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Store persists one memory of the kind named in the path. Admission
// rejections come back as 200 with a rejected reason; they are results,
// not errors.
func (h *MemoryHandler) Store(w http.ResponseWriter, r *http.Request) {
	kind := domain.MemoryKind(chi.URLParam(r, "kind"))

	var req storeMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Content) == 0 {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	result, err := h.svc.Store(r.Context(), kind, req.Content, req.AgentID, req.Metadata)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidMemoryKind),
			errors.Is(err, service.ErrInvalidAgentID),
			errors.Is(err, service.ErrMissingContentField),
			errors.Is(err, service.ErrMetadataTooLarge),
			errors.Is(err, service.ErrScoreOutOfRange),
			errors.Is(err, service.ErrEpisodicNeedsOwner):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeServiceError(w, err)
		}
		return
	}

	status := http.StatusCreated
	if result.Rejected != "" || result.Merged {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

// Search runs a retrieval through the query planner.
func (h *MemoryHandler) Search(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	q := domain.RetrieveQuery{
		Text:    params.Get("query"),
		AgentID: params.Get("agent_id"),
		Domain:  params.Get("domain"),
		Mode:    domain.RetrieveMode(params.Get("mode")),
	}
	if kind := params.Get("kind"); kind != "" {
		if !domain.ValidMemoryKind(kind) {
			writeError(w, http.StatusBadRequest, "unknown memory kind")
			return
		}
		q.Kinds = []domain.MemoryKind{domain.MemoryKind(kind)}
	}
	if k := params.Get("k"); k != "" {
		n, err := strconv.Atoi(k)
		if err != nil {
			writeError(w, http.StatusBadRequest, "k must be an integer")
			return
		}
		q.K = n
	}
	if ms := params.Get("min_similarity"); ms != "" {
		f, err := strconv.ParseFloat(ms, 32)
		if err != nil {
			writeError(w, http.StatusBadRequest, "min_similarity must be a number")
			return
		}
		q.MinSimilarity = float32(f)
	}
	if params.Get("include_degraded") == "true" {
		q.IncludeDegraded = true
	}

	hits, err := h.svc.Retrieve(r.Context(), q)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": hits, "count": len(hits)})
}

func (h *MemoryHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid memory id")
		return
	}

	m, err := h.svc.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrMemoryNotFound) {
			writeError(w, http.StatusNotFound, "memory not found")
			return
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type updateMemoryRequest struct {
	Content  map[string]any `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (h *MemoryHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid memory id")
		return
	}

	var req updateMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.svc.Update(r.Context(), id, req.Content, req.Metadata); err != nil {
		switch {
		case errors.Is(err, service.ErrMemoryNotFound):
			writeError(w, http.StatusNotFound, "memory not found")
		case errors.Is(err, service.ErrScoreOutOfRange):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeServiceError(w, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *MemoryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid memory id")
		return
	}

	if err := h.svc.Delete(r.Context(), id); err != nil {
		if errors.Is(err, service.ErrMemoryNotFound) {
			writeError(w, http.StatusNotFound, "memory not found")
			return
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type consolidateRequest struct {
	AgentID string `json:"agent_id,omitempty"`
}

// Consolidate triggers a consolidation run on demand: one agent's
// scope when the body names it, every owner otherwise. An empty body
// is valid.
func (h *MemoryHandler) Consolidate(w http.ResponseWriter, r *http.Request) {
	var req consolidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var (
		summary *domain.ConsolidationSummary
		err     error
	)
	if req.AgentID != "" {
		summary, err = h.consolidation.Consolidate(r.Context(), req.AgentID)
	} else {
		summary, err = h.consolidation.ConsolidateAll(r.Context())
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *MemoryHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
