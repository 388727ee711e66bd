package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noesis-ai/noesis/internal/bus"
)

type AgentHandler struct {
	bus *bus.Bus
}

func NewAgentHandler(b *bus.Bus) *AgentHandler {
	return &AgentHandler{bus: b}
}

func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	agents := h.bus.List()
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents, "count": len(agents)})
}

type registerAgentRequest struct {
	Capabilities []string `json:"capabilities,omitempty"`
}

func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req registerAgentRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	agent, err := h.bus.Register(r.Context(), id, req.Capabilities)
	if err != nil {
		switch {
		case errors.Is(err, bus.ErrAgentExists):
			writeError(w, http.StatusConflict, "agent id already registered")
		case errors.Is(err, bus.ErrUnknownAgent):
			writeError(w, http.StatusBadRequest, "invalid agent id")
		default:
			writeServiceError(w, err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (h *AgentHandler) Deregister(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.bus.Deregister(r.Context(), id); err != nil {
		if errors.Is(err, bus.ErrUnknownAgent) {
			writeError(w, http.StatusNotFound, "unknown agent")
			return
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deregistered"})
}

type sendMessageRequest struct {
	From    string `json:"from"`
	Payload any    `json:"payload"`
}

// SendMessage enqueues a message on the addressed agent's inbox.
func (h *AgentHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	to := chi.URLParam(r, "id")

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.From == "" {
		writeError(w, http.StatusBadRequest, "from is required")
		return
	}

	msgID, err := h.bus.SendMessage(r.Context(), to, req.From, req.Payload)
	if err != nil {
		switch {
		case errors.Is(err, bus.ErrUnknownAgent):
			writeError(w, http.StatusNotFound, "unknown agent")
		case errors.Is(err, bus.ErrInboxFull):
			writeError(w, http.StatusTooManyRequests, err.Error())
		default:
			writeServiceError(w, err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message_id": msgID.String()})
}
