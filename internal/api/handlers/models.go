package handlers

import (
	"net/http"

	"github.com/modelrelay/modelrelay/internal/api/middleware"
)

// modelCard is the OpenAI model listing shape, one entry per visible agent.
type modelCard struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	OwnedBy   string `json:"owned_by"`
	Upstream  string `json:"upstream,omitempty"`
	BaseModel string `json:"base_model,omitempty"`
}

// ListModels handles GET /v1/models. Agents the caller's key cannot reach
// are filtered out, so the listing doubles as an access preview.
func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	auth := middleware.AuthFromContext(r.Context())

	cards := []modelCard{}
	for _, agent := range h.agents.List() {
		if dec := h.security.Evaluate(auth, agent.ID()); !dec.Allowed {
			continue
		}
		cards = append(cards, modelCard{
			ID:        agent.ID(),
			Object:    "model",
			OwnedBy:   agent.Namespace,
			Upstream:  agent.Upstream,
			BaseModel: agent.Model,
		})
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   cards,
	})
}
