package handlers

import (
	"net/http"

	"github.com/LeoCryptoFlow/aixin/internal/api/middleware"
)

// Connect upgrades GET /api/ws to a push stream for the authenticated agent.
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	agent := middleware.GetAgentFromContext(r.Context())
	if agent == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if h.hub == nil {
		h.Error(w, http.StatusServiceUnavailable, "realtime push is disabled")
		return
	}
	h.hub.ServeWS(w, r, agent.AXID)
}
