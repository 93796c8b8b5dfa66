package handlers

import (
	"net/http"
	"slices"

	"github.com/LeoCryptoFlow/aixin/internal/directory"
	"github.com/LeoCryptoFlow/aixin/internal/models"
)

// maxSearchResults caps keyword search responses.
const maxSearchResults = 100

// SearchAgents handles GET /api/agents?q=. An empty query lists everyone,
// in registration order, up to the cap.
func (h *Handler) SearchAgents(w http.ResponseWriter, r *http.Request) {
	q := sanitizeName(r.URL.Query().Get("q"))

	results := []models.Agent{}
	for a := range h.registry.Search(q) {
		results = append(results, a)
		if len(results) == maxSearchResults {
			break
		}
	}
	h.JSON(w, http.StatusOK, results)
}

// Market lists discoverable agents, highest rated first. Optional query
// parameters: type, tag, q.
func (h *Handler) Market(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var f directory.Filter
	if raw := query.Get("type"); raw != "" {
		t, err := models.ParseAgentType(raw)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		f.Type = t
	}
	f.Tag = sanitizeName(query.Get("tag"))
	f.Q = sanitizeName(query.Get("q"))

	entries := h.directory.Market(f)
	if limit, err := queryInt(r, "limit"); err != nil {
		h.fail(w, r, err)
		return
	} else if limit > 0 && limit < len(entries) {
		entries = slices.Clip(entries[:limit])
	}
	h.JSON(w, http.StatusOK, entries)
}
