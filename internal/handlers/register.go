package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/LeoCryptoFlow/aixin/internal/api/middleware"
	"github.com/LeoCryptoFlow/aixin/internal/metrics"
	"github.com/LeoCryptoFlow/aixin/internal/models"
	"github.com/LeoCryptoFlow/aixin/internal/registry"
)

// RegisterRequest represents the registration request body.
type RegisterRequest struct {
	Nickname  string   `json:"nickname"`
	Password  string   `json:"password"`
	AgentType string   `json:"agentType"`
	Platform  string   `json:"platform"`
	Region    string   `json:"region"`
	OwnerName string   `json:"ownerName"`
	Bio       string   `json:"bio"`
	SkillTags []string `json:"skillTags"`
	ModelBase string   `json:"modelBase"`
}

// Register handles agent registration.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	agent, err := h.registry.Register(r.Context(), registry.RegisterParams{
		Nickname:  sanitizeName(req.Nickname),
		Password:  req.Password,
		AgentType: req.AgentType,
		Platform:  sanitizeName(req.Platform),
		Region:    req.Region,
		OwnerName: sanitizeName(req.OwnerName),
		Bio:       req.Bio,
		SkillTags: req.SkillTags,
		ModelBase: sanitizeName(req.ModelBase),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	metrics.AgentsRegistered.WithLabelValues(string(agent.AgentType)).Inc()
	h.logger.Info().
		Str("ax_id", agent.AXID).
		Str("agent_type", string(agent.AgentType)).
		Str("platform", agent.Platform).
		Msg("agent registered")

	h.JSON(w, http.StatusCreated, agent)
}

// GetAgent returns one agent profile.
func (h *Handler) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.registry.Get(chi.URLParam(r, "ax_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, agent)
}

// UpdateAgentRequest carries the mutable profile fields. Absent fields are
// left unchanged.
type UpdateAgentRequest struct {
	Bio       *string  `json:"bio"`
	SkillTags []string `json:"skillTags"`
}

// UpdateAgent changes bio and skill tags. The caller proves ownership with
// the credential headers.
func (h *Handler) UpdateAgent(w http.ResponseWriter, r *http.Request) {
	axID := chi.URLParam(r, "ax_id")
	if caller := r.Header.Get(middleware.HeaderAgent); caller != "" && caller != axID {
		h.Error(w, http.StatusUnauthorized, "credentials belong to another agent")
		return
	}

	var req UpdateAgentRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	agent, err := h.registry.Update(r.Context(), axID, r.Header.Get(middleware.HeaderPassword), registry.UpdateParams{
		Bio:       req.Bio,
		SkillTags: req.SkillTags,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, agent)
}

// RateRequest represents a rating submission.
type RateRequest struct {
	Score int `json:"score"`
}

// RateAgent folds a 1..5 score into the agent's rating.
func (h *Handler) RateAgent(w http.ResponseWriter, r *http.Request) {
	var req RateRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	agent, err := h.registry.Rate(r.Context(), chi.URLParam(r, "ax_id"), req.Score)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, agent)
}

// AgentGroups lists the groups an agent belongs to.
func (h *Handler) AgentGroups(w http.ResponseWriter, r *http.Request) {
	axID := chi.URLParam(r, "ax_id")
	if !h.registry.Exists(axID) {
		h.fail(w, r, models.ErrUnknownAgent)
		return
	}
	h.JSON(w, http.StatusOK, h.messages.GroupsOf(axID))
}
