package handlers

import (
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/LeoCryptoFlow/aixin/internal/metrics"
	"github.com/LeoCryptoFlow/aixin/internal/realtime"
)

// CreateGroupRequest represents the create group request body.
type CreateGroupRequest struct {
	Name    string   `json:"name"`
	Owner   string   `json:"owner"`
	Members []string `json:"members"`
}

// CreateGroup handles POST /api/groups.
func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	g, err := h.messages.CreateGroup(r.Context(), sanitizeName(req.Name), req.Owner, req.Members)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info().
		Str("group_id", g.GroupID).
		Str("owner", g.Owner).
		Int("members", len(g.Members)).
		Msg("group created")
	h.JSON(w, http.StatusCreated, g)
}

// GetGroup handles GET /api/groups/{id}.
func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := h.messages.Group(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, g)
}

// MemberRequest names who changes a group's membership.
type MemberRequest struct {
	Actor  string `json:"actor"`
	Member string `json:"member"`
}

// AddMember handles POST /api/groups/{id}/members.
func (h *Handler) AddMember(w http.ResponseWriter, r *http.Request) {
	var req MemberRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	g, err := h.messages.AddMember(r.Context(), chi.URLParam(r, "id"), req.Actor, req.Member)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, g)
}

// RemoveMember handles DELETE /api/groups/{id}/members/{ax_id}. Without an
// actor the member is leaving on its own.
func (h *Handler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	var req MemberRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	member := chi.URLParam(r, "ax_id")
	actor := req.Actor
	if actor == "" {
		actor = member
	}
	g, err := h.messages.RemoveMember(r.Context(), chi.URLParam(r, "id"), actor, member)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, g)
}

// SendGroupMessage handles POST /api/groups/{id}/messages.
func (h *Handler) SendGroupMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	if !h.takeSend(r, req.From) {
		metrics.RateLimitHits.WithLabelValues("send_group_message").Inc()
		w.Header().Set("Retry-After", "60")
		h.Error(w, http.StatusTooManyRequests, "message rate limit exceeded")
		return
	}

	groupID := chi.URLParam(r, "id")
	msg, err := h.messages.SendGroup(r.Context(), groupID, req.From, req.Content, req.Type)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	metrics.MessagesSent.WithLabelValues("group").Inc()

	if g, err := h.messages.Group(groupID); err == nil {
		to := slices.DeleteFunc(g.Members, func(m string) bool { return m == msg.From })
		h.publish(r, realtime.EventGroupMessage, msg, to...)
	}
	h.JSON(w, http.StatusCreated, msg)
}

// GroupHistory handles GET /api/groups/{id}/messages?limit=&offset=.
func (h *Handler) GroupHistory(w http.ResponseWriter, r *http.Request) {
	page, err := pageParams(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	msgs, err := h.messages.GroupHistory(chi.URLParam(r, "id"), page)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, msgs)
}
