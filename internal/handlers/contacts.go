package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/LeoCryptoFlow/aixin/internal/metrics"
	"github.com/LeoCryptoFlow/aixin/internal/models"
	"github.com/LeoCryptoFlow/aixin/internal/realtime"
)

// ContactRequest is the body of every contact mutation. Accept takes
// either owner/friend or from/to, where from is the accepting side.
type ContactRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Owner  string `json:"owner"`
	Friend string `json:"friend"`
}

func (c ContactRequest) ownerFriend() (string, string) {
	owner, friend := c.Owner, c.Friend
	if owner == "" {
		owner = c.From
	}
	if friend == "" {
		friend = c.To
	}
	return owner, friend
}

// ContactView is a contact record seen from one side, with the other
// side's profile summary.
type ContactView struct {
	models.Contact
	Peer      string           `json:"peer"`
	Nickname  string           `json:"nickname,omitempty"`
	AgentType models.AgentType `json:"agent_type,omitempty"`
	Incoming  bool             `json:"incoming"`
}

func (h *Handler) contactViews(axID string, contacts []models.Contact) []ContactView {
	out := make([]ContactView, 0, len(contacts))
	for _, c := range contacts {
		v := ContactView{
			Contact:  c,
			Peer:     c.Other(axID),
			Incoming: c.RequestedBy != axID,
		}
		if peer, err := h.registry.Get(v.Peer); err == nil {
			v.Nickname = peer.Nickname
			v.AgentType = peer.AgentType
		}
		out = append(out, v)
	}
	return out
}

func recordTransition(c models.Contact) {
	metrics.ContactTransitions.WithLabelValues(string(c.Status)).Inc()
}

// RequestContact handles POST /api/contacts/request.
func (h *Handler) RequestContact(w http.ResponseWriter, r *http.Request) {
	var req ContactRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	c, err := h.contacts.Request(r.Context(), req.From, req.To)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	recordTransition(c)

	switch c.Status {
	case models.ContactAccepted:
		// crossing requests: both sides learn at once
		h.publish(r, realtime.EventFriendAccepted, c, c.A, c.B)
	default:
		h.publish(r, realtime.EventFriendRequest, c, req.To)
	}
	h.JSON(w, http.StatusOK, c)
}

// AcceptContact handles POST /api/contacts/accept.
func (h *Handler) AcceptContact(w http.ResponseWriter, r *http.Request) {
	var req ContactRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	owner, friend := req.ownerFriend()

	c, err := h.contacts.Accept(r.Context(), owner, friend)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	recordTransition(c)
	h.publish(r, realtime.EventFriendAccepted, c, friend)
	h.JSON(w, http.StatusOK, c)
}

// RejectContact handles POST /api/contacts/reject.
func (h *Handler) RejectContact(w http.ResponseWriter, r *http.Request) {
	var req ContactRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	owner, friend := req.ownerFriend()

	c, err := h.contacts.Reject(r.Context(), owner, friend)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	recordTransition(c)
	h.JSON(w, http.StatusOK, c)
}

// RemoveContact handles DELETE /api/contacts.
func (h *Handler) RemoveContact(w http.ResponseWriter, r *http.Request) {
	var req ContactRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	owner, friend := req.ownerFriend()

	if err := h.contacts.Remove(r.Context(), owner, friend); err != nil {
		h.fail(w, r, err)
		return
	}
	metrics.ContactTransitions.WithLabelValues("removed").Inc()
	h.JSON(w, http.StatusOK, map[string]string{"owner": owner, "friend": friend})
}

// Friends lists accepted contacts of an agent.
func (h *Handler) Friends(w http.ResponseWriter, r *http.Request) {
	axID := chi.URLParam(r, "ax_id")
	if !h.registry.Exists(axID) {
		h.fail(w, r, models.ErrUnknownAgent)
		return
	}
	h.JSON(w, http.StatusOK, h.contactViews(axID, h.contacts.Friends(axID)))
}

// PendingContacts lists pending requests an agent sent or received.
func (h *Handler) PendingContacts(w http.ResponseWriter, r *http.Request) {
	axID := chi.URLParam(r, "ax_id")
	if !h.registry.Exists(axID) {
		h.fail(w, r, models.ErrUnknownAgent)
		return
	}
	h.JSON(w, http.StatusOK, h.contactViews(axID, h.contacts.Pending(axID)))
}
