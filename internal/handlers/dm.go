package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/LeoCryptoFlow/aixin/internal/messaging"
	"github.com/LeoCryptoFlow/aixin/internal/metrics"
	"github.com/LeoCryptoFlow/aixin/internal/realtime"
)

const sendLimitWindow = time.Minute

// SendMessageRequest represents the send message request body.
type SendMessageRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Content string `json:"content"`
	Type    string `json:"type"`
}

// takeSend spends one unit of from's per-minute budget and reports whether
// the send may go ahead. Without Redis, or when Redis fails, it may.
func (h *Handler) takeSend(r *http.Request, from string) bool {
	if h.redis == nil || from == "" {
		return true
	}
	start := time.Now()
	ok, err := h.redis.TakeSend(r.Context(), from, h.sendLimit, sendLimitWindow)
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		h.logger.Warn().Err(err).Str("ax_id", from).Msg("send limit failed")
		return true
	}
	return ok
}

// SendMessage handles POST /api/messages.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	if !h.takeSend(r, req.From) {
		metrics.RateLimitHits.WithLabelValues("send_message").Inc()
		w.Header().Set("Retry-After", "60")
		h.Error(w, http.StatusTooManyRequests, "message rate limit exceeded")
		return
	}

	msg, err := h.messages.Send(r.Context(), req.From, req.To, req.Content, req.Type)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	metrics.MessagesSent.WithLabelValues("direct").Inc()
	h.publish(r, realtime.EventMessage, msg, msg.To)

	h.JSON(w, http.StatusCreated, msg)
}

// History handles GET /api/messages/{ax_id}/{peer}?limit=&offset=.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	page, err := pageParams(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	msgs, err := h.messages.History(chi.URLParam(r, "ax_id"), chi.URLParam(r, "peer"), page)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, msgs)
}

// Unread handles GET /api/messages/{ax_id}/unread. Reading the list does
// not mark anything read.
func (h *Handler) Unread(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.messages.Unread(chi.URLParam(r, "ax_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, msgs)
}

// Conversations handles GET /api/conversations/{ax_id}.
func (h *Handler) Conversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.messages.Conversations(chi.URLParam(r, "ax_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, convs)
}

// MarkReadRequest names the reader and, optionally, which conversation
// to clear.
type MarkReadRequest struct {
	To      string `json:"to"`
	From    string `json:"from"`
	GroupID string `json:"groupId"`
}

// MarkReadResponse reports how many messages were marked.
type MarkReadResponse struct {
	Marked int `json:"marked"`
}

// MarkRead handles POST /api/messages/read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req MarkReadRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	n, err := h.messages.MarkRead(r.Context(), req.To, messaging.ReadFilter{
		From:    req.From,
		GroupID: req.GroupID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, MarkReadResponse{Marked: n})
}
