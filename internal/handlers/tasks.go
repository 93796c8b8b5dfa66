package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/LeoCryptoFlow/aixin/internal/metrics"
	"github.com/LeoCryptoFlow/aixin/internal/models"
	"github.com/LeoCryptoFlow/aixin/internal/realtime"
	"github.com/LeoCryptoFlow/aixin/internal/task"
)

// DelegateRequest represents the task delegation request body.
type DelegateRequest struct {
	From        string          `json:"from"`
	To          string          `json:"to"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	InputData   json.RawMessage `json:"inputData"`
	Priority    string          `json:"priority"`
}

// TaskActionRequest is the body of accept, complete and reject. By names
// the acting agent; empty means the assignee.
type TaskActionRequest struct {
	By         string          `json:"by"`
	OutputData json.RawMessage `json:"outputData"`
	Reason     string          `json:"reason"`
}

// DelegateTask handles POST /api/tasks.
func (h *Handler) DelegateTask(w http.ResponseWriter, r *http.Request) {
	var req DelegateRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	t, err := h.tasks.Delegate(r.Context(), task.DelegateParams{
		From:        req.From,
		To:          req.To,
		Title:       req.Title,
		Description: req.Description,
		InputData:   req.InputData,
		Priority:    req.Priority,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	metrics.TaskTransitions.WithLabelValues(string(t.Status)).Inc()
	h.publish(r, realtime.EventTaskReceived, t, t.To)

	h.JSON(w, http.StatusCreated, t)
}

// GetTask handles GET /api/tasks/{id}.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.tasks.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, t)
}

// taskAction decodes the action body, applies it and reports the result
// to the delegator.
func (h *Handler) taskAction(w http.ResponseWriter, r *http.Request, apply func(id string, req TaskActionRequest) (models.Task, error)) {
	var req TaskActionRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	t, err := apply(chi.URLParam(r, "id"), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	metrics.TaskTransitions.WithLabelValues(string(t.Status)).Inc()
	h.publish(r, realtime.EventTaskUpdated, t, t.From)
	h.JSON(w, http.StatusOK, t)
}

// AcceptTask handles POST /api/tasks/{id}/accept.
func (h *Handler) AcceptTask(w http.ResponseWriter, r *http.Request) {
	h.taskAction(w, r, func(id string, req TaskActionRequest) (models.Task, error) {
		return h.tasks.Accept(r.Context(), id, req.By)
	})
}

// CompleteTask handles POST /api/tasks/{id}/complete.
func (h *Handler) CompleteTask(w http.ResponseWriter, r *http.Request) {
	h.taskAction(w, r, func(id string, req TaskActionRequest) (models.Task, error) {
		return h.tasks.Complete(r.Context(), id, req.By, req.OutputData)
	})
}

// RejectTask handles POST /api/tasks/{id}/reject.
func (h *Handler) RejectTask(w http.ResponseWriter, r *http.Request) {
	h.taskAction(w, r, func(id string, req TaskActionRequest) (models.Task, error) {
		return h.tasks.Reject(r.Context(), id, req.By, req.Reason)
	})
}

// ReceivedTasks lists tasks addressed to an agent, newest first.
func (h *Handler) ReceivedTasks(w http.ResponseWriter, r *http.Request) {
	axID := chi.URLParam(r, "ax_id")
	if !h.registry.Exists(axID) {
		h.fail(w, r, models.ErrUnknownAgent)
		return
	}
	h.JSON(w, http.StatusOK, h.tasks.Received(axID))
}

// SentTasks lists tasks an agent delegated, newest first.
func (h *Handler) SentTasks(w http.ResponseWriter, r *http.Request) {
	axID := chi.URLParam(r, "ax_id")
	if !h.registry.Exists(axID) {
		h.fail(w, r, models.ErrUnknownAgent)
		return
	}
	h.JSON(w, http.StatusOK, h.tasks.Sent(axID))
}
