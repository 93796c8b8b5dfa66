package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a delegated task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAccepted  TaskStatus = "accepted"
	TaskRejected  TaskStatus = "rejected"
	TaskCompleted TaskStatus = "completed"
)

// Terminal reports whether no further transition is possible from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskRejected || s == TaskCompleted
}

// TaskAction is a transition requested by the assignee.
type TaskAction string

const (
	TaskAccept   TaskAction = "accept"
	TaskComplete TaskAction = "complete"
	TaskReject   TaskAction = "reject"
)

// Next returns the state reached by applying a to s.
//
//	pending  --accept-->   accepted
//	pending  --reject-->   rejected
//	accepted --complete--> completed
func (s TaskStatus) Next(a TaskAction) (TaskStatus, error) {
	switch s {
	case TaskPending:
		switch a {
		case TaskAccept:
			return TaskAccepted, nil
		case TaskReject:
			return TaskRejected, nil
		case TaskComplete:
		}
	case TaskAccepted:
		switch a {
		case TaskComplete:
			return TaskCompleted, nil
		case TaskAccept, TaskReject:
		}
	case TaskRejected, TaskCompleted:
	default:
		return "", fmt.Errorf("%w: unknown task status %q", ErrInvalidState, s)
	}
	return "", fmt.Errorf("%w: cannot %s a task that is %s", ErrInvalidState, a, s)
}

// Priority orders delegated work.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ParsePriority validates s. An empty string yields PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh:
		return Priority(s), nil
	}
	return "", fmt.Errorf("%w: priority must be low, normal or high", ErrValidation)
}

// Task is a unit of work delegated from one agent to another.
// InputData and OutputData are caller-defined JSON values.
type Task struct {
	TaskID      string          `json:"task_id"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	InputData   json.RawMessage `json:"input_data"`
	Priority    Priority        `json:"priority"`
	Status      TaskStatus      `json:"status"`
	OutputData  json.RawMessage `json:"output_data,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Clone returns a copy that shares no buffers with t.
func (t Task) Clone() Task {
	t.InputData = cloneRaw(t.InputData)
	t.OutputData = cloneRaw(t.OutputData)
	return t
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}
