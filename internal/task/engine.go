// Package task runs the delegation workflow. Each task is a small state
// machine owned by its assignee:
//
//	pending --accept--> accepted --complete--> completed
//	pending --reject--> rejected
//
// Transitions on one task are serialized by that task's lock.
package task

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/LeoCryptoFlow/aixin/internal/ids"
	"github.com/LeoCryptoFlow/aixin/internal/models"
)

// AgentChecker validates AX-IDs against the identity registry.
type AgentChecker interface {
	Exists(axID string) bool
}

// Persister durably records tasks.
type Persister interface {
	SaveTask(ctx context.Context, t *models.Task) error
}

type nopPersister struct{}

func (nopPersister) SaveTask(context.Context, *models.Task) error { return nil }

// Engine owns every task.
type Engine struct {
	agents  AgentChecker
	persist Persister
	now     func() time.Time

	mu       sync.RWMutex
	tasks    map[string]*entry
	received map[string][]*entry
	sent     map[string][]*entry
	reserved map[string]struct{}
	// lastCreated is the newest CreatedAt handed out.
	lastCreated time.Time
}

// entry guards one task. id and created never change, so the indexes can
// be ordered without taking the task lock.
type entry struct {
	id      string
	created time.Time

	mu   sync.Mutex
	task models.Task
}

func newEntry(t models.Task) *entry {
	return &entry{id: t.TaskID, created: t.CreatedAt, task: t}
}

func (e *entry) load() models.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Clone()
}

// New creates an empty engine. A nil persister keeps tasks in memory only.
func New(agents AgentChecker, persist Persister) *Engine {
	if persist == nil {
		persist = nopPersister{}
	}
	return &Engine{
		agents:   agents,
		persist:  persist,
		now:      time.Now,
		tasks:    make(map[string]*entry),
		received: make(map[string][]*entry),
		sent:     make(map[string][]*entry),
		reserved: make(map[string]struct{}),
	}
}

// DelegateParams describes a new task.
type DelegateParams struct {
	From        string
	To          string
	Title       string
	Description string
	InputData   json.RawMessage
	Priority    string
}

var emptyObject = json.RawMessage(`{}`)

// normalizePayload validates raw as a JSON value. Absent and null payloads
// become def.
func normalizePayload(raw, def json.RawMessage, field string) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return def, nil
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: %s must be valid JSON", models.ErrValidation, field)
	}
	return append(json.RawMessage(nil), trimmed...), nil
}

// Delegate creates a pending task from p.From to p.To.
func (e *Engine) Delegate(ctx context.Context, p DelegateParams) (models.Task, error) {
	if p.From == "" || p.To == "" {
		return models.Task{}, fmt.Errorf("%w: from and to are required", models.ErrValidation)
	}
	for _, id := range []string{p.From, p.To} {
		if !e.agents.Exists(id) {
			return models.Task{}, fmt.Errorf("%w: %s", models.ErrUnknownAgent, id)
		}
	}
	title := strings.TrimSpace(p.Title)
	if title == "" {
		return models.Task{}, fmt.Errorf("%w: title is required", models.ErrValidation)
	}
	priority, err := models.ParsePriority(p.Priority)
	if err != nil {
		return models.Task{}, err
	}
	input, err := normalizePayload(p.InputData, emptyObject, "input_data")
	if err != nil {
		return models.Task{}, err
	}

	e.mu.Lock()
	id := ids.NewPrefixed("task")
	for e.takenLocked(id) {
		id = ids.NewPrefixed("task")
	}
	e.reserved[id] = struct{}{}
	now := e.stampLocked()
	e.mu.Unlock()

	t := models.Task{
		TaskID:      id,
		From:        p.From,
		To:          p.To,
		Title:       title,
		Description: p.Description,
		InputData:   input,
		Priority:    priority,
		Status:      models.TaskPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = e.persist.SaveTask(ctx, &t)

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.reserved, id)
	if err != nil {
		return models.Task{}, fmt.Errorf("save task: %w", err)
	}
	e.insertLocked(newEntry(t))
	return t.Clone(), nil
}

// stampLocked returns a creation time later than any handed out before,
// at the microsecond precision the databases keep. Callers hold e.mu.
func (e *Engine) stampLocked() time.Time {
	now := e.now().UTC().Truncate(time.Microsecond)
	if !now.After(e.lastCreated) {
		now = e.lastCreated.Add(time.Microsecond)
	}
	e.lastCreated = now
	return now
}

func (e *Engine) takenLocked(id string) bool {
	_, ok := e.tasks[id]
	_, held := e.reserved[id]
	return ok || held
}

// insertLocked indexes en. The per-agent lists stay sorted by creation
// time, then id, whatever order saves complete in.
func (e *Engine) insertLocked(en *entry) {
	e.tasks[en.id] = en
	e.received[en.task.To] = insertByCreation(e.received[en.task.To], en)
	e.sent[en.task.From] = insertByCreation(e.sent[en.task.From], en)
}

func insertByCreation(list []*entry, en *entry) []*entry {
	i, _ := slices.BinarySearchFunc(list, en, func(a, b *entry) int {
		return cmp.Or(a.created.Compare(b.created), cmp.Compare(a.id, b.id))
	})
	return slices.Insert(list, i, en)
}

func (e *Engine) entry(id string) (*entry, error) {
	e.mu.RLock()
	en, ok := e.tasks[id]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownTask, id)
	}
	return en, nil
}

// Get returns the task with the given id.
func (e *Engine) Get(id string) (models.Task, error) {
	en, err := e.entry(id)
	if err != nil {
		return models.Task{}, err
	}
	return en.load(), nil
}

// transition applies action for actor. An empty actor stands for the
// assignee. apply sets the fields that go with the new status.
func (e *Engine) transition(ctx context.Context, id, actor string, action models.TaskAction, apply func(*models.Task)) (models.Task, error) {
	en, err := e.entry(id)
	if err != nil {
		return models.Task{}, err
	}

	en.mu.Lock()
	defer en.mu.Unlock()
	if actor != "" && actor != en.task.To {
		return models.Task{}, fmt.Errorf("%w: only %s can %s task %s", models.ErrInvalidState, en.task.To, action, id)
	}
	status, err := en.task.Status.Next(action)
	if err != nil {
		return models.Task{}, err
	}

	next := en.task.Clone()
	next.Status = status
	next.UpdatedAt = e.now().UTC()
	if apply != nil {
		apply(&next)
	}
	if err := e.persist.SaveTask(ctx, &next); err != nil {
		return models.Task{}, fmt.Errorf("save task: %w", err)
	}
	en.task = next
	return next.Clone(), nil
}

// Accept moves a pending task to accepted.
func (e *Engine) Accept(ctx context.Context, id, by string) (models.Task, error) {
	return e.transition(ctx, id, by, models.TaskAccept, nil)
}

// Complete moves an accepted task to completed and stores its output.
func (e *Engine) Complete(ctx context.Context, id, by string, output json.RawMessage) (models.Task, error) {
	out, err := normalizePayload(output, emptyObject, "output_data")
	if err != nil {
		return models.Task{}, err
	}
	return e.transition(ctx, id, by, models.TaskComplete, func(t *models.Task) {
		t.OutputData = out
	})
}

// Reject moves a pending task to rejected and stores the reason.
func (e *Engine) Reject(ctx context.Context, id, by, reason string) (models.Task, error) {
	return e.transition(ctx, id, by, models.TaskReject, func(t *models.Task) {
		t.Reason = strings.TrimSpace(reason)
	})
}

// Received returns the tasks addressed to axID, newest first.
func (e *Engine) Received(axID string) []models.Task {
	return e.list(e.received, axID)
}

// Sent returns the tasks axID delegated, newest first.
func (e *Engine) Sent(axID string) []models.Task {
	return e.list(e.sent, axID)
}

func (e *Engine) list(index map[string][]*entry, axID string) []models.Task {
	e.mu.RLock()
	entries := slices.Clone(index[axID])
	e.mu.RUnlock()

	out := make([]models.Task, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i].load())
	}
	return out
}

// Counts returns the number of tasks per status.
func (e *Engine) Counts() map[models.TaskStatus]int {
	e.mu.RLock()
	entries := make([]*entry, 0, len(e.tasks))
	for _, en := range e.tasks {
		entries = append(entries, en)
	}
	e.mu.RUnlock()

	out := map[models.TaskStatus]int{
		models.TaskPending:   0,
		models.TaskAccepted:  0,
		models.TaskRejected:  0,
		models.TaskCompleted: 0,
	}
	for _, en := range entries {
		out[en.load().Status]++
	}
	return out
}

// Restore loads persisted tasks, oldest first, before the engine serves
// requests.
func (e *Engine) Restore(tasks []models.Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range tasks {
		e.insertLocked(newEntry(t.Clone()))
		if t.CreatedAt.After(e.lastCreated) {
			e.lastCreated = t.CreatedAt
		}
	}
}
