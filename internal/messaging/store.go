// Package messaging keeps the append-only direct and group conversation
// logs together with each recipient's unread inbox.
//
// Every conversation (one per agent pair, one per group) has its own lock,
// so appends to different conversations never contend. The timestamp of a
// new message is max(now, last+1) in Unix milliseconds, which makes the
// order inside a conversation total.
package messaging

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeoCryptoFlow/aixin/internal/ids"
	"github.com/LeoCryptoFlow/aixin/internal/models"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// AgentChecker validates AX-IDs against the identity registry.
type AgentChecker interface {
	Exists(axID string) bool
}

// Persister durably records messages, read markers and groups.
type Persister interface {
	// AppendMessage stores m and one unread receipt per recipient.
	AppendMessage(ctx context.Context, m *models.Message, recipients []string) error
	MarkRead(ctx context.Context, recipient string, messageIDs []string) error
	SaveGroup(ctx context.Context, g *models.Group) error
}

type nopPersister struct{}

func (nopPersister) AppendMessage(context.Context, *models.Message, []string) error { return nil }
func (nopPersister) MarkRead(context.Context, string, []string) error             { return nil }
func (nopPersister) SaveGroup(context.Context, *models.Group) error               { return nil }

// Store is the message store.
type Store struct {
	agents  AgentChecker
	persist Persister
	now     func() time.Time

	mu       sync.Mutex
	convs    map[string]*conversation
	inboxes  map[string]*inbox
	peers    map[string]map[string]struct{}
	groups   map[string]*groupEntry
	gorder   []*groupEntry
	reserved map[string]struct{}

	direct  atomic.Int64
	grouped atomic.Int64
}

type conversation struct {
	mu     sync.Mutex
	log    []models.Message
	lastTS int64
}

// inbox holds the messages a recipient has not marked read, in arrival order.
type inbox struct {
	mu     sync.Mutex
	unread []models.Message
	ids    map[string]struct{}
}

func (in *inbox) push(m models.Message) {
	in.mu.Lock()
	in.unread = append(in.unread, m)
	in.ids[m.ID] = struct{}{}
	in.mu.Unlock()
}

func (in *inbox) has(id string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	_, ok := in.ids[id]
	return ok
}

// New creates an empty store. A nil persister keeps everything in memory.
func New(agents AgentChecker, persist Persister) *Store {
	if persist == nil {
		persist = nopPersister{}
	}
	return &Store{
		agents:   agents,
		persist:  persist,
		now:      time.Now,
		convs:    make(map[string]*conversation),
		inboxes:  make(map[string]*inbox),
		peers:    make(map[string]map[string]struct{}),
		groups:   make(map[string]*groupEntry),
		reserved: make(map[string]struct{}),
	}
}

func (s *Store) conversation(key string) *conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[key]
	if !ok {
		c = &conversation{}
		s.convs[key] = c
	}
	return c
}

func (s *Store) inbox(axID string) *inbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.inboxes[axID]
	if !ok {
		in = &inbox{ids: make(map[string]struct{})}
		s.inboxes[axID] = in
	}
	return in
}

// peekConversation returns the conversation for key without creating it.
func (s *Store) peekConversation(key string) *conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convs[key]
}

// append assigns the timestamp, persists and publishes m. Recipients'
// inboxes are filled while the conversation lock is held so that arrival
// order matches conversation order.
func (s *Store) append(ctx context.Context, key string, m models.Message, recipients []string) (models.Message, error) {
	c := s.conversation(key)
	boxes := make([]*inbox, len(recipients))
	for i, r := range recipients {
		boxes[i] = s.inbox(r)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	m.ID = ids.NewMessageID()
	m.Timestamp = max(s.now().UnixMilli(), c.lastTS+1)
	m.Seq = int64(len(c.log)) + 1
	if err := s.persist.AppendMessage(ctx, &m, recipients); err != nil {
		return models.Message{}, fmt.Errorf("append message: %w", err)
	}
	c.log = append(c.log, m)
	c.lastTS = m.Timestamp
	for _, in := range boxes {
		in.push(m)
	}
	return m, nil
}

func normalizeContent(content, msgType string) (string, string, error) {
	if strings.TrimSpace(content) == "" {
		return "", "", fmt.Errorf("%w: content is required", models.ErrValidation)
	}
	msgType = strings.TrimSpace(msgType)
	if msgType == "" {
		msgType = models.DefaultMessageType
	}
	return content, msgType, nil
}

// Send appends a direct message from one agent to another.
func (s *Store) Send(ctx context.Context, from, to, content, msgType string) (models.Message, error) {
	if from == "" || to == "" {
		return models.Message{}, fmt.Errorf("%w: from and to are required", models.ErrValidation)
	}
	if from == to {
		return models.Message{}, fmt.Errorf("%w: cannot message yourself", models.ErrSelfReference)
	}
	for _, id := range []string{from, to} {
		if !s.agents.Exists(id) {
			return models.Message{}, fmt.Errorf("%w: %s", models.ErrUnknownAgent, id)
		}
	}
	content, msgType, err := normalizeContent(content, msgType)
	if err != nil {
		return models.Message{}, err
	}

	m, err := s.append(ctx, models.DirectConversationKey(from, to), models.Message{
		From:    from,
		To:      to,
		Content: content,
		Type:    msgType,
	}, []string{to})
	if err != nil {
		return models.Message{}, err
	}
	s.link(from, to)
	s.direct.Add(1)
	return m, nil
}

// Page selects a window of a conversation counted from its newest message.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) bounds(n int) (int, int) {
	limit := p.Limit
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	end := n - max(p.Offset, 0)
	if end <= 0 {
		return 0, 0
	}
	return max(end-limit, 0), end
}

func (s *Store) window(key string, p Page) []models.Message {
	c := s.peekConversation(key)
	if c == nil {
		return []models.Message{}
	}
	c.mu.Lock()
	start, end := p.bounds(len(c.log))
	out := make([]models.Message, end-start)
	copy(out, c.log[start:end])
	c.mu.Unlock()
	return out
}

// History returns the most recent messages between a and b in ascending
// timestamp order. Read is reported from the recipient's point of view.
func (s *Store) History(a, b string, p Page) ([]models.Message, error) {
	for _, id := range []string{a, b} {
		if !s.agents.Exists(id) {
			return nil, fmt.Errorf("%w: %s", models.ErrUnknownAgent, id)
		}
	}
	out := s.window(models.DirectConversationKey(a, b), p)
	boxes := map[string]*inbox{a: s.inbox(a), b: s.inbox(b)}
	for i := range out {
		out[i].Read = !boxes[out[i].To].has(out[i].ID)
	}
	return out, nil
}

// Unread returns the direct and group messages axID has not marked read,
// in arrival order. It does not change any state.
func (s *Store) Unread(axID string) ([]models.Message, error) {
	if !s.agents.Exists(axID) {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownAgent, axID)
	}
	in := s.inbox(axID)
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]models.Message{}, in.unread...), nil
}

// ReadFilter narrows MarkRead. With neither field set every unread message
// is marked.
type ReadFilter struct {
	From    string
	GroupID string
}

func (f ReadFilter) match(m models.Message) bool {
	switch {
	case f.GroupID != "":
		return m.GroupID == f.GroupID
	case f.From != "":
		return !m.IsGroup() && m.From == f.From
	}
	return true
}

// MarkRead removes the matching messages from axID's unread inbox and
// returns how many were marked.
func (s *Store) MarkRead(ctx context.Context, axID string, f ReadFilter) (int, error) {
	if axID == "" {
		return 0, fmt.Errorf("%w: reader is required", models.ErrValidation)
	}
	if !s.agents.Exists(axID) {
		return 0, fmt.Errorf("%w: %s", models.ErrUnknownAgent, axID)
	}
	in := s.inbox(axID)
	in.mu.Lock()
	defer in.mu.Unlock()

	var marked []string
	keep := make([]models.Message, 0, len(in.unread))
	for _, m := range in.unread {
		if f.match(m) {
			marked = append(marked, m.ID)
			continue
		}
		keep = append(keep, m)
	}
	if len(marked) == 0 {
		return 0, nil
	}
	if err := s.persist.MarkRead(ctx, axID, marked); err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	in.unread = keep
	for _, id := range marked {
		delete(in.ids, id)
	}
	return len(marked), nil
}

// Counts summarizes the store for the portal statistics.
type Counts struct {
	DirectMessages int64 `json:"direct_messages"`
	GroupMessages  int64 `json:"group_messages"`
	Groups         int   `json:"groups"`
}

func (s *Store) Counts() Counts {
	s.mu.Lock()
	groups := len(s.groups)
	s.mu.Unlock()
	return Counts{
		DirectMessages: s.direct.Load(),
		GroupMessages:  s.grouped.Load(),
		Groups:         groups,
	}
}

// Restore loads persisted state before the store serves requests. Messages
// must be in conversation order; unread lists (recipient, message id)
// pairs still outstanding.
func (s *Store) Restore(groups []models.Group, messages []models.Message, unread []models.Receipt) {
	for _, g := range groups {
		e := &groupEntry{group: g.Clone()}
		s.groups[g.GroupID] = e
		s.gorder = append(s.gorder, e)
	}
	byID := make(map[string]models.Message, len(messages))
	for _, m := range messages {
		c := s.conversation(m.ConversationKey())
		c.log = append(c.log, m)
		c.lastTS = max(c.lastTS, m.Timestamp)
		byID[m.ID] = m
		if m.IsGroup() {
			s.grouped.Add(1)
		} else {
			s.link(m.From, m.To)
			s.direct.Add(1)
		}
	}
	for _, r := range unread {
		if m, ok := byID[r.MessageID]; ok {
			s.inbox(r.Recipient).push(m)
		}
	}
}
