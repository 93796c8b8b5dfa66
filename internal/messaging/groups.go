package messaging

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/LeoCryptoFlow/aixin/internal/ids"
	"github.com/LeoCryptoFlow/aixin/internal/models"
)

type groupEntry struct {
	mu    sync.Mutex
	group models.Group
}

func (e *groupEntry) load() models.Group {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.group.Clone()
}

func (s *Store) groupEntry(id string) (*groupEntry, error) {
	s.mu.Lock()
	e, ok := s.groups[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownGroup, id)
	}
	return e, nil
}

// CreateGroup creates a group owned by owner. The owner is always the first
// member; duplicates in members are dropped.
func (s *Store) CreateGroup(ctx context.Context, name, owner string, members []string) (models.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Group{}, fmt.Errorf("%w: group name is required", models.ErrValidation)
	}
	if owner == "" {
		return models.Group{}, fmt.Errorf("%w: owner is required", models.ErrValidation)
	}
	all := []string{owner}
	for _, m := range members {
		m = strings.TrimSpace(m)
		if m != "" && !slices.Contains(all, m) {
			all = append(all, m)
		}
	}
	for _, m := range all {
		if !s.agents.Exists(m) {
			return models.Group{}, fmt.Errorf("%w: %s", models.ErrUnknownAgent, m)
		}
	}

	s.mu.Lock()
	id := ids.NewPrefixed("group")
	for s.groupTakenLocked(id) {
		id = ids.NewPrefixed("group")
	}
	s.reserved[id] = struct{}{}
	s.mu.Unlock()

	g := models.Group{
		GroupID:   id,
		Name:      name,
		Owner:     owner,
		Members:   all,
		CreatedAt: s.now().UTC().Truncate(time.Millisecond),
	}
	err := s.persist.SaveGroup(ctx, &g)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reserved, id)
	if err != nil {
		return models.Group{}, fmt.Errorf("save group: %w", err)
	}
	e := &groupEntry{group: g}
	s.groups[id] = e
	s.gorder = append(s.gorder, e)
	return g.Clone(), nil
}

func (s *Store) groupTakenLocked(id string) bool {
	_, ok := s.groups[id]
	_, held := s.reserved[id]
	return ok || held
}

// Group returns the group with the given id.
func (s *Store) Group(id string) (models.Group, error) {
	e, err := s.groupEntry(id)
	if err != nil {
		return models.Group{}, err
	}
	return e.load(), nil
}

// GroupsOf returns the groups axID belongs to in creation order.
func (s *Store) GroupsOf(axID string) []models.Group {
	s.mu.Lock()
	entries := slices.Clone(s.gorder)
	s.mu.Unlock()

	out := []models.Group{}
	for _, e := range entries {
		if g := e.load(); g.HasMember(axID) {
			out = append(out, g)
		}
	}
	return out
}

// AddMember lets an existing member bring member into the group. Adding
// someone who already belongs succeeds without change.
func (s *Store) AddMember(ctx context.Context, groupID, actor, member string) (models.Group, error) {
	e, err := s.groupEntry(groupID)
	if err != nil {
		return models.Group{}, err
	}
	if !s.agents.Exists(member) {
		return models.Group{}, fmt.Errorf("%w: %s", models.ErrUnknownAgent, member)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.group.HasMember(actor) {
		return models.Group{}, fmt.Errorf("%w: %s is not in %s", models.ErrNotMember, actor, groupID)
	}
	if e.group.HasMember(member) {
		return e.group.Clone(), nil
	}
	next := e.group.Clone()
	next.Members = append(next.Members, member)
	if err := s.persist.SaveGroup(ctx, &next); err != nil {
		return models.Group{}, fmt.Errorf("save group: %w", err)
	}
	e.group = next
	return next.Clone(), nil
}

// RemoveMember takes member out of the group. The owner may remove anyone
// but itself; any other member may only remove itself.
func (s *Store) RemoveMember(ctx context.Context, groupID, actor, member string) (models.Group, error) {
	e, err := s.groupEntry(groupID)
	if err != nil {
		return models.Group{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	g := e.group
	switch {
	case !g.HasMember(actor):
		return models.Group{}, fmt.Errorf("%w: %s is not in %s", models.ErrNotMember, actor, groupID)
	case !g.HasMember(member):
		return models.Group{}, fmt.Errorf("%w: %s is not in %s", models.ErrNotMember, member, groupID)
	case member == g.Owner:
		return models.Group{}, fmt.Errorf("%w: the owner cannot leave the group", models.ErrInvalidState)
	case actor != g.Owner && actor != member:
		return models.Group{}, fmt.Errorf("%w: only the owner can remove other members", models.ErrNotMember)
	}

	next := g.Clone()
	next.Members = slices.DeleteFunc(next.Members, func(m string) bool { return m == member })
	if err := s.persist.SaveGroup(ctx, &next); err != nil {
		return models.Group{}, fmt.Errorf("save group: %w", err)
	}
	e.group = next
	return next.Clone(), nil
}

// SendGroup appends a message to a group's log. Every member except the
// sender gets it as unread.
func (s *Store) SendGroup(ctx context.Context, groupID, from, content, msgType string) (models.Message, error) {
	e, err := s.groupEntry(groupID)
	if err != nil {
		return models.Message{}, err
	}
	if !s.agents.Exists(from) {
		return models.Message{}, fmt.Errorf("%w: %s", models.ErrUnknownAgent, from)
	}
	content, msgType, err = normalizeContent(content, msgType)
	if err != nil {
		return models.Message{}, err
	}

	g := e.load()
	if !g.HasMember(from) {
		return models.Message{}, fmt.Errorf("%w: %s is not in %s", models.ErrNotMember, from, groupID)
	}
	recipients := slices.DeleteFunc(g.Members, func(m string) bool { return m == from })

	m, err := s.append(ctx, models.GroupConversationKey(groupID), models.Message{
		From:    from,
		GroupID: groupID,
		Content: content,
		Type:    msgType,
	}, recipients)
	if err != nil {
		return models.Message{}, err
	}
	s.grouped.Add(1)
	return m, nil
}

// GroupHistory returns the most recent messages of a group in ascending
// timestamp order.
func (s *Store) GroupHistory(groupID string, p Page) ([]models.Message, error) {
	if _, err := s.groupEntry(groupID); err != nil {
		return nil, err
	}
	return s.window(models.GroupConversationKey(groupID), p), nil
}
