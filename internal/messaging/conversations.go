package messaging

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/LeoCryptoFlow/aixin/internal/models"
)

// Summary is one entry of an agent's conversation list.
type Summary struct {
	Peer        string `json:"peer,omitempty"`
	GroupID     string `json:"group_id,omitempty"`
	GroupName   string `json:"group_name,omitempty"`
	LastMessage string `json:"last_message,omitempty"`
	LastFrom    string `json:"last_from,omitempty"`
	LastTime    int64  `json:"last_time,omitempty"`
	Unread      int    `json:"unread"`
}

// Conversations lists an agent's direct chats and groups.
type Conversations struct {
	Chats  []Summary `json:"chats"`
	Groups []Summary `json:"groups"`
}

// link records that a and b share a direct conversation.
func (s *Store) link(a, b string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range [][2]string{{a, b}, {b, a}} {
		set, ok := s.peers[p[0]]
		if !ok {
			set = make(map[string]struct{})
			s.peers[p[0]] = set
		}
		set[p[1]] = struct{}{}
	}
}

// Conversations returns axID's direct chats, most recent first, and the
// groups it belongs to, groups with recent traffic first and the rest in
// creation order.
func (s *Store) Conversations(axID string) (Conversations, error) {
	if !s.agents.Exists(axID) {
		return Conversations{}, fmt.Errorf("%w: %s", models.ErrUnknownAgent, axID)
	}

	s.mu.Lock()
	peers := make([]string, 0, len(s.peers[axID]))
	for p := range s.peers[axID] {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	unread := s.unreadByConversation(axID)
	out := Conversations{Chats: []Summary{}, Groups: []Summary{}}
	for _, p := range peers {
		key := models.DirectConversationKey(axID, p)
		sum := Summary{Peer: p, Unread: unread[key]}
		s.fillLast(key, &sum)
		out.Chats = append(out.Chats, sum)
	}
	for _, g := range s.GroupsOf(axID) {
		key := models.GroupConversationKey(g.GroupID)
		sum := Summary{GroupID: g.GroupID, GroupName: g.Name, Unread: unread[key]}
		s.fillLast(key, &sum)
		out.Groups = append(out.Groups, sum)
	}

	slices.SortFunc(out.Chats, func(a, b Summary) int {
		return cmp.Or(cmp.Compare(b.LastTime, a.LastTime), cmp.Compare(a.Peer, b.Peer))
	})
	slices.SortStableFunc(out.Groups, func(a, b Summary) int {
		return cmp.Compare(b.LastTime, a.LastTime)
	})
	return out, nil
}

func (s *Store) unreadByConversation(axID string) map[string]int {
	in := s.inbox(axID)
	in.mu.Lock()
	defer in.mu.Unlock()
	counts := make(map[string]int)
	for _, m := range in.unread {
		counts[m.ConversationKey()]++
	}
	return counts
}

func (s *Store) fillLast(key string, sum *Summary) {
	c := s.peekConversation(key)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.log) == 0 {
		return
	}
	last := c.log[len(c.log)-1]
	sum.LastMessage = last.Content
	sum.LastFrom = last.From
	sum.LastTime = last.Timestamp
}
