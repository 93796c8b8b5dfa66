// Package contact implements the friendship state machine between agents.
//
// Each unordered pair of AX-IDs has at most one record:
//
//	NONE --request--> PENDING(requested_by) --accept--> ACCEPTED
//	                                       \--reject--> REJECTED --request--> PENDING
//
// Transitions on one pair are serialized by that pair's lock; different
// pairs never contend.
package contact

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeoCryptoFlow/aixin/internal/models"
)

// AgentChecker validates AX-IDs against the identity registry.
type AgentChecker interface {
	Exists(axID string) bool
}

// Persister durably records contact records.
type Persister interface {
	SaveContact(ctx context.Context, c *models.Contact) error
	DeleteContact(ctx context.Context, a, b string) error
}

type nopPersister struct{}

func (nopPersister) SaveContact(context.Context, *models.Contact) error { return nil }
func (nopPersister) DeleteContact(context.Context, string, string) error { return nil }

// Graph holds every contact record.
type Graph struct {
	agents  AgentChecker
	persist Persister
	now     func() time.Time
	seq     atomic.Int64

	mu      sync.Mutex
	pairs   map[string]*pair
	byAgent map[string][]*pair
}

type pair struct {
	mu      sync.Mutex
	contact *models.Contact // nil while the pair is in NONE
}

// New creates an empty graph. A nil persister keeps records in memory only.
func New(agents AgentChecker, persist Persister) *Graph {
	if persist == nil {
		persist = nopPersister{}
	}
	return &Graph{
		agents:  agents,
		persist: persist,
		now:     time.Now,
		pairs:   make(map[string]*pair),
		byAgent: make(map[string][]*pair),
	}
}

// pairFor returns the entry for x and y, creating it when create is set.
func (g *Graph) pairFor(x, y string, create bool) *pair {
	key := models.PairKey(x, y)
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pairs[key]
	if !ok && create {
		p = &pair{}
		g.pairs[key] = p
		g.byAgent[x] = append(g.byAgent[x], p)
		g.byAgent[y] = append(g.byAgent[y], p)
	}
	return p
}

func (g *Graph) checkEndpoints(x, y string) error {
	if x == "" || y == "" {
		return fmt.Errorf("%w: both agents are required", models.ErrValidation)
	}
	if x == y {
		return fmt.Errorf("%w: an agent cannot befriend itself", models.ErrSelfReference)
	}
	for _, id := range []string{x, y} {
		if !g.agents.Exists(id) {
			return fmt.Errorf("%w: %s", models.ErrUnknownAgent, id)
		}
	}
	return nil
}

// commit persists next and then publishes it. Callers hold p.mu.
func (g *Graph) commit(ctx context.Context, p *pair, next models.Contact) (models.Contact, error) {
	if err := g.persist.SaveContact(ctx, &next); err != nil {
		return models.Contact{}, fmt.Errorf("save contact: %w", err)
	}
	p.contact = &next
	return next, nil
}

// Request records that from wants to connect with to. A request crossing
// one already sent by the other side is treated as mutual consent and
// accepts the pair.
func (g *Graph) Request(ctx context.Context, from, to string) (models.Contact, error) {
	if err := g.checkEndpoints(from, to); err != nil {
		return models.Contact{}, err
	}
	p := g.pairFor(from, to, true)

	p.mu.Lock()
	defer p.mu.Unlock()
	now := g.now().UTC()
	cur := p.contact

	switch {
	case cur == nil || cur.Status == models.ContactRejected:
		a, b := models.OrderedPair(from, to)
		return g.commit(ctx, p, models.Contact{
			A:           a,
			B:           b,
			RequestedBy: from,
			Status:      models.ContactPending,
			Seq:         g.seq.Add(1),
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	case cur.Status == models.ContactPending && cur.RequestedBy == from:
		return *cur, nil
	case cur.Status == models.ContactPending:
		next := *cur
		next.Status = models.ContactAccepted
		next.UpdatedAt = now
		return g.commit(ctx, p, next)
	default:
		return models.Contact{}, fmt.Errorf("%w: %s and %s are already contacts", models.ErrConflict, from, to)
	}
}

// Accept lets owner accept the pending request friend sent. Accepting an
// already accepted pair succeeds without change.
func (g *Graph) Accept(ctx context.Context, owner, friend string) (models.Contact, error) {
	if err := g.checkEndpoints(owner, friend); err != nil {
		return models.Contact{}, err
	}
	p := g.pairFor(owner, friend, false)
	if p == nil {
		return models.Contact{}, fmt.Errorf("%w: no request from %s", models.ErrInvalidState, friend)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	cur := p.contact
	switch {
	case cur == nil:
		return models.Contact{}, fmt.Errorf("%w: no request from %s", models.ErrInvalidState, friend)
	case cur.Status == models.ContactAccepted:
		return *cur, nil
	case cur.Status == models.ContactPending && cur.RequestedBy == friend:
		next := *cur
		next.Status = models.ContactAccepted
		next.UpdatedAt = g.now().UTC()
		return g.commit(ctx, p, next)
	default:
		return models.Contact{}, fmt.Errorf("%w: contact is %s, requested by %s", models.ErrInvalidState, cur.Status, cur.RequestedBy)
	}
}

// Reject lets owner decline the pending request friend sent. Rejecting an
// already rejected pair succeeds without change.
func (g *Graph) Reject(ctx context.Context, owner, friend string) (models.Contact, error) {
	if err := g.checkEndpoints(owner, friend); err != nil {
		return models.Contact{}, err
	}
	p := g.pairFor(owner, friend, false)
	if p == nil {
		return models.Contact{}, fmt.Errorf("%w: no request from %s", models.ErrInvalidState, friend)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	cur := p.contact
	switch {
	case cur == nil:
		return models.Contact{}, fmt.Errorf("%w: no request from %s", models.ErrInvalidState, friend)
	case cur.Status == models.ContactRejected:
		return *cur, nil
	case cur.Status == models.ContactPending && cur.RequestedBy == friend:
		next := *cur
		next.Status = models.ContactRejected
		next.UpdatedAt = g.now().UTC()
		return g.commit(ctx, p, next)
	default:
		return models.Contact{}, fmt.Errorf("%w: contact is %s, requested by %s", models.ErrInvalidState, cur.Status, cur.RequestedBy)
	}
}

// Remove ends an accepted relationship, returning the pair to NONE.
func (g *Graph) Remove(ctx context.Context, owner, friend string) error {
	if err := g.checkEndpoints(owner, friend); err != nil {
		return err
	}
	p := g.pairFor(owner, friend, false)
	if p == nil {
		return fmt.Errorf("%w: %s and %s are not contacts", models.ErrInvalidState, owner, friend)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.contact == nil || p.contact.Status != models.ContactAccepted {
		return fmt.Errorf("%w: %s and %s are not contacts", models.ErrInvalidState, owner, friend)
	}
	a, b := models.OrderedPair(owner, friend)
	if err := g.persist.DeleteContact(ctx, a, b); err != nil {
		return fmt.Errorf("delete contact: %w", err)
	}
	p.contact = nil
	return nil
}

// Status returns the state of the pair, or "" when there is no record.
func (g *Graph) Status(x, y string) models.ContactStatus {
	p := g.pairFor(x, y, false)
	if p == nil {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.contact == nil {
		return ""
	}
	return p.contact.Status
}

// Friends returns the accepted records touching axID in creation order.
func (g *Graph) Friends(axID string) []models.Contact {
	return g.list(axID, models.ContactAccepted)
}

// Pending returns the pending records touching axID in creation order,
// both sent and received.
func (g *Graph) Pending(axID string) []models.Contact {
	return g.list(axID, models.ContactPending)
}

func (g *Graph) list(axID string, status models.ContactStatus) []models.Contact {
	g.mu.Lock()
	pairs := append([]*pair(nil), g.byAgent[axID]...)
	g.mu.Unlock()

	out := make([]models.Contact, 0, len(pairs))
	for _, p := range pairs {
		p.mu.Lock()
		if p.contact != nil && p.contact.Status == status {
			out = append(out, *p.contact)
		}
		p.mu.Unlock()
	}
	slices.SortFunc(out, func(x, y models.Contact) int {
		return cmp.Compare(x.Seq, y.Seq)
	})
	return out
}

// Restore loads persisted records before the graph serves requests.
func (g *Graph) Restore(contacts []models.Contact) {
	for _, c := range contacts {
		p := g.pairFor(c.A, c.B, true)
		p.mu.Lock()
		p.contact = &c
		p.mu.Unlock()
		for {
			cur := g.seq.Load()
			if c.Seq <= cur || g.seq.CompareAndSwap(cur, c.Seq) {
				break
			}
		}
	}
}
