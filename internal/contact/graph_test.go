package contact

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeoCryptoFlow/aixin/internal/models"
)

type agentSet map[string]bool

func (s agentSet) Exists(id string) bool { return s[id] }

const (
	alice = "AX-U-CN-1001"
	bob   = "AX-S-CN-2002"
	carol = "AX-U-US-3003"
)

func newTestGraph(p Persister) *Graph {
	return New(agentSet{alice: true, bob: true, carol: true}, p)
}

func ids(cs []models.Contact, self string) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Other(self))
	}
	return out
}

func TestRequestAcceptIsSymmetric(t *testing.T) {
	g := newTestGraph(nil)
	ctx := context.Background()

	c, err := g.Request(ctx, alice, bob)
	require.NoError(t, err)
	assert.Equal(t, models.ContactPending, c.Status)
	assert.Equal(t, alice, c.RequestedBy)

	c, err = g.Accept(ctx, bob, alice)
	require.NoError(t, err)
	assert.Equal(t, models.ContactAccepted, c.Status)

	assert.Equal(t, []string{bob}, ids(g.Friends(alice), alice))
	assert.Equal(t, []string{alice}, ids(g.Friends(bob), bob))
	assert.Equal(t, g.Status(alice, bob), g.Status(bob, alice))
	assert.Empty(t, g.Pending(alice))
}

func TestRequestIsIdempotentForSameInitiator(t *testing.T) {
	g := newTestGraph(nil)
	ctx := context.Background()

	first, err := g.Request(ctx, alice, bob)
	require.NoError(t, err)
	again, err := g.Request(ctx, alice, bob)
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestCrossingRequestsAccept(t *testing.T) {
	g := newTestGraph(nil)
	ctx := context.Background()

	_, err := g.Request(ctx, alice, bob)
	require.NoError(t, err)
	c, err := g.Request(ctx, bob, alice)
	require.NoError(t, err)
	assert.Equal(t, models.ContactAccepted, c.Status)
	assert.Equal(t, alice, c.RequestedBy)

	_, err = g.Request(ctx, alice, bob)
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestAcceptRules(t *testing.T) {
	g := newTestGraph(nil)
	ctx := context.Background()

	_, err := g.Accept(ctx, bob, alice)
	assert.ErrorIs(t, err, models.ErrInvalidState, "no request yet")

	_, err = g.Request(ctx, alice, bob)
	require.NoError(t, err)

	_, err = g.Accept(ctx, alice, bob)
	assert.ErrorIs(t, err, models.ErrInvalidState, "initiator cannot accept its own request")

	once, err := g.Accept(ctx, bob, alice)
	require.NoError(t, err)
	twice, err := g.Accept(ctx, bob, alice)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestConcurrentAcceptTransitionsOnce(t *testing.T) {
	p := &countingPersister{}
	g := newTestGraph(p)
	ctx := context.Background()
	_, err := g.Request(ctx, alice, bob)
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	results := make([]models.Contact, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = g.Accept(ctx, bob, alice)
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, models.ContactAccepted, results[i].Status)
		assert.Equal(t, results[0], results[i])
	}
	// one save for the request, one for the accept
	assert.Equal(t, 2, p.saves())
}

func TestRejectThenRequestAgain(t *testing.T) {
	g := newTestGraph(nil)
	ctx := context.Background()

	first, err := g.Request(ctx, alice, bob)
	require.NoError(t, err)
	c, err := g.Reject(ctx, bob, alice)
	require.NoError(t, err)
	assert.Equal(t, models.ContactRejected, c.Status)

	_, err = g.Reject(ctx, bob, alice)
	require.NoError(t, err)
	_, err = g.Accept(ctx, bob, alice)
	assert.ErrorIs(t, err, models.ErrInvalidState)

	again, err := g.Request(ctx, bob, alice)
	require.NoError(t, err)
	assert.Equal(t, models.ContactPending, again.Status)
	assert.Equal(t, bob, again.RequestedBy)
	assert.Greater(t, again.Seq, first.Seq)
}

func TestEndpointValidation(t *testing.T) {
	g := newTestGraph(nil)
	ctx := context.Background()

	_, err := g.Request(ctx, alice, alice)
	assert.ErrorIs(t, err, models.ErrSelfReference)
	_, err = g.Request(ctx, alice, "AX-U-CN-0000")
	assert.ErrorIs(t, err, models.ErrUnknownAgent)
	_, err = g.Request(ctx, "", bob)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestRemove(t *testing.T) {
	g := newTestGraph(nil)
	ctx := context.Background()

	assert.ErrorIs(t, g.Remove(ctx, alice, bob), models.ErrInvalidState)

	_, err := g.Request(ctx, alice, bob)
	require.NoError(t, err)
	assert.ErrorIs(t, g.Remove(ctx, alice, bob), models.ErrInvalidState)

	_, err = g.Accept(ctx, bob, alice)
	require.NoError(t, err)
	require.NoError(t, g.Remove(ctx, bob, alice))
	assert.Empty(t, g.Friends(alice))
	assert.Empty(t, g.Friends(bob))
	assert.Equal(t, models.ContactStatus(""), g.Status(alice, bob))

	_, err = g.Request(ctx, bob, alice)
	require.NoError(t, err)
}

func TestPendingListsBothDirectionsInOrder(t *testing.T) {
	g := newTestGraph(nil)
	ctx := context.Background()

	_, err := g.Request(ctx, alice, bob)
	require.NoError(t, err)
	_, err = g.Request(ctx, carol, alice)
	require.NoError(t, err)

	pending := g.Pending(alice)
	require.Len(t, pending, 2)
	assert.Equal(t, []string{bob, carol}, ids(pending, alice))
	assert.Equal(t, alice, pending[0].RequestedBy)
	assert.Equal(t, carol, pending[1].RequestedBy)
}

func TestPersistFailureLeavesPairUnchanged(t *testing.T) {
	p := &countingPersister{}
	g := newTestGraph(p)
	ctx := context.Background()
	_, err := g.Request(ctx, alice, bob)
	require.NoError(t, err)

	p.fail(true)
	_, err = g.Accept(ctx, bob, alice)
	require.Error(t, err)
	assert.Equal(t, models.ContactPending, g.Status(alice, bob))

	p.fail(false)
	_, err = g.Accept(ctx, bob, alice)
	require.NoError(t, err)
	assert.Equal(t, models.ContactAccepted, g.Status(alice, bob))
}

func TestRestoreContinuesSequence(t *testing.T) {
	g := newTestGraph(nil)
	g.Restore([]models.Contact{{A: alice, B: bob, RequestedBy: alice, Status: models.ContactAccepted, Seq: 41}})
	assert.Equal(t, models.ContactAccepted, g.Status(bob, alice))

	c, err := g.Request(context.Background(), carol, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(42), c.Seq)
}

func TestConcurrentCrossingRequestsAccept(t *testing.T) {
	for range 100 {
		p := &countingPersister{}
		g := newTestGraph(p)
		ctx := context.Background()

		var wg sync.WaitGroup
		var results [2]models.Contact
		var errs [2]error
		for i, dir := range [2][2]string{{alice, bob}, {bob, alice}} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i], errs[i] = g.Request(ctx, dir[0], dir[1])
			}()
		}
		wg.Wait()

		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
		statuses := []models.ContactStatus{results[0].Status, results[1].Status}
		assert.ElementsMatch(t, []models.ContactStatus{models.ContactPending, models.ContactAccepted}, statuses)
		assert.Equal(t, models.ContactAccepted, g.Status(alice, bob))
		assert.Equal(t, models.ContactAccepted, g.Status(bob, alice))
		assert.Equal(t, []models.ContactStatus{models.ContactPending, models.ContactAccepted}, p.saved())
		assert.Len(t, g.Friends(alice), 1)
		assert.Empty(t, g.Pending(bob))
	}
}

type countingPersister struct {
	mu       sync.Mutex
	n        int
	statuses []models.ContactStatus
	failing  bool
}

func (p *countingPersister) SaveContact(_ context.Context, c *models.Contact) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return errors.New("connection reset")
	}
	p.n++
	p.statuses = append(p.statuses, c.Status)
	return nil
}

func (p *countingPersister) DeleteContact(context.Context, string, string) error { return nil }

func (p *countingPersister) saves() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

func (p *countingPersister) saved() []models.ContactStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.statuses)
}

func (p *countingPersister) fail(v bool) {
	p.mu.Lock()
	p.failing = v
	p.mu.Unlock()
}
