package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

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

func newTestStore(p Persister) *Store {
	return New(agentSet{alice: true, bob: true, carol: true}, p)
}

func contents(ms []models.Message) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Content)
	}
	return out
}

func TestHelloWorld(t *testing.T) {
	s := newTestStore(nil)
	ctx := context.Background()

	hello, err := s.Send(ctx, alice, bob, "hello", "")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultMessageType, hello.Type)
	assert.NotEmpty(t, hello.ID)
	_, err = s.Send(ctx, alice, bob, "world", "text")
	require.NoError(t, err)

	history, err := s.History(alice, bob, Page{})
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "world"}, contents(history))
	for _, m := range history {
		assert.False(t, m.Read)
	}

	reversed, err := s.History(bob, alice, Page{})
	require.NoError(t, err)
	assert.Equal(t, history, reversed)

	for i := 0; i < 2; i++ {
		unread, err := s.Unread(bob)
		require.NoError(t, err)
		assert.Equal(t, []string{"hello", "world"}, contents(unread), "unread must not change on read")
	}
	unread, err := s.Unread(alice)
	require.NoError(t, err)
	assert.Empty(t, unread)

	n, err := s.MarkRead(ctx, bob, ReadFilter{From: alice})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	unread, err = s.Unread(bob)
	require.NoError(t, err)
	assert.Empty(t, unread)

	history, err = s.History(alice, bob, Page{})
	require.NoError(t, err)
	for _, m := range history {
		assert.True(t, m.Read)
	}
}

func TestTimestampsStrictlyIncrease(t *testing.T) {
	s := newTestStore(nil)
	frozen := time.UnixMilli(1_700_000_000_000)
	s.now = func() time.Time { return frozen }
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		m, err := s.Send(ctx, alice, bob, fmt.Sprint(i), "")
		require.NoError(t, err)
		assert.Greater(t, m.Timestamp, last)
		last = m.Timestamp
	}
	assert.Equal(t, frozen.UnixMilli()+4, last)
}

func TestConcurrentSendsAreTotallyOrdered(t *testing.T) {
	s := newTestStore(nil)
	ctx := context.Background()
	const n = 200

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := alice, bob
			if i%2 == 1 {
				from, to = bob, alice
			}
			_, err := s.Send(ctx, from, to, fmt.Sprint(i), "")
			assert.NoError(t, err)
			// a second conversation progressing at the same time
			_, err = s.Send(ctx, carol, alice, fmt.Sprint(i), "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	history, err := s.History(alice, bob, Page{Limit: MaxHistoryLimit})
	require.NoError(t, err)
	require.Len(t, history, n)
	for i := 1; i < len(history); i++ {
		assert.Greater(t, history[i].Timestamp, history[i-1].Timestamp)
		assert.Equal(t, history[i-1].Seq+1, history[i].Seq)
	}

	// bob's inbox arrival order matches the conversation order
	unread, err := s.Unread(bob)
	require.NoError(t, err)
	for i := 1; i < len(unread); i++ {
		assert.Greater(t, unread[i].Timestamp, unread[i-1].Timestamp)
	}
}

func TestHistoryWindow(t *testing.T) {
	s := newTestStore(nil)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := s.Send(ctx, alice, bob, fmt.Sprint(i), "")
		require.NoError(t, err)
	}

	tests := []struct {
		name string
		page Page
		want []string
	}{
		{"default", Page{}, []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"}},
		{"last three", Page{Limit: 3}, []string{"7", "8", "9"}},
		{"offset", Page{Limit: 3, Offset: 2}, []string{"5", "6", "7"}},
		{"past the start", Page{Limit: 5, Offset: 8}, []string{"0", "1"}},
		{"offset beyond log", Page{Offset: 20}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.History(alice, bob, tt.page)
			require.NoError(t, err)
			assert.Equal(t, tt.want, contents(got))
		})
	}
}

func TestSendValidation(t *testing.T) {
	s := newTestStore(nil)
	ctx := context.Background()

	_, err := s.Send(ctx, alice, "AX-U-CN-0000", "hi", "")
	assert.ErrorIs(t, err, models.ErrUnknownAgent)
	_, err = s.Send(ctx, alice, bob, "   ", "")
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = s.Send(ctx, alice, alice, "hi", "")
	assert.ErrorIs(t, err, models.ErrSelfReference)
	_, err = s.History(alice, "AX-U-CN-0000", Page{})
	assert.ErrorIs(t, err, models.ErrUnknownAgent)
}

func TestPersistFailureLeavesLogUnchanged(t *testing.T) {
	p := &recordingPersister{fail: true}
	s := newTestStore(p)
	ctx := context.Background()

	_, err := s.Send(ctx, alice, bob, "lost", "")
	require.Error(t, err)
	history, err := s.History(alice, bob, Page{})
	require.NoError(t, err)
	assert.Empty(t, history)
	unread, err := s.Unread(bob)
	require.NoError(t, err)
	assert.Empty(t, unread)

	p.fail = false
	m, err := s.Send(ctx, alice, bob, "kept", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Seq)
	assert.Equal(t, []string{bob}, p.recipients[m.ID])
}

func TestRestore(t *testing.T) {
	s := newTestStore(nil)
	s.Restore(
		[]models.Group{{GroupID: "group_000000000001", Name: "g", Owner: alice, Members: []string{alice, bob}}},
		[]models.Message{
			{ID: "m1", From: alice, To: bob, Content: "a", Type: "text", Timestamp: 10, Seq: 1},
			{ID: "m2", From: bob, To: alice, Content: "b", Type: "text", Timestamp: 10_000_000_000_000, Seq: 2},
		},
		[]models.Receipt{{MessageID: "m2", Recipient: alice}},
	)

	unread, err := s.Unread(alice)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, contents(unread))

	m, err := s.Send(context.Background(), alice, bob, "c", "")
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000_000_001), m.Timestamp)
	assert.Equal(t, int64(3), m.Seq)
	assert.Equal(t, Counts{DirectMessages: 3, Groups: 1}, s.Counts())
}

type recordingPersister struct {
	mu         sync.Mutex
	fail       bool
	recipients map[string][]string
}

func (p *recordingPersister) AppendMessage(_ context.Context, m *models.Message, recipients []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("write failed")
	}
	if p.recipients == nil {
		p.recipients = make(map[string][]string)
	}
	p.recipients[m.ID] = recipients
	return nil
}

func (p *recordingPersister) MarkRead(context.Context, string, []string) error { return nil }

func (p *recordingPersister) SaveGroup(context.Context, *models.Group) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("write failed")
	}
	return nil
}

func TestMarkReadNeedsReader(t *testing.T) {
	s := newTestStore(nil)
	_, err := s.MarkRead(context.Background(), "", ReadFilter{From: alice})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = s.MarkRead(context.Background(), "AX-U-CN-9999", ReadFilter{})
	assert.ErrorIs(t, err, models.ErrUnknownAgent)
}
