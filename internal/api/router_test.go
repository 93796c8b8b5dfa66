package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/LeoCryptoFlow/aixin/clients/go/aixin"
	"github.com/LeoCryptoFlow/aixin/internal/api/middleware"
	"github.com/LeoCryptoFlow/aixin/internal/contact"
	"github.com/LeoCryptoFlow/aixin/internal/directory"
	"github.com/LeoCryptoFlow/aixin/internal/handlers"
	"github.com/LeoCryptoFlow/aixin/internal/messaging"
	"github.com/LeoCryptoFlow/aixin/internal/realtime"
	"github.com/LeoCryptoFlow/aixin/internal/registry"
	"github.com/LeoCryptoFlow/aixin/internal/store"
	"github.com/LeoCryptoFlow/aixin/internal/task"
)

type testEnv struct {
	srv *httptest.Server
	hub *realtime.Hub
}

func newTestEnv(t *testing.T, opts ...func(*handlers.Deps)) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	reg := registry.New(registry.WithHashCost(bcrypt.MinCost))
	hub := realtime.NewHub(logger, nil)
	deps := handlers.Deps{
		Registry:  reg,
		Contacts:  contact.New(reg, nil),
		Messages:  messaging.New(reg, nil),
		Tasks:     task.New(reg, nil),
		Directory: directory.New(reg),
		Hub:       hub,
		Logger:    logger,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	srv := httptest.NewServer(NewRouter(logger, deps, middleware.RateLimiterConfig{}))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, hub: hub}
}

// withRedis backs the environment with an in-process Redis and the given
// per-agent send limit.
func withRedis(t *testing.T, sendLimit int) func(*handlers.Deps) {
	mr := miniredis.RunT(t)
	rs, err := store.NewRedisStore(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { rs.Close() })
	return func(d *handlers.Deps) {
		d.Redis = rs
		d.SendLimit = sendLimit
	}
}

func post(t *testing.T, url, body string) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func (e *testEnv) client(t *testing.T) *aixin.Client {
	t.Helper()
	t.Setenv("AIXIN_CONFIG", t.TempDir())
	return aixin.NewClient(e.srv.URL)
}

func (e *testEnv) register(t *testing.T, nickname, agentType, platform string) *aixin.Client {
	t.Helper()
	c := e.client(t)
	_, err := c.Register(aixin.RegisterRequest{
		Nickname:  nickname,
		Password:  nickname + "-secret",
		AgentType: agentType,
		Platform:  platform,
	})
	require.NoError(t, err)
	return c
}

func peers(contacts []aixin.Contact) []string {
	out := make([]string, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, c.Peer)
	}
	return out
}

func contents(msgs []aixin.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

func TestFriendshipScenario(t *testing.T) {
	env := newTestEnv(t)
	a := env.register(t, "alice", "personal", "openclaw")
	b := env.register(t, "weather-bot", "skill", "easyclaw")

	assert.True(t, strings.HasPrefix(a.AgentID, "AX-U-"))
	assert.True(t, strings.HasPrefix(b.AgentID, "AX-S-"))

	req, err := a.RequestContact(b.AgentID)
	require.NoError(t, err)
	assert.Equal(t, "pending", req.Status)

	pending, err := b.Pending(b.AgentID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Incoming)
	assert.Equal(t, a.AgentID, pending[0].Peer)

	accepted, err := b.AcceptContact(a.AgentID)
	require.NoError(t, err)
	assert.Equal(t, "accepted", accepted.Status)

	// accepting again is harmless
	_, err = b.AcceptContact(a.AgentID)
	require.NoError(t, err)

	fa, err := a.Friends(a.AgentID)
	require.NoError(t, err)
	fb, err := b.Friends(b.AgentID)
	require.NoError(t, err)
	assert.Equal(t, []string{b.AgentID}, peers(fa))
	assert.Equal(t, []string{a.AgentID}, peers(fb))
	assert.Equal(t, "weather-bot", fa[0].Nickname)

	_, err = a.RequestContact(b.AgentID)
	assert.Equal(t, http.StatusConflict, aixin.StatusOf(err))

	require.NoError(t, a.RemoveContact(b.AgentID))
	fb, err = b.Friends(b.AgentID)
	require.NoError(t, err)
	assert.Empty(t, fb)
}

func TestMessagingScenario(t *testing.T) {
	env := newTestEnv(t)
	a := env.register(t, "alice", "personal", "openclaw")
	b := env.register(t, "bob", "personal", "openclaw")

	_, err := a.Send(b.AgentID, "hello")
	require.NoError(t, err)
	_, err = a.Send(b.AgentID, "world")
	require.NoError(t, err)

	hist, err := a.History(b.AgentID, 50)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "world"}, contents(hist))
	assert.Less(t, hist[0].Timestamp, hist[1].Timestamp)
	assert.False(t, hist[0].Read)

	for range 2 {
		unread, err := b.Unread()
		require.NoError(t, err)
		assert.Equal(t, []string{"hello", "world"}, contents(unread))
	}

	n, err := b.MarkRead(a.AgentID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	unread, err := b.Unread()
	require.NoError(t, err)
	assert.Empty(t, unread)

	hist, err = b.History(a.AgentID, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"world"}, contents(hist))
	assert.True(t, hist[0].Read)
}

func TestTaskScenario(t *testing.T) {
	env := newTestEnv(t)
	a := env.register(t, "alice", "personal", "openclaw")
	b := env.register(t, "translator", "skill", "easyclaw")

	created, err := a.Delegate(aixin.DelegateRequest{
		To:        b.AgentID,
		Title:     "translate",
		InputData: map[string]string{"text": "你好"},
		Priority:  "high",
	})
	require.NoError(t, err)
	assert.Equal(t, "pending", created.Status)
	assert.Equal(t, "high", created.Priority)

	received, err := b.ReceivedTasks()
	require.NoError(t, err)
	require.Len(t, received, 1)
	assert.Equal(t, created.TaskID, received[0].TaskID)

	_, err = b.AcceptTask(created.TaskID)
	require.NoError(t, err)
	done, err := b.CompleteTask(created.TaskID, map[string]string{"result": "ok"})
	require.NoError(t, err)
	assert.Equal(t, "completed", done.Status)
	assert.JSONEq(t, `{"result":"ok"}`, string(done.OutputData))

	_, err = b.RejectTask(created.TaskID, "too late")
	assert.Equal(t, http.StatusConflict, aixin.StatusOf(err))

	got, err := a.GetTask(created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.Empty(t, got.Reason)

	sent, err := a.SentTasks()
	require.NoError(t, err)
	assert.Len(t, sent, 1)
}

func TestGroupConversation(t *testing.T) {
	env := newTestEnv(t)
	a := env.register(t, "alice", "personal", "openclaw")
	b := env.register(t, "bob", "personal", "openclaw")
	c := env.register(t, "carol", "personal", "openclaw")

	g, err := a.CreateGroup("planning", []string{b.AgentID})
	require.NoError(t, err)
	assert.Equal(t, []string{a.AgentID, b.AgentID}, g.Members)

	_, err = b.SendGroup(g.GroupID, "standup at 10")
	require.NoError(t, err)

	_, err = c.SendGroup(g.GroupID, "let me in")
	assert.Equal(t, http.StatusForbidden, aixin.StatusOf(err))

	hist, err := c.GroupHistory(g.GroupID, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"standup at 10"}, contents(hist))

	unread, err := a.Unread()
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, g.GroupID, unread[0].GroupID)

	_, err = a.GroupHistory("group-missing", 10)
	assert.Equal(t, http.StatusNotFound, aixin.StatusOf(err))
}

func TestMarketAndProfile(t *testing.T) {
	env := newTestEnv(t)
	a := env.register(t, "alice", "personal", "openclaw")
	b := env.register(t, "translator", "skill", "easyclaw")

	bio := "translates zh/en"
	updated, err := b.UpdateProfile(&bio, []string{"Translate", "zh"})
	require.NoError(t, err)
	assert.Equal(t, bio, updated.Bio)

	_, err = a.Rate(b.AgentID, 1)
	require.NoError(t, err)

	skills, err := a.Market(aixin.MarketFilter{Type: "skill"})
	require.NoError(t, err)
	require.Len(t, skills, 1)
	assert.Equal(t, b.AgentID, skills[0].AXID)

	all, err := a.Market(aixin.MarketFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, a.AgentID, all[0].AXID, "unrated alice outranks rated-down translator")

	found, err := a.SearchAgents("zh/en")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, b.AgentID, found[0].AXID)

	// someone else's password
	b.Password = "alice-secret"
	_, err = b.UpdateProfile(&bio, nil)
	assert.Equal(t, http.StatusUnauthorized, aixin.StatusOf(err))
}

func TestErrorEnvelopes(t *testing.T) {
	env := newTestEnv(t)
	a := env.register(t, "alice", "personal", "openclaw")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		ctype  string
		status int
	}{
		{"unknown agent", "GET", "/api/agents/AX-U-CN-0000", "", "", http.StatusNotFound},
		{"missing nickname", "POST", "/api/agents", `{"password":"x"}`, "application/json", http.StatusBadRequest},
		{"bad agent type", "POST", "/api/agents", `{"nickname":"x","agentType":"robot"}`, "application/json", http.StatusBadRequest},
		{"malformed json", "POST", "/api/messages", `{"from":`, "application/json", http.StatusBadRequest},
		{"message to self", "POST", "/api/messages", `{"from":"` + a.AgentID + `","to":"` + a.AgentID + `","content":"hi"}`, "application/json", http.StatusBadRequest},
		{"unknown recipient", "POST", "/api/messages", `{"from":"` + a.AgentID + `","to":"AX-U-CN-0000","content":"hi"}`, "application/json", http.StatusNotFound},
		{"unknown task", "POST", "/api/tasks/task-000000000000/accept", "", "", http.StatusNotFound},
		{"accept without request", "POST", "/api/contacts/accept", `{"from":"` + a.AgentID + `","to":"AX-U-CN-0000"}`, "application/json", http.StatusNotFound},
		{"bad limit", "GET", "/api/messages/" + a.AgentID + "/AX-U-CN-0000?limit=-1", "", "", http.StatusBadRequest},
		{"wrong content type", "POST", "/api/agents", `nickname=x`, "text/plain", http.StatusUnsupportedMediaType},
		{"ws without credentials", "GET", "/api/ws", "", "", http.StatusUnauthorized},
		{"mark read without reader", "POST", "/api/messages/read", `{"from":"` + a.AgentID + `"}`, "application/json", http.StatusBadRequest},
		{"conversations of unknown agent", "GET", "/api/conversations/AX-U-CN-0000", "", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, env.srv.URL+tt.path, strings.NewReader(tt.body))
			require.NoError(t, err)
			if tt.ctype != "" {
				req.Header.Set("Content-Type", tt.ctype)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.status, resp.StatusCode)
			var body handlers.Envelope
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.False(t, body.OK)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestHealthAndInfo(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)

	health, err := c.Health()
	require.NoError(t, err)
	assert.Equal(t, "healthy", health["status"])

	resp, err := http.Get(env.srv.URL + "/api")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stats, err := c.Stats()
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats["agents"])
}

func TestRealtimePush(t *testing.T) {
	env := newTestEnv(t)
	a := env.register(t, "alice", "personal", "openclaw")
	b := env.register(t, "bob", "personal", "openclaw")

	header := http.Header{}
	header.Set(middleware.HeaderAgent, b.AgentID)
	header.Set(middleware.HeaderPassword, b.Password)
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return env.hub.Connected(b.AgentID) == 1 }, time.Second, 10*time.Millisecond)

	_, err = a.Send(b.AgentID, "ping")
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame realtime.Frame
	for frame.Type != realtime.EventMessage {
		require.NoError(t, conn.ReadJSON(&frame))
	}

	var msg aixin.Message
	require.NoError(t, json.Unmarshal(frame.Data, &msg))
	assert.Equal(t, "ping", msg.Content)
	assert.Equal(t, a.AgentID, msg.From)

	// bad password is refused before the upgrade
	header.Set(middleware.HeaderPassword, "wrong")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSendLimitHoldsUnderConcurrency(t *testing.T) {
	const limit = 3
	env := newTestEnv(t, withRedis(t, limit))
	a := env.register(t, "alice", "personal", "openclaw")
	b := env.register(t, "bob", "personal", "openclaw")

	body := `{"from":"` + a.AgentID + `","to":"` + b.AgentID + `","content":"spam"}`
	var mu sync.Mutex
	codes := map[int]int{}
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code := post(t, env.srv.URL+"/api/messages", body)
			mu.Lock()
			codes[code]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, map[int]int{http.StatusCreated: limit, http.StatusTooManyRequests: 10 - limit}, codes)

	history, err := a.History(b.AgentID, 50)
	require.NoError(t, err)
	assert.Len(t, history, limit)

	// bob has his own budget
	assert.Equal(t, http.StatusCreated, post(t, env.srv.URL+"/api/messages",
		`{"from":"`+b.AgentID+`","to":"`+a.AgentID+`","content":"hi"}`))
}

func TestConversationList(t *testing.T) {
	env := newTestEnv(t)
	a := env.register(t, "alice", "personal", "openclaw")
	b := env.register(t, "bob", "skill", "easyclaw")
	c := env.register(t, "carol", "personal", "openclaw")

	_, err := b.Send(a.AgentID, "from bob")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = c.Send(a.AgentID, "from carol")
	require.NoError(t, err)
	g, err := a.CreateGroup("crew", []string{b.AgentID})
	require.NoError(t, err)

	convs, err := a.Conversations()
	require.NoError(t, err)
	require.Len(t, convs.Chats, 2)
	assert.Equal(t, c.AgentID, convs.Chats[0].Peer)
	assert.Equal(t, "from carol", convs.Chats[0].LastMessage)
	assert.Equal(t, 1, convs.Chats[0].Unread)
	assert.Equal(t, b.AgentID, convs.Chats[1].Peer)
	require.Len(t, convs.Groups, 1)
	assert.Equal(t, g.GroupID, convs.Groups[0].GroupID)
	assert.Equal(t, "crew", convs.Groups[0].GroupName)
}
