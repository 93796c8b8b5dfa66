package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeoCryptoFlow/aixin/internal/models"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

type fakeAuth map[string]string

func (f fakeAuth) Authenticate(axID, password string) (models.Agent, error) {
	if pw, found := f[axID]; found && pw == password {
		return models.Agent{AXID: axID}, nil
	}
	return models.Agent{}, models.ErrUnauthorized
}

func TestRequireAuth(t *testing.T) {
	var seen *models.Agent
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetAgentFromContext(r.Context())
	})
	h := NewAuthMiddleware(fakeAuth{"AX-U-CN-1001": "pw"}).RequireAuth(next)

	tests := []struct {
		name, agent, password string
		status                int
	}{
		{"missing headers", "", "", http.StatusUnauthorized},
		{"wrong password", "AX-U-CN-1001", "nope", http.StatusUnauthorized},
		{"valid", "AX-U-CN-1001", "pw", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			r := httptest.NewRequest(http.MethodGet, "/api/ws", nil)
			if tt.agent != "" {
				r.Header.Set(HeaderAgent, tt.agent)
				r.Header.Set(HeaderPassword, tt.password)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				require.NotNil(t, seen)
				assert.Equal(t, "AX-U-CN-1001", seen.AXID)
			} else {
				assert.Nil(t, seen)
				assert.Contains(t, w.Body.String(), `"ok":false`)
			}
		})
	}
}

func TestValidateRequest(t *testing.T) {
	h := ValidateRequest(ok)

	tests := []struct {
		name, method, target, body, ctype string
		status                            int
	}{
		{"json post", "POST", "/api/messages", `{}`, "application/json", http.StatusNoContent},
		{"empty post", "POST", "/api/tasks/t/accept", "", "", http.StatusNoContent},
		{"form post", "POST", "/api/messages", `a=b`, "application/x-www-form-urlencoded", http.StatusUnsupportedMediaType},
		{"json delete", "DELETE", "/api/contacts", `{}`, "application/json", http.StatusNoContent},
		{"traversal", "GET", "/api/agents/..%2f..%2fetc", "", "", http.StatusBadRequest},
		{"script in query", "GET", "/api/agents?q=<script>", "", "", http.StatusBadRequest},
		{"encoded script in query", "GET", "/api/agents?q=%3Cscript%3E", "", "", http.StatusBadRequest},
		{"dots in query", "GET", "/api/agents?q=Node..js", "", "", http.StatusNoContent},
		{"url in query", "GET", "/api/agents?q=http%3A%2F%2Fexample.com", "", "", http.StatusNoContent},
		{"double slash in path", "GET", "/api//agents", "", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body))
			if tt.ctype != "" {
				r.Header.Set("Content-Type", tt.ctype)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestMaxBodySize(t *testing.T) {
	h := MaxBodySize(8)(ok)
	r := httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(`{"content":"too long"}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.JSONEq(t, `{"ok":false,"error":"request body too large"}`, w.Body.String())
}

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders(ok).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api", nil))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "default-src 'none'", w.Header().Get("Content-Security-Policy"))
}

func newLimiter(t *testing.T, cfg RateLimiterConfig) *RateLimiter {
	t.Helper()
	// never dialed by these tests
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { client.Close() })
	return NewRateLimiter(client, zerolog.Nop(), cfg)
}

func TestFindLimitPrefersLongestPattern(t *testing.T) {
	rl := newLimiter(t, RateLimiterConfig{})

	tests := []struct {
		method, path, pattern string
	}{
		{"POST", "/api/agents", "POST /api/agents"},
		{"POST", "/api/agents/AX-S-CN-1001/rate", "POST /api/agents/"},
		{"GET", "/api/messages/AX-U-CN-1001/unread", "GET /api/messages/"},
		{"POST", "/api/groups", "POST /api/groups"},
		{"POST", "/api/groups/group-1/messages", "POST /api/groups/"},
		{"GET", "/api/ws", "GET /api/ws"},
	}
	for _, tt := range tests {
		l := rl.findLimit(httptest.NewRequest(tt.method, tt.path, nil))
		require.NotNil(t, l, tt.path)
		assert.Equal(t, tt.pattern, l.pattern, tt.path)
	}

	assert.Nil(t, rl.findLimit(httptest.NewRequest(http.MethodGet, "/health", nil)))
}

func TestWhitelist(t *testing.T) {
	rl := newLimiter(t, RateLimiterConfig{Whitelist: []string{"10.0.0.0/8", "192.168.1.7", "not-a-cidr/99"}})
	assert.True(t, rl.isWhitelisted("10.1.2.3"))
	assert.True(t, rl.isWhitelisted("192.168.1.7"))
	assert.False(t, rl.isWhitelisted("192.168.1.8"))
	assert.False(t, rl.isWhitelisted("garbage"))
}

func TestRateLimitKeys(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/market", nil)
	r.RemoteAddr = "203.0.113.9:5555"
	assert.Equal(t, "ratelimit:ip:203.0.113.9", ipKey(r))
	assert.Equal(t, "ratelimit:ip:203.0.113.9", agentOrIPKey(r))

	r.Header.Set(HeaderAgent, "AX-U-CN-1001")
	assert.Equal(t, "ratelimit:agent:AX-U-CN-1001", agentOrIPKey(r))

	r.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.1")
	assert.Equal(t, "198.51.100.1", RealIP(r))
}

type plainWriter struct{ http.ResponseWriter }

func TestStatusWriterHijack(t *testing.T) {
	sw := &statusWriter{ResponseWriter: plainWriter{httptest.NewRecorder()}}
	_, _, err := sw.Hijack()
	assert.Error(t, err)
	assert.Zero(t, sw.status)
}
