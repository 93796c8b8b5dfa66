package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/LeoCryptoFlow/aixin/internal/models"
)

type contextKey string

const AgentContextKey contextKey = "agent"

// Credential headers for calls made on behalf of an agent.
const (
	HeaderAgent    = "X-AIXin-Agent"
	HeaderPassword = "X-AIXin-Password"
)

// Authenticator checks an agent credential.
type Authenticator interface {
	Authenticate(axID, password string) (models.Agent, error)
}

// AuthMiddleware verifies agent credentials for authenticated endpoints.
type AuthMiddleware struct {
	auth Authenticator
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(auth Authenticator) *AuthMiddleware {
	return &AuthMiddleware{auth: auth}
}

// RequireAuth middleware checks the AX-ID and password headers and puts the
// agent in the request context.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		axID := r.Header.Get(HeaderAgent)
		password := r.Header.Get(HeaderPassword)
		if axID == "" || password == "" {
			jsonError(w, http.StatusUnauthorized, "missing auth headers")
			return
		}

		agent, err := m.auth.Authenticate(axID, password)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}

		ctx := context.WithValue(r.Context(), AgentContextKey, &agent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// jsonError writes the same failure envelope the handlers use.
func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": message})
}

// GetAgentFromContext retrieves the authenticated agent from the request context.
func GetAgentFromContext(ctx context.Context) *models.Agent {
	agent, ok := ctx.Value(AgentContextKey).(*models.Agent)
	if !ok {
		return nil
	}
	return agent
}
