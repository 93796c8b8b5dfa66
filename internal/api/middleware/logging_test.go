package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerRecordsRouteAndAgent(t *testing.T) {
	var buf bytes.Buffer
	r := chi.NewRouter()
	r.Use(Logger(zerolog.New(&buf)))
	r.Get("/api/agents/{ax_id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/api/market", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("[]"))
	})

	tests := []struct {
		name, target, agent string
		route, level        string
		status              int
	}{
		{"client error", "/api/agents/AX-U-CN-1234", "AX-S-CN-2002", "/api/agents/{ax_id}", "warn", http.StatusNotFound},
		{"ok", "/api/market", "", "/api/market", "info", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.agent != "" {
				req.Header.Set(HeaderAgent, tt.agent)
			}
			r.ServeHTTP(httptest.NewRecorder(), req)

			var line map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
			assert.Equal(t, tt.route, line["route"])
			assert.Equal(t, tt.level, line["level"])
			assert.EqualValues(t, tt.status, line["status"])
			assert.NotContains(t, buf.String(), "AX-U-CN-1234")
			if tt.agent != "" {
				assert.Equal(t, tt.agent, line["agent"])
			} else {
				assert.NotContains(t, line, "agent")
			}
		})
	}
}

func TestLevelFor(t *testing.T) {
	assert.Equal(t, zerolog.InfoLevel, levelFor(http.StatusCreated))
	assert.Equal(t, zerolog.WarnLevel, levelFor(http.StatusTooManyRequests))
	assert.Equal(t, zerolog.ErrorLevel, levelFor(http.StatusServiceUnavailable))
}
