package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/LeoCryptoFlow/aixin/internal/directory"
	"github.com/LeoCryptoFlow/aixin/internal/messaging"
	"github.com/LeoCryptoFlow/aixin/internal/models"
)

// onlineWindow is how recently an agent must have connected to count as
// online.
const onlineWindow = 5 * time.Minute

// StatsResponse represents the response from the portal stats endpoint.
type StatsResponse struct {
	directory.Stats
	LastJoinedAgo string                    `json:"last_joined_ago"`
	Messages      messaging.Counts          `json:"messages"`
	Tasks         map[models.TaskStatus]int `json:"tasks"`
	Connections   int                       `json:"connections"`
	Online        *int64                    `json:"online,omitempty"` // needs Redis
}

// PortalStats returns platform statistics for the portal page.
func (h *Handler) PortalStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Stats:         h.directory.Stats(),
		LastJoinedAgo: "no agents yet",
		Messages:      h.messages.Counts(),
		Tasks:         h.tasks.Counts(),
	}
	if !resp.LastJoined.IsZero() {
		resp.LastJoinedAgo = formatTimeAgo(resp.LastJoined)
	}
	if h.hub != nil {
		resp.Connections = h.hub.Connections()
	}

	if h.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		// Non-fatal, the rest of the page still renders
		if n, err := h.redis.OnlineCount(ctx, onlineWindow); err == nil {
			resp.Online = &n
		} else {
			h.logger.Warn().Err(err).Msg("online count failed")
		}
	}

	h.JSON(w, http.StatusOK, resp)
}

// formatTimeAgo formats a time as a human-readable "X ago" string.
func formatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return plural(int(diff.Minutes()), "minute") + " ago"
	case diff < 24*time.Hour:
		return plural(int(diff.Hours()), "hour") + " ago"
	default:
		return plural(int(diff.Hours()/24), "day") + " ago"
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return strconv.Itoa(n) + " " + unit + "s"
}
