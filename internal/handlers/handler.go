package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/LeoCryptoFlow/aixin/internal/contact"
	"github.com/LeoCryptoFlow/aixin/internal/directory"
	"github.com/LeoCryptoFlow/aixin/internal/messaging"
	"github.com/LeoCryptoFlow/aixin/internal/models"
	"github.com/LeoCryptoFlow/aixin/internal/realtime"
	"github.com/LeoCryptoFlow/aixin/internal/registry"
	"github.com/LeoCryptoFlow/aixin/internal/store"
	"github.com/LeoCryptoFlow/aixin/internal/task"
)

// DefaultSendLimit is the per-agent message budget per minute when Redis
// is configured.
const DefaultSendLimit = 120

// Deps are the components the handlers serve. DB, Redis and Hub may be nil.
type Deps struct {
	Registry  *registry.Registry
	Contacts  *contact.Graph
	Messages  *messaging.Store
	Tasks     *task.Engine
	Directory *directory.Directory
	DB        store.DataStore
	Redis     *store.RedisStore
	Hub       *realtime.Hub
	Logger    zerolog.Logger
	SendLimit int
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	registry  *registry.Registry
	contacts  *contact.Graph
	messages  *messaging.Store
	tasks     *task.Engine
	directory *directory.Directory
	db        store.DataStore
	redis     *store.RedisStore
	hub       *realtime.Hub
	logger    zerolog.Logger
	sendLimit int
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(d Deps) *Handler {
	if d.SendLimit <= 0 {
		d.SendLimit = DefaultSendLimit
	}
	return &Handler{
		registry:  d.Registry,
		contacts:  d.Contacts,
		messages:  d.Messages,
		tasks:     d.Tasks,
		directory: d.Directory,
		db:        d.DB,
		redis:     d.Redis,
		hub:       d.Hub,
		logger:    d.Logger,
		sendLimit: d.SendLimit,
	}
}

// Envelope wraps every /api response.
type Envelope struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// JSON sends a successful envelope with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, Envelope{OK: true, Data: data})
}

// Error sends a failed envelope with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Envelope{OK: false, Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps the shared error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrSelfReference):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnknownAgent),
		errors.Is(err, models.ErrUnknownGroup),
		errors.Is(err, models.ErrUnknownTask):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict), errors.Is(err, models.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrNotMember):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// fail writes err as an envelope. Unclassified errors are logged and
// hidden from the caller.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
		h.Error(w, status, "internal error")
		return
	}
	h.Error(w, status, err.Error())
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return fmt.Errorf("%w: request body too large", models.ErrValidation)
	}
	return fmt.Errorf("%w: invalid JSON body", models.ErrValidation)
}

// queryInt parses a non-negative integer query parameter; absent means 0.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", models.ErrValidation, name)
	}
	return n, nil
}

func pageParams(r *http.Request) (messaging.Page, error) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		return messaging.Page{}, err
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		return messaging.Page{}, err
	}
	return messaging.Page{Limit: limit, Offset: offset}, nil
}

// publish forwards an event to the hub when one is configured.
func (h *Handler) publish(r *http.Request, eventType string, data any, to ...string) {
	if h.hub == nil {
		return
	}
	h.hub.Publish(r.Context(), eventType, data, to...)
}

const maxNameRunes = 64

// sanitizeName trims and limits name to 64 runes, removing control characters.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)

	// Remove control characters
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)

	if utf8.RuneCountInString(name) > maxNameRunes {
		name = string([]rune(name)[:maxNameRunes])
	}
	return name
}
