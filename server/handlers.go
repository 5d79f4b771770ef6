package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/bookwright/bookwright/calendar"
	"github.com/bookwright/bookwright/config"
	"github.com/bookwright/bookwright/db"
	"github.com/bookwright/bookwright/oauth"
	"github.com/bookwright/bookwright/scheduling"
)

// sessionCookie is the opaque session token cookie set by the login flow.
const sessionCookie = "session"

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	DB           *sql.DB
	Cfg          *config.Config
	Registry     *calendar.Registry
	Engine       *scheduling.Engine
	Orchestrator *oauth.Orchestrator
	Lifecycle    *oauth.Lifecycle
}

func NewHandlers(dbx *sql.DB, cfg *config.Config, registry *calendar.Registry, engine *scheduling.Engine, orch *oauth.Orchestrator, lc *oauth.Lifecycle) *Handlers {
	return &Handlers{DB: dbx, Cfg: cfg, Registry: registry, Engine: engine, Orchestrator: orch, Lifecycle: lc}
}

// sessionUserID resolves the requesting user from the session cookie or a
// bearer token; 0 when unauthenticated.
func (h *Handlers) sessionUserID(r *http.Request) int64 {
	token := ""
	if c, err := r.Cookie(sessionCookie); err == nil {
		token = c.Value
	}
	if token == "" {
		if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
			token = auth[7:]
		}
	}
	if token == "" {
		return 0
	}
	userID, err := db.SessionUser(r.Context(), h.DB, token)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			slog.Warn("session lookup failed", slog.Any("err", err))
		}
		return 0
	}
	return userID
}

// requireUser writes a 401 and returns 0 when the request has no valid session.
func (h *Handlers) requireUser(w http.ResponseWriter, r *http.Request) int64 {
	userID := h.sessionUserID(r)
	if userID == 0 {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
	}
	return userID
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", slog.Any("err", err))
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeSchedulingError maps engine errors onto HTTP statuses: invalid input
// and validation failures are 400, conflicts are 409, everything else 500.
func writeSchedulingError(w http.ResponseWriter, err error) {
	var verr *scheduling.ValidationError
	switch {
	case errors.Is(err, scheduling.ErrInvalidTimeRange):
		writeJSONError(w, http.StatusBadRequest, "start_time and end_time are required and must form a valid range")
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "fields": verr.Fields})
	case errors.Is(err, scheduling.ErrTimeConflict):
		writeJSONError(w, http.StatusConflict, "requested time conflicts with an existing meeting")
	default:
		slog.Error("booking request failed", slog.Any("err", err))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}
