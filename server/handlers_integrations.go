package server

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/bookwright/bookwright/calendar"
	"github.com/bookwright/bookwright/db"
)

// prober is implemented by static-credential adapters that can verify a
// connection before it is stored.
type prober interface {
	Probe(ctx context.Context, creds calendar.Credentials) error
}

// HandleIntegrationsList reports the authenticated user's integrations with
// credentials stripped.
func (h *Handlers) HandleIntegrationsList(w http.ResponseWriter, r *http.Request) {
	userID := h.requireUser(w, r)
	if userID == 0 {
		return
	}
	integrations, err := db.ListIntegrationsForUser(r.Context(), h.DB, userID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "could not load integrations")
		return
	}
	views := make([]map[string]any, 0, len(integrations))
	for _, in := range integrations {
		views = append(views, integrationView(in))
	}
	writeJSON(w, http.StatusOK, map[string]any{"integrations": views})
}

// HandleConnectStatic stores a basic-auth CalDAV or Nextcloud integration.
func (h *Handlers) HandleConnectStatic(w http.ResponseWriter, r *http.Request) {
	userID := h.requireUser(w, r)
	if userID == 0 {
		return
	}
	var req struct {
		Provider string `json:"provider"`
		BaseURL  string `json:"base_url"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Provider == "" {
		req.Provider = calendar.ProviderCalDAV
	}
	if req.Provider != calendar.ProviderCalDAV && req.Provider != calendar.ProviderNextcloud {
		writeJSONError(w, http.StatusBadRequest, "provider must be caldav or nextcloud")
		return
	}

	// Probe before persisting so a typo'd URL or wrong password fails fast.
	if p, ok := h.Registry.Lookup(req.Provider); ok {
		if pr, ok := p.(prober); ok && req.BaseURL != "" {
			if err := pr.Probe(r.Context(), calendar.Credentials{
				BaseURL:  req.BaseURL,
				Username: req.Username,
				Password: req.Password,
			}); err != nil {
				writeProviderError(w, err)
				return
			}
		}
	}

	in, err := h.Orchestrator.ConnectStatic(r.Context(), req.Provider, userID, req.BaseURL, req.Username, req.Password)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, integrationView(in))
}

// HandleProviderCalendars lists the remote calendars of one connected
// provider, refreshing the access token first if it is stale.
func (h *Handlers) HandleProviderCalendars(w http.ResponseWriter, r *http.Request) {
	userID := h.requireUser(w, r)
	if userID == 0 {
		return
	}
	provider := r.PathValue("provider")
	in, err := db.GetIntegrationByUserProvider(r.Context(), h.DB, userID, provider)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSONError(w, http.StatusNotFound, "no integration for provider "+provider)
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "could not load integration")
		return
	}
	in, err = h.Lifecycle.EnsureValidToken(r.Context(), in)
	if err != nil {
		writeProviderError(w, err)
		return
	}
	p, ok := h.Registry.Lookup(provider)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown provider: "+provider)
		return
	}
	cals, err := p.ListCalendars(r.Context(), credentialsOf(in))
	if err != nil {
		writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"calendars": cals})
}

// HandleSetDefaultCalendar records which remote calendar receives booked
// events and feeds availability checks.
func (h *Handlers) HandleSetDefaultCalendar(w http.ResponseWriter, r *http.Request) {
	userID := h.requireUser(w, r)
	if userID == 0 {
		return
	}
	provider := r.PathValue("provider")
	var req struct {
		CalendarID string `json:"calendar_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CalendarID == "" {
		writeJSONError(w, http.StatusBadRequest, "calendar_id is required")
		return
	}
	in, err := db.GetIntegrationByUserProvider(r.Context(), h.DB, userID, provider)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSONError(w, http.StatusNotFound, "no integration for provider "+provider)
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "could not load integration")
		return
	}
	if err := db.SetDefaultBookingCalendar(r.Context(), h.DB, in.ID, req.CalendarID); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "could not update integration")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleProviderBusy lists busy windows from the integration's default booking
// calendar over a window, for availability overlays. Events without both
// boundaries are skipped.
func (h *Handlers) HandleProviderBusy(w http.ResponseWriter, r *http.Request) {
	userID := h.requireUser(w, r)
	if userID == 0 {
		return
	}
	q := r.URL.Query()
	from, err := time.Parse(time.RFC3339, q.Get("start"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "start must be RFC3339")
		return
	}
	to, err := time.Parse(time.RFC3339, q.Get("end"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "end must be RFC3339")
		return
	}
	if !to.After(from) {
		writeJSONError(w, http.StatusBadRequest, "end must be after start")
		return
	}
	provider := r.PathValue("provider")
	in, err := db.GetIntegrationByUserProvider(r.Context(), h.DB, userID, provider)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSONError(w, http.StatusNotFound, "no integration for provider "+provider)
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "could not load integration")
		return
	}
	if in.DefaultBookingCalendarID == "" {
		writeJSONError(w, http.StatusBadRequest, "no default booking calendar configured")
		return
	}
	in, err = h.Lifecycle.EnsureValidToken(r.Context(), in)
	if err != nil {
		writeProviderError(w, err)
		return
	}
	p, ok := h.Registry.Lookup(provider)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown provider: "+provider)
		return
	}
	events, err := p.ListEvents(r.Context(), credentialsOf(in), in.DefaultBookingCalendarID, from, to)
	if err != nil {
		writeProviderError(w, err)
		return
	}
	type window struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
	}
	busy := make([]window, 0, len(events))
	for _, ev := range events {
		if ev.Status == "cancelled" || ev.StartTime == nil || ev.EndTime == nil {
			continue
		}
		busy = append(busy, window{Start: *ev.StartTime, End: *ev.EndTime})
	}
	writeJSON(w, http.StatusOK, map[string]any{"busy": busy})
}

// credentialsOf maps a decrypted integration row to adapter credentials.
func credentialsOf(in *db.Integration) calendar.Credentials {
	return calendar.Credentials{
		AccessToken:  in.AccessToken,
		RefreshToken: in.RefreshToken,
		BaseURL:      in.BaseURL,
		Username:     in.Username,
		Password:     in.Password,
	}
}

// writeProviderError maps tagged provider errors to HTTP statuses.
func writeProviderError(w http.ResponseWriter, err error) {
	switch calendar.KindOf(err) {
	case calendar.KindAuthentication:
		writeJSONError(w, http.StatusUnauthorized, "provider credentials rejected; reconnect the integration")
	case calendar.KindNotFound:
		writeJSONError(w, http.StatusNotFound, "remote resource not found")
	case calendar.KindTimeout, calendar.KindNetwork:
		writeJSONError(w, http.StatusBadGateway, "provider temporarily unavailable")
	default:
		writeJSONError(w, http.StatusBadGateway, "provider request failed")
	}
}
