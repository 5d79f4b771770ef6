package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bookwright/bookwright/calendar"
	"github.com/bookwright/bookwright/db"
	"github.com/bookwright/bookwright/oauth"
)

// redirectURIFor returns the registered provider redirect URI. Both login and
// connect flows share it; the state payload disambiguates on callback.
func (h *Handlers) redirectURIFor(provider string) string {
	switch provider {
	case calendar.ProviderGoogle:
		return h.Cfg.GoogleRedirectURI
	case calendar.ProviderOutlook:
		return h.Cfg.OutlookRedirectURI
	}
	return ""
}

func (h *Handlers) scopesFor(provider string) []string {
	var raw string
	switch provider {
	case calendar.ProviderGoogle:
		raw = h.Cfg.GoogleScopes
	case calendar.ProviderOutlook:
		raw = h.Cfg.OutlookScopes
	}
	return strings.Fields(raw)
}

// HandleOAuthStart begins a redirect flow. mode=login issues a session on
// callback; mode=connect (default) attaches a calendar integration to the
// authenticated user.
func (h *Handlers) HandleOAuthStart(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	if err := h.Cfg.ValidateProvider(provider); err != nil {
		writeJSONError(w, http.StatusNotFound, "provider not configured: "+provider)
		return
	}
	redirectURI := h.redirectURIFor(provider)
	scopes := h.scopesFor(provider)

	var authURL string
	var err error
	if r.URL.Query().Get("mode") == "login" {
		authURL, err = h.Orchestrator.BeginLogin(provider, redirectURI, scopes)
	} else {
		userID := h.requireUser(w, r)
		if userID == 0 {
			return
		}
		authURL, err = h.Orchestrator.BeginConnect(provider, redirectURI, scopes, userID)
	}
	if err != nil {
		if errors.Is(err, oauth.ErrUnsupportedProvider) {
			writeJSONError(w, http.StatusNotFound, "unknown provider: "+provider)
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "could not start authorization")
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleOAuthCallback finishes either flow. A connect callback reports the
// stored integration; a login callback sets the session cookie.
func (h *Handlers) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		writeJSONError(w, http.StatusBadGateway, "provider returned error: "+errCode)
		return
	}
	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		writeJSONError(w, http.StatusBadRequest, "missing state or code")
		return
	}

	result, err := h.Orchestrator.CompleteCallback(r.Context(), provider, state, code, h.redirectURIFor(provider))
	if err != nil {
		switch {
		case errors.Is(err, oauth.ErrInvalidState):
			writeJSONError(w, http.StatusBadRequest, "invalid or expired state")
		case errors.Is(err, oauth.ErrUnsupportedProvider):
			writeJSONError(w, http.StatusNotFound, "unknown provider: "+provider)
		case calendar.KindOf(err) == calendar.KindAuthentication:
			writeJSONError(w, http.StatusBadGateway, "provider rejected the authorization code")
		default:
			writeJSONError(w, http.StatusBadGateway, "authorization could not be completed")
		}
		return
	}

	if result.Session != nil {
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookie,
			Value:    result.Session.Token,
			Path:     "/",
			Expires:  result.Session.ExpiresAt,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
		writeJSON(w, http.StatusOK, map[string]any{
			"user": userView(result.Session.User),
		})
		return
	}
	writeJSON(w, http.StatusOK, integrationView(result.Integration))
}

// HandleLogout clears the session cookie. The server-side row ages out via the
// background purge.
func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
	})
	w.WriteHeader(http.StatusNoContent)
}

// HandleMe reports the authenticated user.
func (h *Handlers) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID := h.requireUser(w, r)
	if userID == 0 {
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"user_id": userID})
}

func userView(u *db.User) map[string]any {
	return map[string]any{
		"id":           u.ID,
		"email":        u.Email,
		"display_name": u.DisplayName,
	}
}

// integrationView is the API shape of a stored integration. Credential fields
// are never serialized.
func integrationView(in *db.Integration) map[string]any {
	v := map[string]any{
		"id":         in.ID,
		"provider":   in.Provider,
		"updated_at": in.UpdatedAt,
	}
	if in.TokenExpiresAt != nil {
		v["token_expires_at"] = in.TokenExpiresAt
	}
	if in.SyncError != nil {
		v["sync_error"] = *in.SyncError
	}
	if in.DefaultBookingCalendarID != "" {
		v["default_booking_calendar_id"] = in.DefaultBookingCalendarID
	}
	if in.BaseURL != "" {
		v["base_url"] = in.BaseURL
	}
	return v
}
