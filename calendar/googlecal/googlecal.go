// Package googlecal implements the Google Calendar provider adapter: OAuth2
// code grant and refresh via golang.org/x/oauth2, calendar and event CRUD via
// the Google Calendar API, and normalization of Google event payloads to the
// internal shape.
package googlecal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/bookwright/bookwright/calendar"
)

const userinfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

// Provider is the Google Calendar adapter.
type Provider struct {
	clientID     string
	clientSecret string
	scopes       []string
}

func New(clientID, clientSecret string, scopes []string) *Provider {
	if len(scopes) == 0 {
		scopes = []string{gcal.CalendarScope}
	}
	return &Provider{clientID: clientID, clientSecret: clientSecret, scopes: scopes}
}

func (p *Provider) Name() string          { return calendar.ProviderGoogle }
func (p *Provider) SupportsRefresh() bool { return true }

func (p *Provider) config(redirectURI string, scopes []string) *oauth2.Config {
	if len(scopes) == 0 {
		scopes = p.scopes
	}
	return &oauth2.Config{
		ClientID:     p.clientID,
		ClientSecret: p.clientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  redirectURI,
		Scopes:       scopes,
	}
}

// AuthorizationURL builds the consent URL. Offline access plus forced approval
// makes Google return a refresh token even on repeat consent.
func (p *Provider) AuthorizationURL(state, redirectURI string, scopes []string) (string, error) {
	if p.clientID == "" || redirectURI == "" {
		return "", calendar.Errf(p.Name(), calendar.KindInvalidPayload, "missing client id or redirect uri")
	}
	return p.config(redirectURI, scopes).AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

func (p *Provider) ExchangeCode(ctx context.Context, code, redirectURI string) (*calendar.Tokens, error) {
	tok, err := p.config(redirectURI, nil).Exchange(ctx, code)
	if err != nil {
		return nil, p.wrap(err, "auth code exchange failed")
	}
	return fromOAuth2Token(tok), nil
}

// Refresh exchanges the refresh token for a fresh access token. Google may
// rotate the refresh token; the returned value must always be persisted.
func (p *Provider) Refresh(ctx context.Context, creds calendar.Credentials) (*calendar.Tokens, error) {
	if creds.RefreshToken == "" {
		return nil, calendar.Errf(p.Name(), calendar.KindAuthentication, "no refresh token stored")
	}
	src := p.config("", nil).TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, p.wrap(err, "token refresh failed")
	}
	out := fromOAuth2Token(tok)
	if out.RefreshToken == "" {
		out.RefreshToken = creds.RefreshToken
	}
	return out, nil
}

func (p *Provider) service(ctx context.Context, creds calendar.Credentials) (*gcal.Service, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.AccessToken})
	svc, err := gcal.NewService(ctx, option.WithTokenSource(src))
	if err != nil {
		return nil, p.wrap(err, "calendar service init failed")
	}
	return svc, nil
}

func (p *Provider) ListCalendars(ctx context.Context, creds calendar.Credentials) ([]calendar.Calendar, error) {
	svc, err := p.service(ctx, creds)
	if err != nil {
		return nil, err
	}
	list, err := svc.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return nil, p.wrap(err, "list calendars failed")
	}
	out := make([]calendar.Calendar, 0, len(list.Items))
	for _, item := range list.Items {
		name := item.Summary
		if item.SummaryOverride != "" {
			name = item.SummaryOverride
		}
		out = append(out, calendar.Calendar{ID: item.Id, Name: name, Primary: item.Primary})
	}
	return out, nil
}

func (p *Provider) ListEvents(ctx context.Context, creds calendar.Credentials, calendarID string, from, to time.Time) ([]calendar.Event, error) {
	svc, err := p.service(ctx, creds)
	if err != nil {
		return nil, err
	}
	call := svc.Events.List(calendarID).
		TimeMin(from.Format(time.RFC3339)).
		TimeMax(to.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		Context(ctx)
	res, err := call.Do()
	if err != nil {
		return nil, p.wrap(err, "list events failed")
	}
	out := make([]calendar.Event, 0, len(res.Items))
	for _, item := range res.Items {
		out = append(out, NormalizeEvent(item))
	}
	return out, nil
}

func (p *Provider) CreateEvent(ctx context.Context, creds calendar.Credentials, calendarID string, ev calendar.Event) (*calendar.Event, error) {
	svc, err := p.service(ctx, creds)
	if err != nil {
		return nil, err
	}
	created, err := svc.Events.Insert(calendarID, toGoogleEvent(ev)).Context(ctx).Do()
	if err != nil {
		return nil, p.wrap(err, "create event failed")
	}
	normalized := NormalizeEvent(created)
	return &normalized, nil
}

func (p *Provider) UpdateEvent(ctx context.Context, creds calendar.Credentials, calendarID string, ev calendar.Event) (*calendar.Event, error) {
	if ev.UID == "" {
		return nil, calendar.Errf(p.Name(), calendar.KindInvalidPayload, "event uid required for update")
	}
	svc, err := p.service(ctx, creds)
	if err != nil {
		return nil, err
	}
	updated, err := svc.Events.Update(calendarID, ev.UID, toGoogleEvent(ev)).Context(ctx).Do()
	if err != nil {
		return nil, p.wrap(err, "update event failed")
	}
	normalized := NormalizeEvent(updated)
	return &normalized, nil
}

func (p *Provider) DeleteEvent(ctx context.Context, creds calendar.Credentials, calendarID, uid string) error {
	svc, err := p.service(ctx, creds)
	if err != nil {
		return err
	}
	if err := svc.Events.Delete(calendarID, uid).Context(ctx).Do(); err != nil {
		return p.wrap(err, "delete event failed")
	}
	return nil
}

// FetchIdentity resolves the OIDC profile for a login flow.
func FetchIdentity(ctx context.Context, accessToken string) (subject, email, displayName string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userinfoURL, nil)
	if err != nil {
		return "", "", "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", "", calendar.WrapErr(calendar.ProviderGoogle, calendar.KindUnknown, err, "userinfo request failed")
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return "", "", "", calendar.Errf(calendar.ProviderGoogle, classifyStatus(resp.StatusCode), "userinfo returned %s", resp.Status)
	}
	var profile struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return "", "", "", calendar.WrapErr(calendar.ProviderGoogle, calendar.KindInvalidPayload, err, "userinfo decode failed")
	}
	return profile.Sub, profile.Email, profile.Name, nil
}

// wrap maps SDK errors onto the tagged taxonomy, preferring the HTTP status
// over string matching when available.
func (p *Provider) wrap(err error, message string) *calendar.Error {
	kind := calendar.KindUnknown
	var gerr *googleapi.Error
	var rerr *oauth2.RetrieveError
	switch {
	case errors.As(err, &gerr):
		kind = classifyStatus(gerr.Code)
	case errors.As(err, &rerr):
		if rerr.Response != nil {
			kind = classifyStatus(rerr.Response.StatusCode)
		}
		if kind == calendar.KindUnknown && rerr.ErrorCode == "invalid_grant" {
			kind = calendar.KindAuthentication
		}
	}
	return calendar.WrapErr(p.Name(), kind, err, message)
}

func classifyStatus(code int) calendar.Kind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return calendar.KindAuthentication
	case code == http.StatusBadRequest:
		// Google reports revoked/expired grants as 400 invalid_grant.
		return calendar.KindAuthentication
	case code == http.StatusNotFound:
		return calendar.KindNotFound
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return calendar.KindTimeout
	case code >= 500:
		return calendar.KindNetwork
	default:
		return calendar.KindUnknown
	}
}

func fromOAuth2Token(tok *oauth2.Token) *calendar.Tokens {
	return &calendar.Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
}

// NormalizeEvent maps a Google event to the internal shape. Missing or
// unparsable times degrade to nil; a missing summary stays empty.
func NormalizeEvent(item *gcal.Event) calendar.Event {
	ev := calendar.Event{
		UID:         item.Id,
		Summary:     item.Summary,
		Description: item.Description,
		Location:    item.Location,
		Status:      item.Status,
	}
	ev.StartTime = parseEventTime(item.Start)
	ev.EndTime = parseEventTime(item.End)
	return ev
}

// parseEventTime handles both timed (dateTime, RFC3339) and all-day (date)
// Google events, returning nil when absent or unparsable.
func parseEventTime(edt *gcal.EventDateTime) *time.Time {
	if edt == nil {
		return nil
	}
	if edt.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, edt.DateTime); err == nil {
			return &t
		}
		return nil
	}
	if edt.Date != "" {
		if t, err := time.Parse("2006-01-02", edt.Date); err == nil {
			return &t
		}
	}
	return nil
}

func toGoogleEvent(ev calendar.Event) *gcal.Event {
	out := &gcal.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Status:      ev.Status,
	}
	if ev.UID != "" {
		out.Id = ev.UID
	}
	if ev.StartTime != nil {
		out.Start = &gcal.EventDateTime{DateTime: ev.StartTime.Format(time.RFC3339)}
	}
	if ev.EndTime != nil {
		out.End = &gcal.EventDateTime{DateTime: ev.EndTime.Format(time.RFC3339)}
	}
	return out
}
