// Package outlookcal implements the Outlook provider adapter against the
// Microsoft Graph API. OAuth2 endpoints come from the Azure AD tenant; Graph
// calls are plain JSON over HTTP with a bearer token.
package outlookcal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/bookwright/bookwright/calendar"
)

const defaultGraphBase = "https://graph.microsoft.com/v1.0"

var defaultScopes = []string{"offline_access", "Calendars.ReadWrite", "User.Read"}

// Provider is the Outlook / Microsoft 365 adapter.
type Provider struct {
	clientID     string
	clientSecret string
	tenant       string
	scopes       []string

	// GraphBase is overridable for tests; defaults to the public Graph v1.0 root.
	GraphBase string
	// Endpoint is overridable for tests; defaults to the tenant AD endpoint.
	Endpoint *oauth2.Endpoint
	// HTTPClient is used for Graph calls; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

func New(clientID, clientSecret, tenant string, scopes []string) *Provider {
	if tenant == "" {
		tenant = "common"
	}
	if len(scopes) == 0 {
		scopes = defaultScopes
	}
	return &Provider{clientID: clientID, clientSecret: clientSecret, tenant: tenant, scopes: scopes}
}

func (p *Provider) Name() string          { return calendar.ProviderOutlook }
func (p *Provider) SupportsRefresh() bool { return true }

func (p *Provider) endpoint() oauth2.Endpoint {
	if p.Endpoint != nil {
		return *p.Endpoint
	}
	return microsoft.AzureADEndpoint(p.tenant)
}

func (p *Provider) config(redirectURI string, scopes []string) *oauth2.Config {
	if len(scopes) == 0 {
		scopes = p.scopes
	}
	return &oauth2.Config{
		ClientID:     p.clientID,
		ClientSecret: p.clientSecret,
		Endpoint:     p.endpoint(),
		RedirectURL:  redirectURI,
		Scopes:       scopes,
	}
}

func (p *Provider) AuthorizationURL(state, redirectURI string, scopes []string) (string, error) {
	if p.clientID == "" || redirectURI == "" {
		return "", calendar.Errf(p.Name(), calendar.KindInvalidPayload, "missing client id or redirect uri")
	}
	return p.config(redirectURI, scopes).AuthCodeURL(state), nil
}

func (p *Provider) ExchangeCode(ctx context.Context, code, redirectURI string) (*calendar.Tokens, error) {
	tok, err := p.config(redirectURI, nil).Exchange(ctx, code)
	if err != nil {
		return nil, p.wrapOAuth(err, "auth code exchange failed")
	}
	return fromOAuth2Token(tok), nil
}

// Refresh trades the refresh token for a new access token. Azure AD rotates
// refresh tokens on every grant, so the returned token replaces the stored one.
func (p *Provider) Refresh(ctx context.Context, creds calendar.Credentials) (*calendar.Tokens, error) {
	if creds.RefreshToken == "" {
		return nil, calendar.Errf(p.Name(), calendar.KindAuthentication, "no refresh token stored")
	}
	src := p.config("", nil).TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, p.wrapOAuth(err, "token refresh failed")
	}
	out := fromOAuth2Token(tok)
	if out.RefreshToken == "" {
		out.RefreshToken = creds.RefreshToken
	}
	return out, nil
}

func (p *Provider) graphBase() string {
	if p.GraphBase != "" {
		return p.GraphBase
	}
	return defaultGraphBase
}

func (p *Provider) client() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return http.DefaultClient
}

// doGraph issues one Graph request and decodes the JSON response into out
// (skipped when out is nil, e.g. for DELETE).
func (p *Provider) doGraph(ctx context.Context, accessToken, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return calendar.WrapErr(p.Name(), calendar.KindInvalidPayload, err, "request encode failed")
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.graphBase()+path, reader)
	if err != nil {
		return calendar.WrapErr(p.Name(), calendar.KindUnknown, err, "request build failed")
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := p.client().Do(req)
	if err != nil {
		kind := calendar.Classify(err)
		if kind == calendar.KindUnknown {
			kind = calendar.KindNetwork
		}
		return calendar.WrapErr(p.Name(), kind, err, "graph request failed")
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return calendar.Errf(p.Name(), classifyStatus(resp.StatusCode), "graph %s %s returned %s: %s", method, path, resp.Status, snippet)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return calendar.WrapErr(p.Name(), calendar.KindInvalidPayload, err, "graph response decode failed")
	}
	return nil
}

type graphCalendar struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"isDefaultCalendar"`
}

// graphDateTime is Graph's split representation of an event boundary.
type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphEvent struct {
	ID      string         `json:"id,omitempty"`
	Subject string         `json:"subject"`
	Body    *graphItemBody `json:"body,omitempty"`
	Start   *graphDateTime `json:"start,omitempty"`
	End     *graphDateTime `json:"end,omitempty"`

	Location    *graphLocation `json:"location,omitempty"`
	IsCancelled bool           `json:"isCancelled,omitempty"`
}

type graphItemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphLocation struct {
	DisplayName string `json:"displayName"`
}

func (p *Provider) ListCalendars(ctx context.Context, creds calendar.Credentials) ([]calendar.Calendar, error) {
	var res struct {
		Value []graphCalendar `json:"value"`
	}
	if err := p.doGraph(ctx, creds.AccessToken, http.MethodGet, "/me/calendars", nil, &res); err != nil {
		return nil, err
	}
	out := make([]calendar.Calendar, 0, len(res.Value))
	for _, c := range res.Value {
		out = append(out, calendar.Calendar{ID: c.ID, Name: c.Name, Primary: c.IsDefault})
	}
	return out, nil
}

func (p *Provider) ListEvents(ctx context.Context, creds calendar.Credentials, calendarID string, from, to time.Time) ([]calendar.Event, error) {
	q := url.Values{}
	q.Set("startDateTime", from.UTC().Format(time.RFC3339))
	q.Set("endDateTime", to.UTC().Format(time.RFC3339))
	path := fmt.Sprintf("/me/calendars/%s/calendarView?%s", url.PathEscape(calendarID), q.Encode())
	var res struct {
		Value []graphEvent `json:"value"`
	}
	if err := p.doGraph(ctx, creds.AccessToken, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	out := make([]calendar.Event, 0, len(res.Value))
	for _, ge := range res.Value {
		out = append(out, normalizeEvent(ge))
	}
	return out, nil
}

func (p *Provider) CreateEvent(ctx context.Context, creds calendar.Credentials, calendarID string, ev calendar.Event) (*calendar.Event, error) {
	path := fmt.Sprintf("/me/calendars/%s/events", url.PathEscape(calendarID))
	var created graphEvent
	if err := p.doGraph(ctx, creds.AccessToken, http.MethodPost, path, toGraphEvent(ev), &created); err != nil {
		return nil, err
	}
	normalized := normalizeEvent(created)
	return &normalized, nil
}

func (p *Provider) UpdateEvent(ctx context.Context, creds calendar.Credentials, calendarID string, ev calendar.Event) (*calendar.Event, error) {
	if ev.UID == "" {
		return nil, calendar.Errf(p.Name(), calendar.KindInvalidPayload, "event uid required for update")
	}
	path := fmt.Sprintf("/me/calendars/%s/events/%s", url.PathEscape(calendarID), url.PathEscape(ev.UID))
	var updated graphEvent
	if err := p.doGraph(ctx, creds.AccessToken, http.MethodPatch, path, toGraphEvent(ev), &updated); err != nil {
		return nil, err
	}
	normalized := normalizeEvent(updated)
	return &normalized, nil
}

func (p *Provider) DeleteEvent(ctx context.Context, creds calendar.Credentials, calendarID, uid string) error {
	path := fmt.Sprintf("/me/calendars/%s/events/%s", url.PathEscape(calendarID), url.PathEscape(uid))
	return p.doGraph(ctx, creds.AccessToken, http.MethodDelete, path, nil, nil)
}

// FetchIdentity resolves the Graph /me profile for a login flow.
func (p *Provider) FetchIdentity(ctx context.Context, accessToken string) (subject, email, displayName string, err error) {
	var me struct {
		ID                string `json:"id"`
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
		DisplayName       string `json:"displayName"`
	}
	if err := p.doGraph(ctx, accessToken, http.MethodGet, "/me", nil, &me); err != nil {
		return "", "", "", err
	}
	mail := me.Mail
	if mail == "" {
		mail = me.UserPrincipalName
	}
	return me.ID, mail, me.DisplayName, nil
}

func (p *Provider) wrapOAuth(err error, message string) *calendar.Error {
	kind := calendar.KindUnknown
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.Response != nil {
			kind = classifyStatus(rerr.Response.StatusCode)
		}
		if rerr.ErrorCode == "invalid_grant" {
			kind = calendar.KindAuthentication
		}
	}
	return calendar.WrapErr(p.Name(), kind, err, message)
}

func classifyStatus(code int) calendar.Kind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return calendar.KindAuthentication
	case code == http.StatusNotFound:
		return calendar.KindNotFound
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return calendar.KindTimeout
	case code == http.StatusTooManyRequests || code >= 500:
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

// graphTimeLayouts covers the fractional-second shapes Graph emits for event
// boundaries. Values are wall-clock in the event's named time zone.
var graphTimeLayouts = []string{
	"2006-01-02T15:04:05.9999999",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

// parseGraphTime resolves a Graph dateTime+timeZone pair, returning nil when
// absent or unparsable rather than failing the whole event.
func parseGraphTime(gdt *graphDateTime) *time.Time {
	if gdt == nil || gdt.DateTime == "" {
		return nil
	}
	loc := time.UTC
	if gdt.TimeZone != "" {
		if l, err := time.LoadLocation(gdt.TimeZone); err == nil {
			loc = l
		}
	}
	for _, layout := range graphTimeLayouts {
		if t, err := time.ParseInLocation(layout, gdt.DateTime, loc); err == nil {
			return &t
		}
	}
	return nil
}

func normalizeEvent(ge graphEvent) calendar.Event {
	ev := calendar.Event{
		UID:     ge.ID,
		Summary: ge.Subject,
	}
	if ge.Body != nil {
		ev.Description = ge.Body.Content
	}
	if ge.Location != nil {
		ev.Location = ge.Location.DisplayName
	}
	if ge.IsCancelled {
		ev.Status = "cancelled"
	} else {
		ev.Status = "confirmed"
	}
	ev.StartTime = parseGraphTime(ge.Start)
	ev.EndTime = parseGraphTime(ge.End)
	return ev
}

func toGraphEvent(ev calendar.Event) graphEvent {
	ge := graphEvent{Subject: ev.Summary}
	if ev.Description != "" {
		ge.Body = &graphItemBody{ContentType: "text", Content: ev.Description}
	}
	if ev.Location != "" {
		ge.Location = &graphLocation{DisplayName: ev.Location}
	}
	if ev.StartTime != nil {
		ge.Start = &graphDateTime{DateTime: ev.StartTime.UTC().Format("2006-01-02T15:04:05"), TimeZone: "UTC"}
	}
	if ev.EndTime != nil {
		ge.End = &graphDateTime{DateTime: ev.EndTime.UTC().Format("2006-01-02T15:04:05"), TimeZone: "UTC"}
	}
	return ge
}
