package outlookcal

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/bookwright/bookwright/calendar"
	"github.com/bookwright/bookwright/testutil"
)

func testProvider(srv *testutil.MockProviderServer) *Provider {
	p := New("client-id", "secret", "common", nil)
	p.GraphBase = srv.URL
	p.Endpoint = &oauth2.Endpoint{
		AuthURL:  srv.URL + "/authorize",
		TokenURL: srv.URL + "/token",
	}
	return p
}

func TestAuthorizationURL(t *testing.T) {
	p := New("client-id", "secret", "common", nil)
	u, err := p.AuthorizationURL("state456", "https://app.example.com/callback", nil)
	if err != nil {
		t.Fatalf("AuthorizationURL: %v", err)
	}
	for _, want := range []string{"state=state456", "client_id=client-id", "offline_access"} {
		if !strings.Contains(u, want) {
			t.Errorf("url missing %q: %s", want, u)
		}
	}
}

func TestExchangeCode(t *testing.T) {
	srv := testutil.NewMockProviderServer(t)
	srv.MockTokenResponse("/token", "access-1", "refresh-1", 3600)

	p := testProvider(srv)
	tokens, err := p.ExchangeCode(context.Background(), "code-1", "https://app.example.com/cb")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if tokens.AccessToken != "access-1" || tokens.RefreshToken != "refresh-1" {
		t.Errorf("tokens: %+v", tokens)
	}
	if !tokens.Expiry.After(time.Now()) {
		t.Error("expiry should be in the future")
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	srv := testutil.NewMockProviderServer(t)
	srv.MockTokenResponse("/token", "access-2", "refresh-2", 3600)

	p := testProvider(srv)
	tokens, err := p.Refresh(context.Background(), calendar.Credentials{RefreshToken: "refresh-1"})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if tokens.RefreshToken != "refresh-2" {
		t.Errorf("rotated refresh token: got %q, want refresh-2", tokens.RefreshToken)
	}
}

func TestRefreshInvalidGrantIsAuthError(t *testing.T) {
	srv := testutil.NewMockProviderServer(t)
	srv.MockTokenError("/token", 400, "invalid_grant")

	p := testProvider(srv)
	_, err := p.Refresh(context.Background(), calendar.Credentials{RefreshToken: "revoked"})
	if calendar.KindOf(err) != calendar.KindAuthentication {
		t.Errorf("got %v, want authentication-tagged error", err)
	}
	if calendar.IsTransient(err) {
		t.Error("invalid_grant must not classify as transient")
	}
}

func TestRefreshWithoutStoredToken(t *testing.T) {
	p := New("id", "secret", "common", nil)
	_, err := p.Refresh(context.Background(), calendar.Credentials{})
	if calendar.KindOf(err) != calendar.KindAuthentication {
		t.Errorf("got %v, want authentication-tagged error", err)
	}
}

func TestListCalendars(t *testing.T) {
	srv := testutil.NewMockProviderServer(t)
	srv.MockJSONResponse("/me/calendars", map[string]any{
		"value": []map[string]any{
			{"id": "cal-1", "name": "Calendar", "isDefaultCalendar": true},
			{"id": "cal-2", "name": "Team", "isDefaultCalendar": false},
		},
	})

	p := testProvider(srv)
	cals, err := p.ListCalendars(context.Background(), calendar.Credentials{AccessToken: "tok"})
	if err != nil {
		t.Fatalf("ListCalendars: %v", err)
	}
	if len(cals) != 2 {
		t.Fatalf("calendars: got %d, want 2", len(cals))
	}
	if !cals[0].Primary || cals[0].ID != "cal-1" {
		t.Errorf("primary calendar: %+v", cals[0])
	}
}

func TestListEventsNormalizesGraphTimes(t *testing.T) {
	srv := testutil.NewMockProviderServer(t)
	srv.MockJSONResponse("/me/calendars/cal-1/calendarView", map[string]any{
		"value": []map[string]any{
			{
				"id":      "ev-1",
				"subject": "Design review",
				"start":   map[string]string{"dateTime": "2026-03-05T10:00:00.0000000", "timeZone": "UTC"},
				"end":     map[string]string{"dateTime": "2026-03-05T11:00:00.0000000", "timeZone": "UTC"},
			},
			{
				"id":      "ev-2",
				"subject": "No times",
			},
		},
	})

	p := testProvider(srv)
	events, err := p.ListEvents(context.Background(), calendar.Credentials{AccessToken: "tok"}, "cal-1",
		time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events: got %d, want 2", len(events))
	}
	if events[0].StartTime == nil || !events[0].StartTime.Equal(time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("start: %v", events[0].StartTime)
	}
	if events[0].Status != "confirmed" {
		t.Errorf("status: %q", events[0].Status)
	}
	// Missing boundaries degrade to nil rather than erroring out.
	if events[1].StartTime != nil || events[1].EndTime != nil {
		t.Errorf("event without times should have nil boundaries: %+v", events[1])
	}
}

func TestGraphUnauthorizedIsAuthError(t *testing.T) {
	srv := testutil.NewMockProviderServer(t)
	srv.Handlers["/me/calendars"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}

	p := testProvider(srv)
	_, err := p.ListCalendars(context.Background(), calendar.Credentials{AccessToken: "stale"})
	if calendar.KindOf(err) != calendar.KindAuthentication {
		t.Errorf("got %v, want authentication-tagged error", err)
	}
}

func TestGraphServerErrorIsTransient(t *testing.T) {
	srv := testutil.NewMockProviderServer(t)
	srv.Handlers["/me/calendars"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	p := testProvider(srv)
	_, err := p.ListCalendars(context.Background(), calendar.Credentials{AccessToken: "tok"})
	if !calendar.IsTransient(err) {
		t.Errorf("503 should classify as transient, got %v", err)
	}
}

func TestFetchIdentity(t *testing.T) {
	srv := testutil.NewMockProviderServer(t)
	srv.MockJSONResponse("/me", map[string]any{
		"id":                "user-123",
		"userPrincipalName": "ana@example.com",
		"displayName":       "Ana",
	})

	p := testProvider(srv)
	subject, email, name, err := p.FetchIdentity(context.Background(), "tok")
	if err != nil {
		t.Fatalf("FetchIdentity: %v", err)
	}
	if subject != "user-123" || email != "ana@example.com" || name != "Ana" {
		t.Errorf("identity: %q %q %q", subject, email, name)
	}
}

func TestParseGraphTimeUnparsable(t *testing.T) {
	if got := parseGraphTime(&graphDateTime{DateTime: "garbage"}); got != nil {
		t.Errorf("got %v, want nil", got)
	}
	if got := parseGraphTime(nil); got != nil {
		t.Errorf("got %v, want nil", got)
	}
}
