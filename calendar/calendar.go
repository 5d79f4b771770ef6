// Package calendar defines the provider-neutral calendar surface: normalized
// calendar and event shapes, the Provider interface implemented per external
// service (Google, Outlook, CalDAV), a discriminator registry, and the tagged
// error taxonomy callers branch on.
package calendar

import (
	"context"
	"time"
)

// Provider discriminator values as stored on calendar_integrations.provider.
const (
	ProviderGoogle    = "google"
	ProviderOutlook   = "outlook"
	ProviderCalDAV    = "caldav"
	ProviderNextcloud = "nextcloud"
)

// Credentials carries decrypted credential material for a single API call.
// Values are passed by value and must never outlive the operation they serve.
type Credentials struct {
	AccessToken  string
	RefreshToken string

	// Static-auth providers (CalDAV, Nextcloud).
	BaseURL  string
	Username string
	Password string
}

// Tokens is the result of a code exchange or refresh.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
}

// Calendar is a provider calendar normalized to the internal shape.
type Calendar struct {
	ID      string
	Name    string
	Primary bool
}

// Event is a provider event normalized to the internal shape. Start/end are
// nil when the provider payload omits them or they fail to parse; adapters
// degrade to nil rather than erroring on partial payloads.
type Event struct {
	UID         string
	Summary     string
	Description string
	Location    string
	StartTime   *time.Time
	EndTime     *time.Time
	Status      string
}

// Provider is the per-service adapter contract. Implementations return tagged
// *Error values for all remote failures; they never panic on malformed
// provider payloads.
type Provider interface {
	Name() string

	// SupportsRefresh reports whether the provider uses OAuth refresh tokens.
	// Static-credential providers (CalDAV, Nextcloud) return false and their
	// Refresh implementation fails with KindUnsupported.
	SupportsRefresh() bool

	AuthorizationURL(state, redirectURI string, scopes []string) (string, error)
	ExchangeCode(ctx context.Context, code, redirectURI string) (*Tokens, error)
	Refresh(ctx context.Context, creds Credentials) (*Tokens, error)

	ListCalendars(ctx context.Context, creds Credentials) ([]Calendar, error)
	ListEvents(ctx context.Context, creds Credentials, calendarID string, from, to time.Time) ([]Event, error)
	CreateEvent(ctx context.Context, creds Credentials, calendarID string, ev Event) (*Event, error)
	UpdateEvent(ctx context.Context, creds Credentials, calendarID string, ev Event) (*Event, error)
	DeleteEvent(ctx context.Context, creds Credentials, calendarID, uid string) error
}
