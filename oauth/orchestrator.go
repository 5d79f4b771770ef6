package oauth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bookwright/bookwright/calendar"
	"github.com/bookwright/bookwright/db"
)

// ErrInvalidState is returned when a callback presents a missing, expired, or
// already-consumed state token.
var ErrInvalidState = errors.New("invalid oauth state")

// State payload prefixes. Connect states carry the initiating user id so the
// callback can bind the integration without a session round-trip.
const (
	statePrefixConnect = "connect:"
	statePayloadLogin  = "login"
)

// IdentityFetcher resolves the provider profile for a freshly exchanged token.
// Google uses the OIDC userinfo endpoint, Outlook uses Graph /me.
type IdentityFetcher func(ctx context.Context, accessToken string) (subject, email, displayName string, err error)

// Orchestrator stitches together the redirect flows: state validation, code
// exchange through the provider adapter, integration upsert for calendar
// connections, and user lookup/creation plus session issuance for logins.
type Orchestrator struct {
	DB         *sql.DB
	Registry   *calendar.Registry
	States     *StateStore
	SessionTTL time.Duration

	identity map[string]IdentityFetcher
}

func NewOrchestrator(dbx *sql.DB, registry *calendar.Registry, states *StateStore) *Orchestrator {
	if states == nil {
		states = NewStateStore()
	}
	return &Orchestrator{
		DB:         dbx,
		Registry:   registry,
		States:     states,
		SessionTTL: 30 * 24 * time.Hour,
		identity:   make(map[string]IdentityFetcher),
	}
}

// RegisterIdentityFetcher installs the profile lookup used by login flows for
// one provider.
func (o *Orchestrator) RegisterIdentityFetcher(provider string, fn IdentityFetcher) {
	o.identity[provider] = fn
}

// BeginConnect issues a state token bound to the initiating user and returns
// the provider authorization URL to redirect to.
func (o *Orchestrator) BeginConnect(provider, redirectURI string, scopes []string, userID int64) (string, error) {
	if userID <= 0 {
		return "", fmt.Errorf("connect flow requires an authenticated user")
	}
	return o.begin(provider, redirectURI, scopes, statePrefixConnect+strconv.FormatInt(userID, 10))
}

// BeginLogin issues a state token for a login-with-provider flow.
func (o *Orchestrator) BeginLogin(provider, redirectURI string, scopes []string) (string, error) {
	return o.begin(provider, redirectURI, scopes, statePayloadLogin)
}

func (o *Orchestrator) begin(provider, redirectURI string, scopes []string, payload string) (string, error) {
	p, ok := o.Registry.Lookup(provider)
	if !ok {
		return "", ErrUnsupportedProvider
	}
	state, err := o.States.Issue(payload)
	if err != nil {
		return "", err
	}
	return p.AuthorizationURL(state, redirectURI, scopes)
}

// CallbackResult is the outcome of a completed redirect callback: exactly one
// of Integration (connect flow) or Session (login flow) is set.
type CallbackResult struct {
	Integration *db.Integration
	Session     *Session
}

// CompleteCallback consumes the state token once and dispatches to the
// connect or login completion recorded when the flow began. Both flows share
// one provider redirect URI this way.
func (o *Orchestrator) CompleteCallback(ctx context.Context, provider, state, code, redirectURI string) (*CallbackResult, error) {
	payload, ok := o.States.Consume(state)
	if !ok {
		return nil, ErrInvalidState
	}
	switch {
	case strings.HasPrefix(payload, statePrefixConnect):
		userID, err := strconv.ParseInt(strings.TrimPrefix(payload, statePrefixConnect), 10, 64)
		if err != nil || userID <= 0 {
			return nil, ErrInvalidState
		}
		in, err := o.completeConnect(ctx, provider, code, redirectURI, userID)
		if err != nil {
			return nil, err
		}
		return &CallbackResult{Integration: in}, nil
	case payload == statePayloadLogin:
		sess, err := o.completeLogin(ctx, provider, code, redirectURI)
		if err != nil {
			return nil, err
		}
		return &CallbackResult{Session: sess}, nil
	default:
		return nil, ErrInvalidState
	}
}

// completeConnect finishes a calendar-connect callback: exchanges the code and
// upserts the integration for the (user, provider) pair with encrypted
// tokens. A zero expiry from the provider is stored as NULL (non-expiring).
func (o *Orchestrator) completeConnect(ctx context.Context, provider, code, redirectURI string, userID int64) (*db.Integration, error) {
	p, ok := o.Registry.Lookup(provider)
	if !ok {
		return nil, ErrUnsupportedProvider
	}
	tokens, err := p.ExchangeCode(ctx, code, redirectURI)
	if err != nil {
		return nil, err
	}
	in := &db.Integration{
		UserID:       userID,
		Provider:     provider,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
	}
	if !tokens.Expiry.IsZero() {
		expiry := tokens.Expiry
		in.TokenExpiresAt = &expiry
	}
	return db.UpsertIntegration(ctx, o.DB, in)
}

// ConnectStatic stores a static-credential integration (CalDAV, Nextcloud):
// no code exchange, no expiry, password encrypted at rest.
func (o *Orchestrator) ConnectStatic(ctx context.Context, provider string, userID int64, baseURL, username, password string) (*db.Integration, error) {
	if _, ok := o.Registry.Lookup(provider); !ok {
		return nil, ErrUnsupportedProvider
	}
	if baseURL == "" || username == "" || password == "" {
		return nil, fmt.Errorf("static connect requires base url, username, and password")
	}
	return db.UpsertIntegration(ctx, o.DB, &db.Integration{
		UserID:   userID,
		Provider: provider,
		BaseURL:  baseURL,
		Username: username,
		Password: password,
	})
}

// Session is the result of a completed login.
type Session struct {
	Token     string
	User      *db.User
	ExpiresAt time.Time
}

// completeLogin finishes a login-with-provider callback: exchanges the code,
// fetches the provider profile, finds or creates the user, and issues an
// opaque session token. Cookie handling stays with the calling web layer.
func (o *Orchestrator) completeLogin(ctx context.Context, provider, code, redirectURI string) (*Session, error) {
	p, ok := o.Registry.Lookup(provider)
	if !ok {
		return nil, ErrUnsupportedProvider
	}
	fetch, ok := o.identity[provider]
	if !ok {
		return nil, fmt.Errorf("no identity fetcher registered for provider %q", provider)
	}
	tokens, err := p.ExchangeCode(ctx, code, redirectURI)
	if err != nil {
		return nil, err
	}
	subject, email, displayName, err := fetch(ctx, tokens.AccessToken)
	if err != nil {
		return nil, err
	}
	if subject == "" {
		return nil, fmt.Errorf("provider %q returned an empty subject", provider)
	}
	user, err := db.FindOrCreateUser(ctx, o.DB, provider, subject, email, displayName)
	if err != nil {
		return nil, err
	}
	token := uuid.NewString()
	ttl := o.SessionTTL
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	if err := db.CreateSession(ctx, o.DB, token, user.ID, ttl); err != nil {
		return nil, err
	}
	return &Session{Token: token, User: user, ExpiresAt: time.Now().Add(ttl)}, nil
}
