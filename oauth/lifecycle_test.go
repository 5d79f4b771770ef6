package oauth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bookwright/bookwright/calendar"
	"github.com/bookwright/bookwright/db"
	"github.com/bookwright/bookwright/locks"
	"github.com/bookwright/bookwright/testutil"
)

// fakeProvider counts calls and returns canned refresh results.
type fakeProvider struct {
	name            string
	supportsRefresh bool
	refreshCalls    atomic.Int32
	refreshTokens   *calendar.Tokens
	refreshErr      error
	refreshBlock    chan struct{} // when non-nil, Refresh waits until closed
}

func (f *fakeProvider) Name() string          { return f.name }
func (f *fakeProvider) SupportsRefresh() bool { return f.supportsRefresh }

func (f *fakeProvider) AuthorizationURL(state, redirectURI string, scopes []string) (string, error) {
	return "https://example.test/authorize?state=" + state, nil
}

func (f *fakeProvider) ExchangeCode(ctx context.Context, code, redirectURI string) (*calendar.Tokens, error) {
	return f.refreshTokens, f.refreshErr
}

func (f *fakeProvider) Refresh(ctx context.Context, creds calendar.Credentials) (*calendar.Tokens, error) {
	f.refreshCalls.Add(1)
	if f.refreshBlock != nil {
		<-f.refreshBlock
	}
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.refreshTokens, nil
}

func (f *fakeProvider) ListCalendars(ctx context.Context, creds calendar.Credentials) ([]calendar.Calendar, error) {
	return nil, nil
}
func (f *fakeProvider) ListEvents(ctx context.Context, creds calendar.Credentials, calendarID string, from, to time.Time) ([]calendar.Event, error) {
	return nil, nil
}
func (f *fakeProvider) CreateEvent(ctx context.Context, creds calendar.Credentials, calendarID string, ev calendar.Event) (*calendar.Event, error) {
	return &ev, nil
}
func (f *fakeProvider) UpdateEvent(ctx context.Context, creds calendar.Credentials, calendarID string, ev calendar.Event) (*calendar.Event, error) {
	return &ev, nil
}
func (f *fakeProvider) DeleteEvent(ctx context.Context, creds calendar.Credentials, calendarID, uid string) error {
	return nil
}

func registryWith(p calendar.Provider) *calendar.Registry {
	r := calendar.NewRegistry()
	r.Register(p)
	return r
}

func pastTime() *time.Time {
	t := time.Now().Add(-time.Hour)
	return &t
}

func futureTime() *time.Time {
	t := time.Now().Add(time.Hour)
	return &t
}

func TestEnsureValidTokenShortCircuitsOnFutureExpiry(t *testing.T) {
	fake := &fakeProvider{name: "fakecal-future", supportsRefresh: true}
	lc := NewLifecycle(nil, registryWith(fake), nil)

	in := &db.Integration{ID: 1, Provider: fake.name, TokenExpiresAt: futureTime(), AccessToken: "current"}
	out, err := lc.EnsureValidToken(context.Background(), in)
	if err != nil {
		t.Fatalf("EnsureValidToken: %v", err)
	}
	if out != in {
		t.Error("integration should be returned unchanged")
	}
	if fake.refreshCalls.Load() != 0 {
		t.Errorf("adapter calls: got %d, want 0", fake.refreshCalls.Load())
	}
}

func TestEnsureValidTokenNilExpiryIsValid(t *testing.T) {
	fake := &fakeProvider{name: "fakecal-nilexp", supportsRefresh: true}
	lc := NewLifecycle(nil, registryWith(fake), nil)

	in := &db.Integration{ID: 1, Provider: fake.name}
	out, err := lc.EnsureValidToken(context.Background(), in)
	if err != nil {
		t.Fatalf("EnsureValidToken: %v", err)
	}
	if out != in || fake.refreshCalls.Load() != 0 {
		t.Error("nil expiry must short-circuit without adapter calls")
	}
}

func TestEnsureValidTokenUnknownProvider(t *testing.T) {
	lc := NewLifecycle(nil, calendar.NewRegistry(), nil)
	in := &db.Integration{ID: 1, Provider: "fax-machine", TokenExpiresAt: pastTime()}
	if _, err := lc.EnsureValidToken(context.Background(), in); !errors.Is(err, ErrUnsupportedProvider) {
		t.Errorf("got %v, want ErrUnsupportedProvider", err)
	}
}

// Pins the policy for static-credential providers: a stale stored expiry on a
// caldav-style integration is ignored and the record treated as always valid.
func TestEnsureValidTokenStaticProviderIgnoresExpiry(t *testing.T) {
	fake := &fakeProvider{name: "fakedav", supportsRefresh: false}
	lc := NewLifecycle(nil, registryWith(fake), nil)

	in := &db.Integration{ID: 1, Provider: fake.name, TokenExpiresAt: pastTime(), Username: "cal", Password: "dav"}
	out, err := lc.EnsureValidToken(context.Background(), in)
	if err != nil {
		t.Fatalf("EnsureValidToken: %v", err)
	}
	if out != in {
		t.Error("static-credential integration should be returned unchanged")
	}
	if fake.refreshCalls.Load() != 0 {
		t.Errorf("adapter calls: got %d, want 0", fake.refreshCalls.Load())
	}
}

func TestEnsureValidTokenLockContention(t *testing.T) {
	fake := &fakeProvider{
		name:            "fakecal-contend",
		supportsRefresh: true,
		refreshTokens:   &calendar.Tokens{AccessToken: "new", RefreshToken: "new-r", Expiry: time.Now().Add(time.Hour)},
		refreshBlock:    make(chan struct{}),
	}
	lockMgr := locks.NewManager()
	lc := NewLifecycle(nil, registryWith(fake), lockMgr)

	in := &db.Integration{ID: 42, Provider: fake.name, TokenExpiresAt: pastTime(), RefreshToken: "r"}

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := lc.EnsureValidToken(context.Background(), in)
		done <- err
	}()
	<-started
	// Wait until the first caller is inside the adapter (holding the lock).
	for fake.refreshCalls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	_, err := lc.EnsureValidToken(context.Background(), in)
	if !errors.Is(err, ErrRefreshInProgress) {
		t.Errorf("concurrent ensure: got %v, want ErrRefreshInProgress", err)
	}

	close(fake.refreshBlock)
	if err := <-done; err != nil {
		t.Fatalf("first ensure: %v", err)
	}

	// Lock released; a later call may proceed (short-circuits only if the
	// in-memory record were updated, so use a stale copy to force the path).
	stale := &db.Integration{ID: 42, Provider: fake.name, TokenExpiresAt: pastTime(), RefreshToken: "r"}
	if _, err := lc.EnsureValidToken(context.Background(), stale); err != nil {
		t.Errorf("ensure after release: %v", err)
	}
}

func TestEnsureValidTokenTransientErrorPropagates(t *testing.T) {
	wantErr := calendar.Errf("fakecal-transient", calendar.KindTimeout, "token endpoint timed out")
	fake := &fakeProvider{name: "fakecal-transient", supportsRefresh: true, refreshErr: wantErr}
	lc := NewLifecycle(nil, registryWith(fake), nil)

	in := &db.Integration{ID: 7, Provider: fake.name, TokenExpiresAt: pastTime(), RefreshToken: "r"}
	_, err := lc.EnsureValidToken(context.Background(), in)
	if calendar.KindOf(err) != calendar.KindTimeout {
		t.Errorf("got %v, want timeout-tagged error", err)
	}
	if !calendar.IsTransient(err) {
		t.Error("timeout must classify as transient")
	}
}

func TestEnsureValidTokenRefreshRotationPersisted(t *testing.T) {
	database := testutil.SetupTestDB(t)
	const userID = 8201
	testutil.ClearIntegrations(t, database, userID)

	fake := &fakeProvider{
		name:            "fakecal-rotate",
		supportsRefresh: true,
		refreshTokens:   &calendar.Tokens{AccessToken: "new-access", RefreshToken: "rotated-refresh", Expiry: time.Now().Add(2 * time.Hour).Truncate(time.Second)},
	}
	lc := NewLifecycle(database, registryWith(fake), nil)

	stored, err := db.UpsertIntegration(context.Background(), database, &db.Integration{
		UserID:         userID,
		Provider:       fake.name,
		AccessToken:    "old-access",
		RefreshToken:   "old-refresh",
		TokenExpiresAt: pastTime(),
	})
	if err != nil {
		t.Fatalf("UpsertIntegration: %v", err)
	}
	// Simulate a previously recorded failure that a successful refresh clears.
	if err := db.SetSyncError(context.Background(), database, stored.ID, "authentication_error"); err != nil {
		t.Fatalf("SetSyncError: %v", err)
	}
	stored, err = db.GetIntegration(context.Background(), database, stored.ID)
	if err != nil {
		t.Fatalf("GetIntegration: %v", err)
	}
	if stored.SyncError == nil {
		t.Fatal("precondition: sync_error should be set")
	}

	out, err := lc.EnsureValidToken(context.Background(), stored)
	if err != nil {
		t.Fatalf("EnsureValidToken: %v", err)
	}
	if fake.refreshCalls.Load() != 1 {
		t.Errorf("adapter calls: got %d, want 1", fake.refreshCalls.Load())
	}
	if out.AccessToken != "new-access" || out.RefreshToken != "rotated-refresh" {
		t.Errorf("returned tokens not rotated: %q / %q", out.AccessToken, out.RefreshToken)
	}
	if out.SyncError != nil {
		t.Errorf("sync_error not cleared: %v", *out.SyncError)
	}

	// Re-read from storage: the rotated refresh token must be persisted.
	persisted, err := db.GetIntegration(context.Background(), database, stored.ID)
	if err != nil {
		t.Fatalf("GetIntegration: %v", err)
	}
	if persisted.RefreshToken != "rotated-refresh" {
		t.Errorf("persisted refresh token: got %q, want rotated-refresh", persisted.RefreshToken)
	}
	if persisted.TokenExpiresAt == nil || !persisted.TokenExpiresAt.After(time.Now()) {
		t.Error("persisted expiry should be in the future")
	}
	if persisted.SyncError != nil {
		t.Errorf("persisted sync_error not cleared: %v", *persisted.SyncError)
	}
}

func TestEnsureValidTokenAuthErrorSetsSyncError(t *testing.T) {
	database := testutil.SetupTestDB(t)
	const userID = 8202
	testutil.ClearIntegrations(t, database, userID)

	fake := &fakeProvider{
		name:            "fakecal-revoked",
		supportsRefresh: true,
		refreshErr:      calendar.Errf("fakecal-revoked", calendar.KindAuthentication, "invalid_grant"),
	}
	lc := NewLifecycle(database, registryWith(fake), nil)

	stored, err := db.UpsertIntegration(context.Background(), database, &db.Integration{
		UserID:         userID,
		Provider:       fake.name,
		RefreshToken:   "revoked",
		TokenExpiresAt: pastTime(),
	})
	if err != nil {
		t.Fatalf("UpsertIntegration: %v", err)
	}

	_, err = lc.EnsureValidToken(context.Background(), stored)
	if calendar.KindOf(err) != calendar.KindAuthentication {
		t.Fatalf("got %v, want authentication-tagged error", err)
	}
	if calendar.IsTransient(err) {
		t.Error("authentication failure must not classify as transient")
	}

	persisted, err := db.GetIntegration(context.Background(), database, stored.ID)
	if err != nil {
		t.Fatalf("GetIntegration: %v", err)
	}
	if persisted.SyncError == nil {
		t.Error("authentication failure should persist sync_error")
	}
	if persisted.RefreshToken != "revoked" {
		t.Error("failed refresh must not mutate stored tokens")
	}
}
