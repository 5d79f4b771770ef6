package oauth

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/bookwright/bookwright/calendar"
	"github.com/bookwright/bookwright/db"
	"github.com/bookwright/bookwright/locks"
	"github.com/bookwright/bookwright/telemetry"
)

// ErrUnsupportedProvider is returned when an integration's provider
// discriminator has no registered adapter.
var ErrUnsupportedProvider = errors.New("unsupported_provider")

// ErrRefreshInProgress mirrors the lock manager's contention signal at this
// package's boundary.
var ErrRefreshInProgress = locks.ErrRefreshInProgress

// Lifecycle manages integration token validity: expiry checks, locked
// refreshes through the provider adapter, and persistence of rotated tokens.
type Lifecycle struct {
	DB       *sql.DB
	Registry *calendar.Registry
	Locks    *locks.Manager

	// RefreshTimeout bounds the provider round trip; default 15s.
	RefreshTimeout time.Duration

	now func() time.Time
}

func NewLifecycle(dbx *sql.DB, registry *calendar.Registry, lockMgr *locks.Manager) *Lifecycle {
	if lockMgr == nil {
		lockMgr = locks.NewManager()
	}
	lockMgr.OnContention(func(provider string) {
		if telemetry.RefreshLockContention != nil {
			telemetry.RefreshLockContention.WithLabelValues(provider).Inc()
		}
	})
	return &Lifecycle{
		DB:             dbx,
		Registry:       registry,
		Locks:          lockMgr,
		RefreshTimeout: 15 * time.Second,
		now:            time.Now,
	}
}

// EnsureValidToken returns an integration whose access token is usable:
// unchanged when the stored token has no expiry or has not expired, refreshed
// and re-persisted otherwise. Providers without a refresh concept (static
// credentials) are always treated as valid regardless of stored expiry.
//
// On refresh failure the tagged provider error propagates without retry;
// retry policy belongs to the caller or the background refresher.
func (l *Lifecycle) EnsureValidToken(ctx context.Context, in *db.Integration) (*db.Integration, error) {
	if in.TokenExpiresAt == nil || in.TokenExpiresAt.After(l.now()) {
		return in, nil
	}

	provider, ok := l.Registry.Lookup(in.Provider)
	if !ok {
		return nil, ErrUnsupportedProvider
	}
	if !provider.SupportsRefresh() {
		// Static-credential providers (caldav, nextcloud) carry no refresh
		// token; a stale expiry value on such a row is ignored.
		return in, nil
	}

	if in.ID <= 0 {
		// Defensive path: an unpersisted integration has no lock key.
		// Concurrent refreshes of such a record are not serialized.
		slog.Warn("refreshing integration without lock (no id)", slog.String("provider", in.Provider))
		return l.refresh(ctx, provider, in)
	}

	var out *db.Integration
	err := l.Locks.WithLock(in.Provider, in.ID, func() error {
		var ferr error
		out, ferr = l.refresh(ctx, provider, in)
		return ferr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// refresh performs the provider round trip and persists the result. The
// returned refresh token is always persisted, even when identical to the
// stored one: some providers rotate it on every call.
func (l *Lifecycle) refresh(ctx context.Context, provider calendar.Provider, in *db.Integration) (*db.Integration, error) {
	timeout := l.RefreshTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	creds := calendar.Credentials{
		AccessToken:  in.AccessToken,
		RefreshToken: in.RefreshToken,
		BaseURL:      in.BaseURL,
		Username:     in.Username,
		Password:     in.Password,
	}

	var tokens *calendar.Tokens
	var refreshErr error
	telemetry.TimeFunc(telemetry.RefreshDuration, func() {
		tokens, refreshErr = calendar.GuardRefresh(in.Provider, func() (*calendar.Tokens, error) {
			return provider.Refresh(rctx, creds)
		})
	})
	if refreshErr != nil {
		kind := calendar.KindOf(refreshErr)
		if telemetry.TokenRefreshesFailed != nil {
			telemetry.TokenRefreshesFailed.WithLabelValues(in.Provider, kind.String()).Inc()
		}
		slog.Warn("token refresh failed",
			slog.String("provider", in.Provider),
			slog.Int64("integration", in.ID),
			slog.String("kind", kind.String()))
		// Persistent failures flag the integration unhealthy; transient ones
		// leave sync_error untouched so a later attempt can recover silently.
		if kind == calendar.KindAuthentication && in.ID > 0 && l.DB != nil {
			if serr := db.SetSyncError(ctx, l.DB, in.ID, kind.String()); serr != nil {
				slog.Error("failed to record sync error", slog.Int64("integration", in.ID), slog.Any("err", serr))
			}
		}
		return nil, refreshErr
	}

	refreshToken := tokens.RefreshToken
	if refreshToken == "" {
		refreshToken = in.RefreshToken
	}

	if in.ID <= 0 || l.DB == nil {
		out := *in
		out.AccessToken = tokens.AccessToken
		out.RefreshToken = refreshToken
		expiry := tokens.Expiry
		out.TokenExpiresAt = &expiry
		out.SyncError = nil
		return &out, nil
	}

	updated, err := db.SaveRefreshedTokens(ctx, l.DB, in.ID, tokens.AccessToken, refreshToken, tokens.Expiry)
	if err != nil {
		slog.Error("token persist failed", slog.String("provider", in.Provider), slog.Int64("integration", in.ID), slog.Any("err", err))
		return nil, err
	}
	if telemetry.TokenRefreshesSucceeded != nil {
		telemetry.TokenRefreshesSucceeded.WithLabelValues(in.Provider).Inc()
	}
	slog.Info("token refreshed", slog.String("provider", in.Provider), slog.Int64("integration", in.ID))
	return updated, nil
}
