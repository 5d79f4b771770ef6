package oauth

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/bookwright/bookwright/db"
)

// StartRefresher launches a goroutine that periodically refreshes integrations
// whose tokens expire within the window. Jittered scheduling spreads load
// across instances; per-integration locking in the lifecycle manager keeps a
// node from issuing duplicate refresh calls.
//
// interval: how often to wake up and scan. window: refresh when remaining
// token lifetime <= window.
func StartRefresher(ctx context.Context, lc *Lifecycle, states *StateStore, interval, window time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			// Per-iteration jitter (±20% of interval) for scheduling diversity.
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}

			refreshExpiring(ctx, lc, window)

			if states != nil {
				states.Purge()
			}
			if lc.DB != nil {
				if n, err := db.PurgeExpiredSessions(ctx, lc.DB); err == nil && n > 0 {
					slog.Debug("purged expired sessions", slog.Int64("count", n))
				}
			}
		}
	}()
}

// refreshExpiring performs one scan-and-refresh cycle. Each integration is a
// single refresh attempt; failures are left for the next cycle (transient) or
// flagged via sync_error and skipped (persistent).
func refreshExpiring(ctx context.Context, lc *Lifecycle, window time.Duration) {
	ids, err := db.ListExpiringIntegrations(ctx, lc.DB, window)
	if err != nil {
		slog.Warn("expiring integration scan failed", slog.Any("err", err))
		return
	}
	for _, id := range ids {
		in, err := db.GetIntegration(ctx, lc.DB, id)
		if err != nil {
			slog.Warn("integration load failed", slog.Int64("integration", id), slog.Any("err", err))
			continue
		}
		// Force the expiry check to treat within-window tokens as stale so the
		// lifecycle path (lock, adapter, persist) is shared with request-time
		// callers.
		if in.TokenExpiresAt != nil && in.TokenExpiresAt.After(time.Now()) {
			stale := time.Now().Add(-time.Second)
			in.TokenExpiresAt = &stale
		}
		if _, err := lc.EnsureValidToken(ctx, in); err != nil {
			if errors.Is(err, ErrRefreshInProgress) {
				continue // another caller is already refreshing it
			}
			slog.Warn("background refresh failed", slog.Int64("integration", id), slog.Any("err", err))
		}
	}
}
