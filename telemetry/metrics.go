// Package telemetry provides Prometheus metrics and OpenTelemetry tracing
// setup for the scheduling and credential-lifecycle core.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Scheduling counters
	BookingsAttempted  prometheus.Counter
	BookingsCreated    prometheus.Counter
	BookingsConflicted prometheus.Counter
	BookingsFailed     prometheus.Counter

	// Token lifecycle
	TokenRefreshesSucceeded *prometheus.CounterVec
	TokenRefreshesFailed    *prometheus.CounterVec
	RefreshLockContention   *prometheus.CounterVec
	RefreshDuration         prometheus.Observer

	// Gauges
	ProviderCircuitOpen *prometheus.GaugeVec // 1=open, 0=closed
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		BookingsAttempted = promauto.NewCounter(prometheus.CounterOpts{Name: "scheduling_bookings_attempted_total", Help: "Conflict-checked booking attempts"})
		BookingsCreated = promauto.NewCounter(prometheus.CounterOpts{Name: "scheduling_bookings_created_total", Help: "Bookings persisted"})
		BookingsConflicted = promauto.NewCounter(prometheus.CounterOpts{Name: "scheduling_bookings_conflicted_total", Help: "Bookings rejected with a time conflict"})
		BookingsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "scheduling_bookings_failed_total", Help: "Bookings failed with a non-conflict error"})
		TokenRefreshesSucceeded = promauto.NewCounterVec(prometheus.CounterOpts{Name: "oauth_token_refreshes_succeeded_total", Help: "Successful provider token refreshes"}, []string{"provider"})
		TokenRefreshesFailed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "oauth_token_refreshes_failed_total", Help: "Failed provider token refreshes"}, []string{"provider", "kind"})
		RefreshLockContention = promauto.NewCounterVec(prometheus.CounterOpts{Name: "oauth_refresh_lock_contention_total", Help: "Refresh attempts rejected because the per-integration lock was held"}, []string{"provider"})
		RefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "oauth_token_refresh_duration_seconds", Help: "Provider token refresh duration seconds", Buckets: prometheus.DefBuckets})
		ProviderCircuitOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "calendar_provider_circuit_open", Help: "Provider circuit breaker open=1 closed=0"}, []string{"provider"})
	})
}

// UpdateCircuitGauge sets the per-provider breaker gauge.
func UpdateCircuitGauge(provider string, open bool) {
	if ProviderCircuitOpen == nil {
		return
	}
	v := 0.0
	if open {
		v = 1.0
	}
	ProviderCircuitOpen.WithLabelValues(provider).Set(v)
}

// TimeFunc measures the duration of fn and records it in obs if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with a corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
