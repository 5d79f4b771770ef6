package calendar

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerStateFunc is invoked on breaker state transitions so telemetry can
// expose an open/closed gauge without this package importing prometheus.
type BreakerStateFunc func(provider string, open bool)

var (
	breakerMu     sync.Mutex
	breakers      = make(map[string]*gobreaker.CircuitBreaker)
	breakerNotify BreakerStateFunc
)

// SetBreakerStateFunc installs the state-change callback. Call before any
// provider traffic; later registration misses earlier transitions.
func SetBreakerStateFunc(fn BreakerStateFunc) {
	breakerMu.Lock()
	defer breakerMu.Unlock()
	breakerNotify = fn
}

// breakerFor returns the per-provider circuit breaker, creating it on first use.
// The breaker trips after 5 consecutive failures and probes again after 30s.
func breakerFor(provider string) *gobreaker.CircuitBreaker {
	breakerMu.Lock()
	defer breakerMu.Unlock()
	if cb, ok := breakers[provider]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    provider,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Info("provider circuit state change",
				slog.String("provider", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			breakerMu.Lock()
			fn := breakerNotify
			breakerMu.Unlock()
			if fn != nil {
				fn(name, to == gobreaker.StateOpen)
			}
		},
	})
	breakers[provider] = cb
	return cb
}

// GuardRefresh runs a provider refresh through the provider's circuit breaker.
// A rejected call (breaker open or half-open limit hit) surfaces as a
// transient network-class error so the caller's retry policy applies.
func GuardRefresh(provider string, fn func() (*Tokens, error)) (*Tokens, error) {
	res, err := breakerFor(provider).Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, WrapErr(provider, KindNetwork, err, "provider temporarily unavailable")
		}
		return nil, err
	}
	tokens, _ := res.(*Tokens)
	return tokens, nil
}
