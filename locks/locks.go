// Package locks provides a process-local mutex table keyed by
// {provider, integration id}, used to serialize token refreshes so only one
// request per node hits a provider's token endpoint for a given integration.
// It is a same-node optimization: cross-node duplicate refreshes are tolerated
// by the token persistence path, with the provider endpoint as final arbiter.
package locks

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRefreshInProgress is returned when the key is already claimed. Callers
// treat it as "someone else is refreshing, try again shortly" and never queue.
var ErrRefreshInProgress = errors.New("refresh_in_progress")

type key struct {
	provider string
	id       int64
}

type holder struct {
	acquiredAt time.Time
}

// Manager is a non-blocking in-memory lock table. The zero value is not
// usable; construct with NewManager.
type Manager struct {
	mu           sync.Mutex
	held         map[key]holder
	onContention func(provider string)
}

func NewManager() *Manager {
	return &Manager{held: make(map[key]holder)}
}

// OnContention installs a callback invoked whenever a claim fails, so
// telemetry can count lock contention without this package importing it.
func (m *Manager) OnContention(fn func(provider string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onContention = fn
}

// TryAcquire atomically claims {provider, id}. On success it returns a release
// function; on contention it returns ErrRefreshInProgress immediately.
func (m *Manager) TryAcquire(provider string, id int64) (release func(), err error) {
	k := key{provider: provider, id: id}
	m.mu.Lock()
	if _, busy := m.held[k]; busy {
		fn := m.onContention
		m.mu.Unlock()
		if fn != nil {
			fn(provider)
		}
		return nil, ErrRefreshInProgress
	}
	m.held[k] = holder{acquiredAt: time.Now()}
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, k)
			m.mu.Unlock()
		})
	}, nil
}

// WithLock claims the key, runs fn, and releases. The release runs in a defer
// so a panicking holder still frees the key on unwind; a crashed refresh can
// never leave an integration permanently stuck.
func (m *Manager) WithLock(provider string, id int64, fn func() error) error {
	release, err := m.TryAcquire(provider, id)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Held reports whether the key is currently claimed, for status surfaces.
func (m *Manager) Held(provider string, id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, busy := m.held[key{provider: provider, id: id}]
	return busy
}

// HeldKeys returns a human-readable list of claimed keys, for diagnostics.
func (m *Manager) HeldKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.held))
	for k, h := range m.held {
		out = append(out, fmt.Sprintf("%s/%d held for %s", k.provider, k.id, time.Since(h.acquiredAt).Truncate(time.Millisecond)))
	}
	return out
}
