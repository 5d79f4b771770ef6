package locks

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWithLockMutualExclusion(t *testing.T) {
	m := NewManager()

	inside := make(chan struct{})
	proceed := make(chan struct{})
	firstErr := make(chan error, 1)

	go func() {
		firstErr <- m.WithLock("google", 42, func() error {
			close(inside)
			<-proceed
			return nil
		})
	}()

	<-inside
	// Second claim on the same key must fail fast while the first holds it.
	err := m.WithLock("google", 42, func() error { return nil })
	if !errors.Is(err, ErrRefreshInProgress) {
		t.Errorf("concurrent claim: got %v, want ErrRefreshInProgress", err)
	}

	close(proceed)
	if err := <-firstErr; err != nil {
		t.Errorf("first holder: %v", err)
	}

	// After release the key is claimable again.
	if err := m.WithLock("google", 42, func() error { return nil }); err != nil {
		t.Errorf("claim after release: %v", err)
	}
}

func TestWithLockDistinctKeysDoNotContend(t *testing.T) {
	m := NewManager()
	inside := make(chan struct{})
	proceed := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = m.WithLock("google", 1, func() error {
			close(inside)
			<-proceed
			return nil
		})
	}()
	<-inside

	// Different id and different provider are independent keys.
	if err := m.WithLock("google", 2, func() error { return nil }); err != nil {
		t.Errorf("different id contended: %v", err)
	}
	if err := m.WithLock("outlook", 1, func() error { return nil }); err != nil {
		t.Errorf("different provider contended: %v", err)
	}
	close(proceed)
	<-done
}

func TestWithLockReleasesOnError(t *testing.T) {
	m := NewManager()
	wantErr := errors.New("refresh failed")
	if err := m.WithLock("google", 7, func() error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want wrapped fn error", err)
	}
	if m.Held("google", 7) {
		t.Error("key still held after fn error")
	}
}

func TestWithLockReleasesOnPanic(t *testing.T) {
	m := NewManager()
	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
		}()
		_ = m.WithLock("google", 9, func() error { panic("boom") })
	}()
	if m.Held("google", 9) {
		t.Error("key still held after holder panic")
	}
	if err := m.WithLock("google", 9, func() error { return nil }); err != nil {
		t.Errorf("claim after panic release: %v", err)
	}
}

func TestConcurrentClaimsExactlyOneWinner(t *testing.T) {
	m := NewManager()
	const n = 16
	var wins, busies atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := m.WithLock("google", 42, func() error {
				time.Sleep(20 * time.Millisecond)
				return nil
			})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrRefreshInProgress):
				busies.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	if wins.Load() < 1 {
		t.Error("no goroutine won the lock")
	}
	if wins.Load()+busies.Load() != n {
		t.Errorf("accounting mismatch: %d wins + %d busy != %d", wins.Load(), busies.Load(), n)
	}
}

func TestOnContentionCallback(t *testing.T) {
	m := NewManager()
	var contended atomic.Int32
	m.OnContention(func(provider string) {
		if provider != "google" {
			t.Errorf("contention provider: got %s", provider)
		}
		contended.Add(1)
	})

	release, err := m.TryAcquire("google", 1)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if _, err := m.TryAcquire("google", 1); !errors.Is(err, ErrRefreshInProgress) {
		t.Fatalf("second acquire: got %v", err)
	}
	release()
	// Double release is a no-op.
	release()
	if contended.Load() != 1 {
		t.Errorf("contention count: got %d, want 1", contended.Load())
	}
	if m.Held("google", 1) {
		t.Error("key held after release")
	}
}
