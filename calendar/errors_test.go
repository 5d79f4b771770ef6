package calendar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOfTaggedChain(t *testing.T) {
	base := Errf("google", KindAuthentication, "invalid_grant")
	wrapped := fmt.Errorf("refreshing token: %w", base)
	if KindOf(wrapped) != KindAuthentication {
		t.Errorf("got %v, want authentication", KindOf(wrapped))
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Errorf("untagged error must be unknown")
	}
}

func TestWrapErrClassifiesWhenUnknown(t *testing.T) {
	err := WrapErr("outlook", KindUnknown, context.DeadlineExceeded, "graph call")
	if err.Kind != KindTimeout {
		t.Errorf("got %v, want timeout", err.Kind)
	}
	// An explicit kind wins over classification.
	err = WrapErr("outlook", KindAuthentication, context.DeadlineExceeded, "graph call")
	if err.Kind != KindAuthentication {
		t.Errorf("explicit kind overridden: %v", err.Kind)
	}
}

func TestClassifySubstrings(t *testing.T) {
	cases := []struct {
		msg  string
		want Kind
	}{
		{"oauth2: \"invalid_grant\" token expired", KindAuthentication},
		{"server responded 401 Unauthorized", KindAuthentication},
		{"calendar not found", KindNotFound},
		{"dial tcp: connection refused", KindNetwork},
		{"read: connection reset by peer", KindNetwork},
		{"request timeout exceeded", KindTimeout},
		{"something else entirely", KindUnknown},
	}
	for _, tc := range cases {
		if got := Classify(errors.New(tc.msg)); got != tc.want {
			t.Errorf("Classify(%q): got %v, want %v", tc.msg, got, tc.want)
		}
	}
}

func TestIsTransientPolicy(t *testing.T) {
	transient := []Kind{KindNetwork, KindTimeout, KindUnknown}
	for _, k := range transient {
		if !IsTransient(Errf("p", k, "x")) {
			t.Errorf("%v should be transient", k)
		}
	}
	persistent := []Kind{KindAuthentication, KindNotFound, KindInvalidPayload, KindUnsupported}
	for _, k := range persistent {
		if IsTransient(Errf("p", k, "x")) {
			t.Errorf("%v should not be transient", k)
		}
	}
}

func TestErrorStringIncludesProviderAndKind(t *testing.T) {
	err := WrapErr("caldav", KindNetwork, errors.New("connection refused"), "propfind failed")
	msg := err.Error()
	for _, want := range []string{"caldav", "network_error", "propfind failed"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error string missing %q: %s", want, msg)
		}
	}
}
