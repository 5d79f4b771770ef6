package calendar

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies a provider failure so callers can make policy decisions:
// authentication failures are persistent (stop auto-retry, flag the
// integration), network/timeout failures are transient (safe to retry later).
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthentication
	KindNetwork
	KindTimeout
	KindNotFound
	KindInvalidPayload
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication_error"
	case KindNetwork:
		return "network_error"
	case KindTimeout:
		return "timeout"
	case KindNotFound:
		return "not_found"
	case KindInvalidPayload:
		return "invalid_payload"
	case KindUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Error is the tagged error returned by all provider operations.
type Error struct {
	Kind     Kind
	Provider string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Provider, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Errf builds a tagged provider error.
func Errf(provider string, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Provider: provider, Message: fmt.Sprintf(format, args...)}
}

// WrapErr tags an underlying error, classifying it when kind is KindUnknown.
func WrapErr(provider string, kind Kind, err error, message string) *Error {
	if kind == KindUnknown {
		kind = Classify(err)
	}
	return &Error{Kind: kind, Provider: provider, Message: message, Err: err}
}

// KindOf extracts the Kind from an error chain, KindUnknown if untagged.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// IsTransient reports whether an error is safe to retry later
// (network/timeout class, or unknown treated conservatively as transient).
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindAuthentication, KindNotFound, KindInvalidPayload, KindUnsupported:
		return false
	default:
		return true
	}
}

// Classify maps an untagged error onto the taxonomy by inspecting stdlib
// error types first, then well-known substrings from provider responses.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "invalid_grant"),
		strings.Contains(lower, "invalid_client"),
		strings.Contains(lower, "401"),
		strings.Contains(lower, "403"),
		strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "access denied"):
		return KindAuthentication
	case strings.Contains(lower, "404"), strings.Contains(lower, "not found"):
		return KindNotFound
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "no such host"),
		strings.Contains(lower, "eof"),
		strings.Contains(lower, "broken pipe"),
		strings.Contains(lower, "502"),
		strings.Contains(lower, "503"),
		strings.Contains(lower, "504"):
		return KindNetwork
	}
	return KindUnknown
}
