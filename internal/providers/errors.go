package providers

import (
	"errors"
	"fmt"
)

// Kind classifies backend failures so callers can pick a recovery
// strategy without string matching.
type Kind string

const (
	// KindRemoteUnknown: the backend no longer knows the session key.
	// The caller should rebuild context and retry against a fresh key.
	KindRemoteUnknown Kind = "remote_unknown"
	// KindRateLimit: the backend refused for pacing reasons.
	KindRateLimit Kind = "rate_limit"
	// KindInvalidRequest: the request itself was malformed; retrying
	// unchanged will not help.
	KindInvalidRequest Kind = "invalid_request"
	// KindTransport: network-level failure, timeout included.
	KindTransport Kind = "transport"
)

// Error is a classified backend failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("backend %s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("backend %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind, or "" for unclassified errors.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

// IsRemoteUnknown reports whether the backend lost the session.
func IsRemoteUnknown(err error) bool {
	return KindOf(err) == KindRemoteUnknown
}
