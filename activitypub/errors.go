package activitypub

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrGone is returned when a remote resource responds with HTTP 410 Gone.
	// This typically means the actor or object has been deleted.
	ErrGone = errors.New("resource gone (410)")

	// ErrAbsent marks a referenced object that answered 401; the enclosing
	// activity continues without it.
	ErrAbsent = errors.New("referenced object not accessible")

	// ErrTransient marks failures the orchestrator should retry: 429,
	// timeouts, and store throughput pushback.
	ErrTransient = errors.New("transient failure")

	// ErrUnsupported marks activity or object types this server does not
	// translate or dispatch.
	ErrUnsupported = errors.New("unsupported")

	// ErrUnauthorized covers every signature and signer-mismatch failure on
	// the inbound path. The envelope is quarantined before it is returned.
	ErrUnauthorized = errors.New("unauthorized")
)

// SignatureFailure names the reason a signature was rejected.
type SignatureFailure int

const (
	BadFormat SignatureFailure = iota
	ClockSkew
	DigestMismatch
	NotAuthentic
	BadKey
)

func (k SignatureFailure) String() string {
	switch k {
	case BadFormat:
		return "bad format"
	case ClockSkew:
		return "clock skew"
	case DigestMismatch:
		return "digest mismatch"
	case NotAuthentic:
		return "not authentic"
	case BadKey:
		return "bad key"
	}
	return "unknown"
}

// SignatureError is returned by signature parsing and verification.
type SignatureError struct {
	Kind   SignatureFailure
	Reason string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("signature %s: %s", e.Kind, e.Reason)
}

func sigError(kind SignatureFailure, format string, args ...any) *SignatureError {
	return &SignatureError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// StatusError is a non-transient remote HTTP failure.
type StatusError struct {
	Status int
	URL    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote returned HTTP %d for %s", e.Status, e.URL)
}

// isTimeout reports whether err is a deadline or network timeout; both are
// retried by the caller's orchestrator.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
