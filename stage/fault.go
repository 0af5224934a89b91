// Package stage wraps single pipeline stage attempts with timeout,
// retry-with-backoff, and cooperative cancellation.
//
// Retryability is carried as data on the error value rather than as a type
// hierarchy, so the retry policy stays a pure function of (kind, attempt).
package stage

import (
	"errors"
	"fmt"
)

// Kind classifies a stage failure for retry-policy decisions and for the
// user-facing message.
type Kind string

const (
	KindAuth        Kind = "auth"        // bad credentials, fatal
	KindQuota       Kind = "quota"       // rate/quota exceeded, extended backoff
	KindTransient   Kind = "transient"   // network fault, standard backoff
	KindUnavailable Kind = "unavailable" // backend not ready, standard backoff
	KindConfig      Kind = "config"      // caller mistake, fatal
	KindBadRequest  Kind = "bad_request" // malformed input rejected by a backend, fatal
	KindExtraction  Kind = "extraction"  // video insufficient for sampling, fatal
	KindTimeout     Kind = "timeout"     // per-attempt deadline exceeded
	KindCancelled   Kind = "cancelled"   // clean terminal state, not an error
	KindInternal    Kind = "internal"    // bug or unclassified failure, fatal
)

// Fault is the typed error every stage returns across the runner boundary.
// The orchestrator never inspects transport-level errors, only Faults.
type Fault struct {
	Kind    Kind
	Message string
	Err     error // wrapped cause, may be nil
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error { return f.Err }

// Retryable reports whether the runner may attempt the stage again.
func (f *Fault) Retryable() bool {
	switch f.Kind {
	case KindQuota, KindTransient, KindUnavailable, KindTimeout:
		return true
	}
	return false
}

// Errf builds a Fault from a format string.
func Errf(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a Fault around an underlying cause.
func Wrap(kind Kind, err error, message string) *Fault {
	return &Fault{Kind: kind, Message: message, Err: err}
}

// AsFault extracts a *Fault from an error chain. Errors that never got
// classified come back as KindInternal so the policy stays total.
func AsFault(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return &Fault{Kind: KindInternal, Message: err.Error(), Err: err}
}

// KindOf returns the classification of err, or "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return AsFault(err).Kind
}

// IsCancelled reports whether err marks a cooperative cancellation.
func IsCancelled(err error) bool { return KindOf(err) == KindCancelled }
