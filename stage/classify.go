package stage

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ClassifyStatus maps an HTTP response status to a failure Kind.
//
// 503 is kept distinct from other 5xx: it signals a backend that exists but
// is not ready (cold start), which wants a "backend not ready" message
// rather than a "network fault" one. Both retry under standard backoff.
func ClassifyStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindQuota
	case status == http.StatusServiceUnavailable:
		return KindUnavailable
	case status >= 500:
		return KindTransient
	case status >= 400:
		return KindBadRequest
	}
	return KindInternal
}

// ClassifyNetErr maps a transport-level error from http.Client.Do to a Kind.
// Context cancellation is surfaced as Cancelled, deadlines as Timeout,
// everything else as a transient network fault.
func ClassifyNetErr(err error) Kind {
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case isTimeoutErr(err):
		return KindTimeout
	}
	return KindTransient
}

func isTimeoutErr(err error) bool {
	var t interface{ Timeout() bool }
	if errors.As(err, &t) && t.Timeout() {
		return true
	}
	// net/http wraps client timeouts in plain errors in some paths.
	return strings.Contains(err.Error(), "Client.Timeout exceeded")
}
