// Package faults defines the error taxonomy shared by the consensus engine,
// the ingestion pipeline, the job orchestrator and the API layer. Every
// error that crosses a package boundary is tagged with a Kind so callers can
// decide between retry, skip and abort without string matching.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a fault.
type Kind int

const (
	// KindUnknown is the zero value for untagged errors.
	KindUnknown Kind = iota

	// KindRedFlag marks a single pathological sampler output. Swallowed by
	// the voting loop; never escapes a consensus call.
	KindRedFlag

	// KindNoConvergence means a consensus call exhausted its round budget.
	KindNoConvergence

	// KindExtractionFailed means a file's media type is unsupported or its
	// parser failed. Logged and skipped, never retried.
	KindExtractionFailed

	// KindTransientIO covers HTTP 5xx, timeouts and embedder failures.
	// Retried with backoff.
	KindTransientIO

	// KindPermanentIO covers HTTP 4xx (except 429), auth and not-found.
	// Surfaced without retry.
	KindPermanentIO

	// KindQuotaExceeded covers the local token bucket and upstream 429s.
	KindQuotaExceeded

	// KindCancelled means cancellation was observed. Clean shutdown.
	KindCancelled

	// KindInvariant marks an internal contract breach. Fatal, not retried.
	KindInvariant
)

// String returns the kind's tag as it appears in logs.
func (k Kind) String() string {
	switch k {
	case KindRedFlag:
		return "red_flag"
	case KindNoConvergence:
		return "no_convergence"
	case KindExtractionFailed:
		return "extraction_failed"
	case KindTransientIO:
		return "transient_io"
	case KindPermanentIO:
		return "permanent_io"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindCancelled:
		return "cancelled"
	case KindInvariant:
		return "invariant"
	}
	return "unknown"
}

// Fault tags an error with a Kind and the operation that raised it.
type Fault struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	switch {
	case f.Op != "" && f.Err != nil:
		return fmt.Sprintf("%s: %s: %v", f.Op, f.Kind, f.Err)
	case f.Op != "":
		return fmt.Sprintf("%s: %s", f.Op, f.Kind)
	case f.Err != nil:
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	}
	return f.Kind.String()
}

// Unwrap exposes the cause for errors.Is/As chains.
func (f *Fault) Unwrap() error { return f.Err }

// New returns a fault with a literal message as its cause.
func New(kind Kind, op, msg string) error {
	return &Fault{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Errorf formats the cause like fmt.Errorf, honoring %w.
func Errorf(kind Kind, op, format string, args ...interface{}) error {
	return &Fault{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap tags an existing error. Returns nil when err is nil. Context errors
// keep their cancellation semantics regardless of the requested kind.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		kind = KindCancelled
	}
	return &Fault{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the outermost fault kind from an error chain. Untagged
// context and net errors are classified by their stdlib identity.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientIO
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransientIO
	}
	return KindUnknown
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the error is worth another attempt after
// backoff. Only transient I/O and quota exhaustion qualify.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransientIO, KindQuotaExceeded:
		return true
	}
	return false
}

// HTTPStatus maps a fault to the response code the API layer should emit.
// Handlers that know better (missing job, bad request body) answer directly.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindRedFlag, KindNoConvergence:
		return http.StatusBadGateway
	case KindExtractionFailed:
		return http.StatusUnprocessableEntity
	case KindTransientIO:
		return http.StatusServiceUnavailable
	case KindPermanentIO:
		return http.StatusBadRequest
	case KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindCancelled:
		// Client went away. Nginx convention, not an IANA code.
		return 499
	}
	return http.StatusInternalServerError
}

// KindFromHTTPStatus classifies an upstream response code. 2xx maps to
// KindUnknown since there is no fault.
func KindFromHTTPStatus(code int) Kind {
	switch {
	case code >= 200 && code < 300:
		return KindUnknown
	case code == http.StatusTooManyRequests:
		return KindQuotaExceeded
	case code == http.StatusRequestTimeout:
		return KindTransientIO
	case code >= 500:
		return KindTransientIO
	case code >= 400:
		return KindPermanentIO
	}
	return KindUnknown
}
