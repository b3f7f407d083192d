package upstream

import (
	"fmt"
	"io"
)

// Kind tags the result of one transport call. Exactly one kind is set per
// call; every failure path is a data value the scheduler switches on, never
// a caught exception.
type Kind int

const (
	// KindSuccess is a 2xx response, buffered or live.
	KindSuccess Kind = iota
	// KindRateLimited is an HTTP 429. Retried under the backoff ladder.
	KindRateLimited
	// KindTransient is a timeout or connection-level failure. Shares the
	// rate-limit ladder, distinguished only by log wording and a user
	// notification.
	KindTransient
	// KindFatal is a non-429 status >= 400. Indicates a request-shape
	// problem rather than transient load; never retried.
	KindFatal
	// KindFault is an uncategorized transport failure. Never retried.
	KindFault
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindFault:
		return "fault"
	}
	return "unknown"
}

// Outcome is the normalized result of one transport call.
//
// A Live handle is present only on a streaming success and must be closed
// exactly once by whoever consumes it last; the transport closes the bodies
// of all other outcomes before returning.
type Outcome struct {
	Kind   Kind
	Status int

	// Body is the parsed response body for buffered calls. When the body is
	// not valid JSON it is wrapped as {"text": raw}.
	Body map[string]any

	// Live is the open, not-yet-read response body of a streaming success.
	Live io.ReadCloser

	// Err describes the failure for every non-success kind.
	Err error
}

// StatusError is the error carried by rate-limited and fatal outcomes.
type StatusError struct {
	Status  int
	Message string
	Body    map[string]any
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: HTTP %d: %s", e.Status, e.Message)
}

// Transient failure reasons.
const (
	ReasonTimeout    = "timeout"
	ReasonConnection = "connection"
)

// TransientError is the error carried by transient outcomes.
type TransientError struct {
	Reason string // ReasonTimeout or ReasonConnection
	Err    error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("upstream: %s: %v", e.Reason, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }
