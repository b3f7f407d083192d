// Package upstream performs single HTTP calls against the chat-completion
// API and normalizes each result into a tagged Outcome. It carries no retry
// logic of its own; the scheduler decides what to do with each outcome.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"
)

// maxBufferedBody caps buffered response reads.
const maxBufferedBody = 10 << 20

// Envelope is the immutable per-invocation request description.
type Envelope struct {
	URL     string
	Headers map[string]string
	Payload any // JSON-serializable body
	Stream  bool
}

// Caller performs one call and classifies its result.
type Caller interface {
	Call(ctx context.Context, env Envelope) Outcome
}

// CallerFunc adapts a function to the Caller interface.
type CallerFunc func(ctx context.Context, env Envelope) Outcome

// Call invokes f.
func (f CallerFunc) Call(ctx context.Context, env Envelope) Outcome { return f(ctx, env) }

// HTTPCaller is the production Caller. It keeps separate clients for
// buffered and streaming calls: buffered calls carry a whole-call timeout,
// streaming calls bound only the connect and header phases so a long-lived
// body read is not cut off.
//
// Connection reuse across attempts is deliberately disabled so a failed
// attempt cannot leak socket-level state into the next one.
type HTTPCaller struct {
	buffered  *http.Client
	streaming *http.Client
	limiter   *rate.Limiter
}

// NewHTTPCaller builds an HTTPCaller with the given per-call timeout.
// A nil limiter disables client-side pacing.
func NewHTTPCaller(timeout time.Duration, limiter *rate.Limiter) *HTTPCaller {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPCaller{
		buffered: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{DisableKeepAlives: true},
		},
		streaming: &http.Client{
			Transport: &http.Transport{
				DisableKeepAlives:     true,
				ResponseHeaderTimeout: timeout,
			},
		},
		limiter: limiter,
	}
}

// Call performs one POST and returns its classified outcome. Every outcome
// except a streaming success has its body fully consumed and closed before
// Call returns.
func (c *HTTPCaller) Call(ctx context.Context, env Envelope) Outcome {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Outcome{Kind: KindFault, Err: err}
		}
	}

	body, err := json.Marshal(env.Payload)
	if err != nil {
		return Outcome{Kind: KindFault, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, env.URL, bytes.NewReader(body))
	if err != nil {
		return Outcome{Kind: KindFault, Err: err}
	}
	for k, v := range env.Headers {
		req.Header.Set(k, v)
	}

	client := c.buffered
	if env.Stream {
		client = c.streaming
	}

	resp, err := client.Do(req)
	if err != nil {
		return classifyCallError(ctx, err)
	}

	return classifyResponse(resp, env.Stream)
}

// classifyResponse turns an HTTP response into an Outcome, closing the body
// on every path except a streaming success.
func classifyResponse(resp *http.Response, stream bool) Outcome {
	status := resp.StatusCode

	switch {
	case status == http.StatusTooManyRequests:
		parsed := drainBody(resp.Body)
		return Outcome{
			Kind:   KindRateLimited,
			Status: status,
			Err:    &StatusError{Status: status, Message: errorMessage(parsed, "rate limited"), Body: parsed},
		}

	case status >= 400:
		parsed := drainBody(resp.Body)
		return Outcome{
			Kind:   KindFatal,
			Status: status,
			Body:   parsed,
			Err:    &StatusError{Status: status, Message: errorMessage(parsed, http.StatusText(status)), Body: parsed},
		}

	case stream:
		// Ownership of the open body transfers to the caller.
		return Outcome{Kind: KindSuccess, Status: status, Live: resp.Body}

	default:
		return Outcome{Kind: KindSuccess, Status: status, Body: drainBody(resp.Body)}
	}
}

// classifyCallError splits network-level errors into transient (retryable
// under the ladder) and fault (terminal). Cancellation is a fault so the
// scheduler stops immediately.
func classifyCallError(ctx context.Context, err error) Outcome {
	if ctx.Err() != nil {
		return Outcome{Kind: KindFault, Err: ctx.Err()}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Outcome{Kind: KindTransient, Err: &TransientError{Reason: ReasonTimeout, Err: err}}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return Outcome{Kind: KindTransient, Err: &TransientError{Reason: ReasonConnection, Err: err}}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Outcome{Kind: KindTransient, Err: &TransientError{Reason: ReasonConnection, Err: err}}
	}

	return Outcome{Kind: KindFault, Err: err}
}

// drainBody reads and closes a response body, parsing it as JSON when
// possible and falling back to {"text": raw} otherwise.
func drainBody(body io.ReadCloser) map[string]any {
	defer body.Close()

	raw, err := io.ReadAll(io.LimitReader(body, maxBufferedBody))
	if err != nil {
		return map[string]any{"text": ""}
	}

	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return map[string]any{"text": string(raw)}
	}
	return parsed
}

// errorMessage extracts a human-readable message from a parsed error body.
func errorMessage(body map[string]any, fallback string) string {
	if errObj, ok := body["error"].(map[string]any); ok {
		if msg, ok := errObj["message"].(string); ok && msg != "" {
			return msg
		}
	}
	if text, ok := body["text"].(string); ok {
		if trimmed := strings.TrimSpace(text); trimmed != "" {
			return trimmed
		}
	}
	return fallback
}
