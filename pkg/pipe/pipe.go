// Package pipe is the top-level entry point: it resolves credentials,
// normalizes the request, drives the retry scheduler, and routes the result
// to either a buffered body or an artifact-filtered live stream.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/time/rate"

	"github.com/tamarindmonkey/orpipe/pkg/config"
	"github.com/tamarindmonkey/orpipe/pkg/events"
	"github.com/tamarindmonkey/orpipe/pkg/models"
	"github.com/tamarindmonkey/orpipe/pkg/retry"
	"github.com/tamarindmonkey/orpipe/pkg/session"
	"github.com/tamarindmonkey/orpipe/pkg/stream"
	"github.com/tamarindmonkey/orpipe/pkg/upstream"
)

// ErrNoAPIKey means neither a per-user nor a global credential is configured.
var ErrNoAPIKey = errors.New("pipe: no API key configured")

// User describes the requesting user and their optional credential override.
type User struct {
	ID     string
	Valves config.UserValves
}

// Result is the terminal success of one handled request: exactly one of
// Body (buffered) or Stream (live) is set.
type Result struct {
	Body   map[string]any
	Stream *stream.Filter
	Record retry.Record
}

// Pipe is the façade. Safe for concurrent use; each request owns its own
// session state inside the scheduler.
type Pipe struct {
	valves   config.Valves
	caller   upstream.Caller
	clock    quartz.Clock
	recorder *session.Recorder
	catalog  *models.Catalog
}

// Option configures a Pipe.
type Option func(*Pipe)

// WithCaller substitutes the transport. Used by tests and by hosts that
// need custom TLS or proxy behavior.
func WithCaller(c upstream.Caller) Option { return func(p *Pipe) { p.caller = c } }

// WithClock substitutes the scheduler clock.
func WithClock(c quartz.Clock) Option { return func(p *Pipe) { p.clock = c } }

// WithRecorder enables history recording.
func WithRecorder(r *session.Recorder) Option { return func(p *Pipe) { p.recorder = r } }

// New builds a Pipe from the valves.
func New(v config.Valves, opts ...Option) *Pipe {
	var limiter *rate.Limiter
	if v.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(v.RequestsPerSecond), 1)
	}

	p := &Pipe{
		valves: v,
		caller: upstream.NewHTTPCaller(v.RequestTimeout.Std(), limiter),
		catalog: &models.Catalog{
			BaseURL:    v.BaseURL,
			APIKey:     v.APIKey,
			NamePrefix: v.NamePrefix,
			FreeSuffix: v.FreeSuffix,
			Include:    v.ModelInclude,
			Exclude:    v.ModelExclude,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Models lists the filtered free-model catalog.
func (p *Pipe) Models(ctx context.Context) []models.Entry {
	return p.catalog.List(ctx)
}

// Handle processes one chat request. body must contain at least "model";
// arbitrary other fields pass through to upstream verbatim. user and sink
// may be nil.
func (p *Pipe) Handle(ctx context.Context, body map[string]any, user *User, sink events.Sink) (*Result, error) {
	key := p.valves.APIKey
	if user != nil && user.Valves.APIKey != "" {
		key = user.Valves.APIKey
	}
	if key == "" {
		p.fail(ctx, sink, "Not authorized", "No API key configured for this pipe.")
		return nil, ErrNoAPIKey
	}

	model, _ := body["model"].(string)
	model = stripRoutingPrefix(model)

	streaming, _ := body["stream"].(bool)
	if streaming && p.valves.ForceBuffered {
		// Streaming structurally unsupported in this deployment.
		events.Emit(ctx, sink, events.NewNotification(events.TypeInfo,
			"Streaming unavailable", "Falling back to a buffered response.", 5))
		streaming = false
	}

	payload := make(map[string]any, len(body))
	for k, v := range body {
		payload[k] = v
	}
	payload["model"] = model
	payload["stream"] = streaming

	env := upstream.Envelope{
		URL: p.valves.BaseURL + "/chat/completions",
		Headers: map[string]string{
			"Authorization": "Bearer " + key,
			"Content-Type":  "application/json",
			"HTTP-Referer":  "https://openwebui.com",
			"X-Title":       "Open WebUI",
		},
		Payload: payload,
		Stream:  streaming,
	}

	scheduler := &retry.Scheduler{
		Schedule: p.valves.Schedule(),
		Caller:   p.caller,
		Clock:    p.clock,
		Notify:   p.valves.Notifications,
	}

	out, rec := scheduler.Run(ctx, env, sink)
	p.recordHistory(model, rec)

	switch out.Kind {
	case upstream.KindSuccess:
		return p.succeed(ctx, sink, out, rec), nil

	case upstream.KindFatal, upstream.KindFault:
		p.fail(ctx, sink, "Request failed", errText(out.Err))
		return nil, out.Err

	default:
		// Rate-limited or transient as the last outcome: either the budget
		// ran out (the scheduler already emitted the terminal events) or the
		// request was cancelled mid-ladder.
		if rec.Exhausted {
			return nil, &retry.ErrExhausted{Record: rec}
		}
		if ctx.Err() != nil {
			p.fail(ctx, sink, "Request cancelled", ctx.Err().Error())
			return nil, ctx.Err()
		}
		p.fail(ctx, sink, "Request failed", errText(out.Err))
		return nil, out.Err
	}
}

// succeed emits the terminal success events and shapes the result.
func (p *Pipe) succeed(ctx context.Context, sink events.Sink, out upstream.Outcome, rec retry.Record) *Result {
	if rec.Attempts > 1 {
		events.Emit(ctx, sink, events.NewStatus(
			fmt.Sprintf("Completed after %d attempts in %s", rec.Attempts, rec.Elapsed.Round(time.Second)), true, false))
		if p.valves.Notifications {
			events.Emit(ctx, sink, events.NewNotification(events.TypeSuccess,
				"Recovered",
				fmt.Sprintf("Request succeeded after %d attempts (%s).", rec.Attempts, rec.Elapsed.Round(time.Second)), 10))
		}
	} else {
		events.Emit(ctx, sink, events.NewStatus("Completed", true, false))
	}

	if out.Live != nil {
		var opts []stream.Option
		if summary := FormatSummary(rec); summary != "" {
			opts = append(opts, stream.WithPreamble(summary+"\n\n"))
		}
		return &Result{Stream: stream.NewFilter(ctx, out.Live, opts...), Record: rec}
	}

	resp := out.Body
	if summary := FormatSummary(rec); summary != "" {
		resp = prefixContent(resp, summary+"\n\n")
	}
	return &Result{Body: resp, Record: rec}
}

// fail emits the single terminal error notification and done status.
func (p *Pipe) fail(ctx context.Context, sink events.Sink, title, msg string) {
	events.Emit(ctx, sink, events.NewStatus(msg, true, false))
	if p.valves.Notifications {
		events.Emit(ctx, sink, events.NewNotification(events.TypeError, title, msg, 0))
	}
}

func (p *Pipe) recordHistory(model string, rec retry.Record) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.Record(model, rec); err != nil {
		log.Printf("pipe: history record: %v", err)
	}
}

// stripRoutingPrefix removes the host-injected routing prefix: everything
// up to and including the first "." separator.
func stripRoutingPrefix(model string) string {
	if i := strings.Index(model, "."); i >= 0 {
		return model[i+1:]
	}
	return model
}

// FormatSummary renders a human-readable retry summary, or "" for
// single-attempt requests.
func FormatSummary(rec retry.Record) string {
	if rec.Attempts <= 1 {
		return ""
	}
	status := "succeeded"
	if !rec.Success {
		status = "failed"
	}
	s := fmt.Sprintf("**Retry summary**: %d attempts, %s (%s)",
		rec.Attempts, status, rec.Elapsed.Round(time.Second))
	if !rec.Success && rec.LastError() != "" {
		s += "\n**Last error**: " + rec.LastError()
	}
	return s
}

// prefixContent prepends text to choices[0].message.content when that path
// exists; otherwise the body is returned unchanged.
func prefixContent(body map[string]any, text string) map[string]any {
	choices, ok := body["choices"].([]any)
	if !ok || len(choices) == 0 {
		return body
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return body
	}
	message, ok := choice["message"].(map[string]any)
	if !ok {
		return body
	}
	content, _ := message["content"].(string)
	message["content"] = text + content
	return body
}

func errText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
