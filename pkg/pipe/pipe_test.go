package pipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tamarindmonkey/orpipe/pkg/config"
	"github.com/tamarindmonkey/orpipe/pkg/events"
	"github.com/tamarindmonkey/orpipe/pkg/retry"
	"github.com/tamarindmonkey/orpipe/pkg/upstream"
)

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Emit(_ context.Context, ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) count(typ events.NotificationType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Notification != nil && ev.Notification.Type == typ {
			n++
		}
	}
	return n
}

func (s *recordingSink) lastStatus() *events.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Status != nil {
			return s.events[i].Status
		}
	}
	return nil
}

func fastValves(baseURL string) config.Valves {
	v := config.Default()
	v.BaseURL = baseURL
	v.APIKey = "sk-global"
	v.AttemptsPerBurst = 4
	v.AttemptDelayMin = config.Duration(time.Millisecond)
	v.AttemptDelayMax = config.Duration(2 * time.Millisecond)
	v.BurstsPerCycle = 2
	v.BurstPauseMin = config.Duration(time.Millisecond)
	v.BurstPauseMax = config.Duration(2 * time.Millisecond)
	v.Cycles = 1
	v.CyclePause = config.Duration(time.Millisecond)
	v.RequestTimeout = config.Duration(2 * time.Second)
	return v
}

func TestHandleRetriesThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	var calls int
	var lastBody map[string]any
	var lastHeaders http.Header

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &lastBody)
		lastHeaders = r.Header.Clone()
		mu.Unlock()

		if n <= 3 {
			w.WriteHeader(429)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"hi"}}]}`)
	}))
	defer srv.Close()

	p := New(fastValves(srv.URL))
	sink := &recordingSink{}

	res, err := p.Handle(context.Background(),
		map[string]any{"model": "openrouter_retry.meta-llama/llama-3-8b:free", "stream": false},
		nil, sink)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if res.Record.Attempts != 4 || !res.Record.Success {
		t.Errorf("record = %+v", res.Record)
	}

	// The routing prefix is stripped before forwarding.
	mu.Lock()
	if lastBody["model"] != "meta-llama/llama-3-8b:free" {
		t.Errorf("forwarded model = %v", lastBody["model"])
	}
	if got := lastHeaders.Get("Authorization"); got != "Bearer sk-global" {
		t.Errorf("auth = %q", got)
	}
	if lastHeaders.Get("HTTP-Referer") == "" || lastHeaders.Get("X-Title") == "" {
		t.Error("attribution headers missing")
	}
	mu.Unlock()

	// Retry summary prefixed into the content field.
	content := contentOf(t, res.Body)
	if !strings.HasPrefix(content, "**Retry summary**: 4 attempts, succeeded") {
		t.Errorf("content = %q", content)
	}
	if !strings.HasSuffix(content, "hi") {
		t.Errorf("content = %q", content)
	}

	if sink.count(events.TypeSuccess) != 1 {
		t.Errorf("success notifications = %d, want 1", sink.count(events.TypeSuccess))
	}
	if st := sink.lastStatus(); st == nil || !st.Done {
		t.Errorf("final status = %+v, want done", st)
	}
}

func TestHandleSingleAttemptHasNoSummary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"hi"}}]}`)
	}))
	defer srv.Close()

	p := New(fastValves(srv.URL))
	res, err := p.Handle(context.Background(), map[string]any{"model": "m"}, nil, nil)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := contentOf(t, res.Body); got != "hi" {
		t.Errorf("content = %q", got)
	}
}

func TestHandleFatalError(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(400)
		fmt.Fprint(w, `{"error":{"message":"bad request"}}`)
	}))
	defer srv.Close()

	p := New(fastValves(srv.URL))
	sink := &recordingSink{}

	_, err := p.Handle(context.Background(), map[string]any{"model": "m"}, nil, sink)
	if err == nil {
		t.Fatal("expected error")
	}

	var se *upstream.StatusError
	if !errors.As(err, &se) || se.Status != 400 || se.Message != "bad request" {
		t.Errorf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (fatal is not retried)", calls)
	}
	if sink.count(events.TypeError) != 1 {
		t.Errorf("error notifications = %d, want exactly 1", sink.count(events.TypeError))
	}
	if st := sink.lastStatus(); st == nil || !st.Done {
		t.Errorf("final status = %+v", st)
	}
}

func TestHandleExhaustion(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(429)
	}))
	defer srv.Close()

	v := fastValves(srv.URL)
	v.AttemptsPerBurst = 2
	v.BurstsPerCycle = 2
	v.Cycles = 1

	p := New(v)
	sink := &recordingSink{}

	_, err := p.Handle(context.Background(), map[string]any{"model": "m"}, nil, sink)

	var exhausted *retry.ErrExhausted
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want budget 4", calls)
	}
	if exhausted.Record.Attempts != 4 {
		t.Errorf("record = %+v", exhausted.Record)
	}
	// Exactly one terminal error notification (from the scheduler; the
	// façade must not add a second).
	if sink.count(events.TypeError) != 1 {
		t.Errorf("error notifications = %d, want 1", sink.count(events.TypeError))
	}
}

func TestHandleMissingKey(t *testing.T) {
	v := fastValves("http://unused.invalid")
	v.APIKey = ""

	p := New(v)
	sink := &recordingSink{}

	_, err := p.Handle(context.Background(), map[string]any{"model": "m"}, nil, sink)
	if !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("err = %v, want ErrNoAPIKey", err)
	}
	if sink.count(events.TypeError) != 1 {
		t.Errorf("error notifications = %d", sink.count(events.TypeError))
	}
}

func TestHandleUserKeyOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-user" {
			t.Errorf("auth = %q, want user override", got)
		}
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	p := New(fastValves(srv.URL))
	user := &User{ID: "u1", Valves: config.UserValves{APIKey: "sk-user"}}

	if _, err := p.Handle(context.Background(), map[string]any{"model": "m"}, user, nil); err != nil {
		t.Fatalf("Handle: %v", err)
	}
}

func TestHandleStreaming(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(429)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"x\":1}\n\n: OPENROUTER PROCESSING\n\ndata: {\"x\":2}\n\n")
	}))
	defer srv.Close()

	p := New(fastValves(srv.URL))

	res, err := p.Handle(context.Background(), map[string]any{"model": "m", "stream": true}, nil, nil)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Stream == nil {
		t.Fatal("expected a stream result")
	}
	defer res.Stream.Close()

	var chunks []string
	for {
		chunk, rerr := res.Stream.Next()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			t.Fatalf("Next: %v", rerr)
		}
		chunks = append(chunks, string(chunk))
	}

	// Preamble summary first (two attempts), then the cleaned data lines.
	if len(chunks) != 3 {
		t.Fatalf("chunks = %q", chunks)
	}
	if !strings.Contains(chunks[0], "Retry summary") {
		t.Errorf("preamble = %q", chunks[0])
	}
	if chunks[1] != "data: {\"x\":1}\n\n" || chunks[2] != "data: {\"x\":2}\n\n" {
		t.Errorf("chunks = %q", chunks)
	}
}

func TestHandleForceBufferedDowngrade(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &body)
		if body["stream"] != false {
			t.Errorf("forwarded stream = %v, want false", body["stream"])
		}
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	v := fastValves(srv.URL)
	v.ForceBuffered = true

	p := New(v)
	sink := &recordingSink{}

	res, err := p.Handle(context.Background(), map[string]any{"model": "m", "stream": true}, nil, sink)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Stream != nil {
		t.Error("downgraded request must return a buffered result")
	}
	if sink.count(events.TypeInfo) != 1 {
		t.Errorf("info notifications = %d, want downgrade notice", sink.count(events.TypeInfo))
	}
}

func TestStripRoutingPrefix(t *testing.T) {
	cases := map[string]string{
		"pipe.meta-llama/llama-3-8b:free": "meta-llama/llama-3-8b:free",
		"meta-llama/llama-3-8b:free":      "meta-llama/llama-3-8b:free",
		"a.b.c":                           "b.c",
		"":                                "",
	}
	for in, want := range cases {
		if got := stripRoutingPrefix(in); got != want {
			t.Errorf("stripRoutingPrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatSummary(t *testing.T) {
	if got := FormatSummary(retry.Record{Attempts: 1, Success: true}); got != "" {
		t.Errorf("single attempt summary = %q, want empty", got)
	}

	rec := retry.Record{
		Attempts: 5,
		Elapsed:  12 * time.Second,
		Errors:   []retry.AttemptError{{Attempt: 5, Message: "rate limited"}},
	}
	got := FormatSummary(rec)
	if !strings.Contains(got, "5 attempts, failed") || !strings.Contains(got, "rate limited") {
		t.Errorf("summary = %q", got)
	}
}

func contentOf(t *testing.T, body map[string]any) string {
	t.Helper()
	choices, ok := body["choices"].([]any)
	if !ok || len(choices) == 0 {
		t.Fatalf("body = %v", body)
	}
	message := choices[0].(map[string]any)["message"].(map[string]any)
	content, _ := message["content"].(string)
	return content
}
