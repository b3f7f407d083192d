// Package stream turns a live streaming response body into a lazy,
// forward-only sequence of cleaned SSE chunks. The upstream provider
// injects a textual processing artifact into the stream; the filter strips
// every occurrence and drops lines that are pure whitespace afterwards.
//
// The underlying body is released exactly once on every exit path: normal
// end-of-stream, read failure, and early Close by the consumer.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Marker is the literal artifact injected by the upstream provider.
const Marker = ": OPENROUTER PROCESSING"

// maxLineSize bounds a single SSE line read.
const maxLineSize = 1 << 20

// Filter is a non-restartable reader of cleaned stream chunks.
type Filter struct {
	ch        <-chan []byte
	cancel    context.CancelFunc
	body      io.ReadCloser
	closeOnce sync.Once
}

// Option configures a Filter.
type Option func(*filterConfig)

type filterConfig struct {
	preamble []byte
}

// WithPreamble injects one synthetic content chunk before the upstream
// data, formatted as an OpenAI delta frame. Used to surface a retry
// summary at the top of a recovered stream.
func WithPreamble(text string) Option {
	return func(c *filterConfig) {
		frame, err := json.Marshal(map[string]any{
			"choices": []any{map[string]any{"delta": map[string]any{"content": text}}},
		})
		if err != nil {
			return
		}
		c.preamble = []byte("data: " + string(frame) + "\n\n")
	}
}

// NewFilter starts consuming body in a goroutine and returns the filter.
// Ownership of body transfers to the filter.
func NewFilter(ctx context.Context, body io.ReadCloser, opts ...Option) *Filter {
	var cfg filterConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan []byte)

	f := &Filter{ch: ch, cancel: cancel, body: body}

	go func() {
		defer close(ch)
		defer f.release()

		if cfg.preamble != nil {
			if !send(ctx, ch, cfg.preamble) {
				return
			}
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

		for scanner.Scan() {
			cleaned := strings.ReplaceAll(scanner.Text(), Marker, "")
			if strings.TrimSpace(cleaned) == "" {
				continue
			}
			if !send(ctx, ch, []byte(cleaned+"\n\n")) {
				return
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			// One synthetic error-shaped final chunk, then stop.
			msg := fmt.Sprintf("Error streaming response: %v", err)
			frame, merr := json.Marshal(map[string]any{"error": map[string]any{"message": msg}})
			if merr == nil {
				send(ctx, ch, []byte("data: "+string(frame)+"\n\n"))
			}
		}
	}()

	return f
}

func send(ctx context.Context, ch chan<- []byte, chunk []byte) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// Next returns the next cleaned chunk, or io.EOF at end of stream. Chunk
// order equals underlying read order.
func (f *Filter) Next() ([]byte, error) {
	chunk, ok := <-f.ch
	if !ok {
		return nil, io.EOF
	}
	return chunk, nil
}

// Close terminates consumption and releases the underlying body. Safe to
// call multiple times and concurrently with Next.
func (f *Filter) Close() error {
	f.cancel()
	f.release()
	return nil
}

// release closes the body exactly once across all exit paths.
func (f *Filter) release() {
	f.closeOnce.Do(func() {
		f.body.Close()
	})
}

// WriteTo drains the filter into w, flushing after each chunk when w
// supports it. Returns the number of bytes written.
func (f *Filter) WriteTo(w io.Writer) (int64, error) {
	flusher, _ := w.(interface{ Flush() })

	var n int64
	for {
		chunk, err := f.Next()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		wrote, werr := w.Write(chunk)
		n += int64(wrote)
		if werr != nil {
			f.Close()
			return n, werr
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
