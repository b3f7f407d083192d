// orpipe is an HTTP front-end for the retry pipe: it exposes the upstream
// chat-completion API on /v1/chat/completions with transparent 429/transient
// retry, and the filtered free-model catalog on /v1/models.
//
// Usage:
//
//	orpipe -config orpipe.yaml
//	orpipe -listen :8787
//
// A per-request API key may be supplied with the X-Api-Key header; it
// overrides the configured global key.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/tamarindmonkey/orpipe/pkg/config"
	"github.com/tamarindmonkey/orpipe/pkg/events"
	"github.com/tamarindmonkey/orpipe/pkg/pipe"
	"github.com/tamarindmonkey/orpipe/pkg/retry"
	"github.com/tamarindmonkey/orpipe/pkg/session"
	"github.com/tamarindmonkey/orpipe/pkg/upstream"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	listen := flag.String("listen", "", "Listen address (overrides config)")
	flag.Parse()

	valves, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("orpipe: %v", err)
	}
	if *listen != "" {
		valves.Listen = *listen
	}

	var opts []pipe.Option
	var recorder *session.Recorder
	if valves.HistoryPath != "" {
		recorder, err = session.NewRecorder(valves.HistoryPath)
		if err != nil {
			log.Fatalf("orpipe: history: %v", err)
		}
		defer recorder.Close()
		opts = append(opts, pipe.WithRecorder(recorder))
	}

	var current atomic.Pointer[pipe.Pipe]
	current.Store(pipe.New(valves, opts...))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Hot-reload the valves; in-flight requests keep their pipe.
	if *configPath != "" {
		go config.Watch(ctx, *configPath, func(v config.Valves) {
			if *listen != "" {
				v.Listen = *listen
			}
			current.Store(pipe.New(v, opts...))
		})
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, r *http.Request) {
		entries := current.Load().Models(r.Context())
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"data": entries})
	})

	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}

		var user *pipe.User
		if key := r.Header.Get("X-Api-Key"); key != "" {
			user = &pipe.User{Valves: config.UserValves{APIKey: key}}
		}

		res, err := current.Load().Handle(r.Context(), body, user, events.LogSink{})
		if err != nil {
			writeError(w, errStatus(err), err.Error())
			return
		}

		if res.Stream != nil {
			defer res.Stream.Close()
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			if _, err := res.Stream.WriteTo(w); err != nil {
				log.Printf("orpipe: stream copy: %v", err)
			}
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(res.Body)
	})

	server := &http.Server{
		Addr:              valves.Listen,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("orpipe: listening on %s (upstream %s)", valves.Listen, valves.BaseURL)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("orpipe: %v", err)
	}
}

// errStatus maps façade errors onto response codes.
func errStatus(err error) int {
	if errors.Is(err, pipe.ErrNoAPIKey) {
		return http.StatusUnauthorized
	}
	var se *upstream.StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	var exhausted *retry.ErrExhausted
	if errors.As(err, &exhausted) {
		return http.StatusTooManyRequests
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 499 // client closed request
	}
	return http.StatusBadGateway
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": msg},
	})
}
