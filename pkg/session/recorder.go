// Package session persists retry outcome records as append-only JSONL for
// post-hoc diagnostics. Appends take an advisory file lock so multiple
// processes can safely share one history file.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/tamarindmonkey/orpipe/pkg/retry"
)

// ErrLockTimeout means the history file lock could not be acquired in time.
var ErrLockTimeout = errors.New("session: history lock timeout")

const lockTimeout = 5 * time.Second

// HistoryEntry is one line of the history file.
type HistoryEntry struct {
	Timestamp time.Time    `json:"timestamp"`
	Model     string       `json:"model"`
	Record    retry.Record `json:"record"`
}

// Recorder appends history entries to a single file.
type Recorder struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

// NewRecorder opens (creating if needed) the history file at path.
func NewRecorder(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Recorder{path: path, f: f}, nil
}

// Record appends one entry, stamped with the current time.
func (r *Recorder) Record(model string, rec retry.Record) error {
	entry := HistoryEntry{Timestamp: time.Now().UTC(), Model: model, Record: rec}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()

	fl := flock.New(r.path + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	locked, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil || !locked {
		return ErrLockTimeout
	}
	defer fl.Unlock()

	_, err = r.f.Write(line)
	return err
}

// Close releases the underlying file handle.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}
