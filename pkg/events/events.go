// Package events defines the capability through which the pipe reports
// progress to a host UI. The core emits two kinds of events: short-lived
// Status lines and richer Notifications. Sinks may be synchronous,
// asynchronous, absent, or faulty; emission never propagates a failure
// back into the request path.
package events

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
)

// NotificationType classifies a Notification for UI rendering.
type NotificationType string

const (
	TypeInfo    NotificationType = "info"
	TypeWarning NotificationType = "warning"
	TypeError   NotificationType = "error"
	TypeSuccess NotificationType = "success"
)

// Status is a non-terminal progress line. The final status of a request
// has Done set; a done status supersedes earlier statuses in the UI.
type Status struct {
	Description string `json:"description"`
	Done        bool   `json:"done"`
	Hidden      bool   `json:"hidden"`
}

// Notification is a user-facing message with a severity and lifetime.
type Notification struct {
	ID        uuid.UUID        `json:"id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Content   string           `json:"content"`
	Timeout   int              `json:"timeout"` // display seconds, 0 = sticky
	Meta      map[string]any   `json:"meta,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Event carries exactly one of Status or Notification.
type Event struct {
	Status       *Status       `json:"status,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

// NewStatus builds a status event.
func NewStatus(description string, done, hidden bool) Event {
	return Event{Status: &Status{Description: description, Done: done, Hidden: hidden}}
}

// NewNotification builds a notification event with a fresh ID and timestamp.
func NewNotification(typ NotificationType, title, content string, timeout int) Event {
	return Event{Notification: &Notification{
		ID:        uuid.New(),
		Type:      typ,
		Title:     title,
		Content:   content,
		Timeout:   timeout,
		Timestamp: time.Now().UTC(),
	}}
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(ctx context.Context, ev Event) error

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Emit delivers ev to sink, tolerating a nil sink, a returned error, or a
// panic inside the sink. Failures are logged and swallowed.
func Emit(ctx context.Context, sink Sink, ev Event) {
	if sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("events: sink panic swallowed: %v", r)
		}
	}()
	if err := sink.Emit(ctx, ev); err != nil {
		log.Printf("events: sink error swallowed: %v", err)
	}
}

// NopSink discards all events.
type NopSink struct{}

// Emit discards ev.
func (NopSink) Emit(context.Context, Event) error { return nil }

// ChannelSink delivers events to a channel without blocking the emitter.
// Events are dropped when the channel is full.
type ChannelSink struct {
	ch chan Event
}

// NewChannelSink creates a ChannelSink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan Event, buffer)}
}

// Emit enqueues ev, dropping it if the buffer is full.
func (s *ChannelSink) Emit(_ context.Context, ev Event) error {
	select {
	case s.ch <- ev:
	default:
	}
	return nil
}

// Events returns the receive side of the sink.
func (s *ChannelSink) Events() <-chan Event { return s.ch }

// LogSink writes events to the process log. Used by the server front-end
// when no UI bus is connected.
type LogSink struct{}

// Emit logs ev.
func (LogSink) Emit(_ context.Context, ev Event) error {
	switch {
	case ev.Status != nil:
		log.Printf("status: %s (done=%t)", ev.Status.Description, ev.Status.Done)
	case ev.Notification != nil:
		n := ev.Notification
		log.Printf("notify [%s] %s: %s", n.Type, n.Title, n.Content)
	}
	return nil
}
