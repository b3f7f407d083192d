package events

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"nhooyr.io/websocket"
)

// WebSocketSink forwards events to a UI over a WebSocket connection as
// JSON text frames. Writes are serialized with a mutex; a closed or failed
// connection makes subsequent emissions no-ops (the Emit helper swallows
// the returned errors anyway).
type WebSocketSink struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	ready     atomic.Bool
	closeOnce sync.Once
}

// NewWebSocketSink wraps an established WebSocket connection as a Sink.
func NewWebSocketSink(conn *websocket.Conn) *WebSocketSink {
	s := &WebSocketSink{conn: conn}
	s.ready.Store(true)
	return s
}

// Emit marshals ev and sends it as a text frame.
func (s *WebSocketSink) Emit(ctx context.Context, ev Event) error {
	if !s.ready.Load() {
		return nil
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.ready.Store(false)
		return err
	}
	return nil
}

// Close sends a close frame. Safe to call multiple times.
func (s *WebSocketSink) Close() error {
	s.closeOnce.Do(func() {
		s.ready.Store(false)
		s.conn.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}
