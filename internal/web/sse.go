// Package web exposes the daemon's HTTP surface: the streaming chat
// endpoint, the run control plane, and the observability endpoints.
package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// heartbeatInterval paces SSE comment frames so idle proxies keep the
// connection open.
const heartbeatInterval = 15 * time.Second

// EventWriter frames run events as server-sent events. Writes are
// serialized so the heartbeat ticker and the event pump can share one
// connection.
type EventWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewEventWriter prepares the response for SSE streaming. It fails when the
// underlying writer cannot flush incrementally.
func NewEventWriter(w http.ResponseWriter) (*EventWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported by this connection")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &EventWriter{w: w, flusher: flusher}, nil
}

// WriteEvent sends one event as a data frame.
func (e *EventWriter) WriteEvent(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}

// WriteHeartbeat sends a comment frame. Clients ignore it; intermediaries
// see traffic.
func (e *EventWriter) WriteHeartbeat() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := fmt.Fprint(e.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}

// WriteDone sends the stream-end marker.
func (e *EventWriter) WriteDone() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := fmt.Fprint(e.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}
