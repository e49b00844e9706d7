package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// HeartbeatInterval is how often idle event streams send a keep-alive comment.
const HeartbeatInterval = 15 * time.Second

// SSEWriter writes a text/event-stream response. It is safe for concurrent
// use so a heartbeat goroutine can share it with the producer.
type SSEWriter struct {
	mu sync.Mutex
	w  http.ResponseWriter
	rc *http.ResponseController
}

// NewSSEWriter sends the stream headers and flushes them. It fails when the
// response cannot be flushed incrementally.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	s := &SSEWriter{w: w, rc: http.NewResponseController(w)}
	w.WriteHeader(http.StatusOK)
	if err := s.rc.Flush(); err != nil {
		return nil, fmt.Errorf("streaming unsupported: %w", err)
	}
	return s, nil
}

// Event writes a named event with a JSON payload.
func (s *SSEWriter) Event(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.write("event: " + name + "\ndata: " + string(data) + "\n\n")
}

// Data writes an unnamed event with a JSON payload.
func (s *SSEWriter) Data(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.write("data: " + string(data) + "\n\n")
}

// Heartbeat writes a comment line that clients ignore.
func (s *SSEWriter) Heartbeat() error {
	return s.write(": ping\n\n")
}

func (s *SSEWriter) write(frame string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write([]byte(frame)); err != nil {
		return err
	}
	return s.rc.Flush()
}
