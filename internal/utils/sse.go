package utils

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

const sseDone = "[DONE]"

// SSEWriter writes server-sent events. Writes are serialized so a heartbeat
// goroutine can share the writer with the response loop.
type SSEWriter struct {
	w  http.ResponseWriter
	mu sync.Mutex
}

func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	return &SSEWriter{w: w}
}

func (s *SSEWriter) Write(event, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}

	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}

	return nil
}

// WriteJSON marshals v as the event payload.
func (s *SSEWriter) WriteJSON(event string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal sse payload: %w", err)
	}
	return s.Write(event, string(data))
}

func (s *SSEWriter) Close() error {
	return s.Write("", sseDone)
}

// IsDone reports whether an SSE data payload is the end-of-stream marker.
func IsDone(data string) bool {
	return data == sseDone
}
