package proxy

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/allaspectsdev/llmrelay/internal/provider"
)

// doneMarker is the OpenAI stream terminator.
const doneMarker = "[DONE]"

// SSEEvent represents a single Server-Sent Event with optional event type, data, and ID.
type SSEEvent struct {
	Event string
	Data  string
	ID    string
}

// SSEWriter writes Server-Sent Events to an http.ResponseWriter, flushing
// after each event to ensure real-time delivery to the client. It
// implements router.ChunkWriter.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSEWriter. It checks if the http.ResponseWriter
// supports the http.Flusher interface for real-time event delivery.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	flusher, _ := w.(http.Flusher)
	return &SSEWriter{
		w:       w,
		flusher: flusher,
	}
}

// WriteChunk writes one relayed chunk as a data event. The terminal chunk
// becomes "data: [DONE]".
func (s *SSEWriter) WriteChunk(c provider.Chunk) error {
	if c.Done {
		return s.WriteEvent(&SSEEvent{Data: doneMarker})
	}
	return s.WriteEvent(&SSEEvent{Data: string(c.Data)})
}

// WriteEvent writes a single SSE event to the underlying ResponseWriter and flushes.
// The event type line is only written if evt.Event is non-empty.
// The id line is only written if evt.ID is non-empty.
// Multiple data lines are written if the Data field contains newlines.
func (s *SSEWriter) WriteEvent(evt *SSEEvent) error {
	if evt.Event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", evt.Event); err != nil {
			return fmt.Errorf("writing SSE event type: %w", err)
		}
	}

	if evt.ID != "" {
		if _, err := fmt.Fprintf(s.w, "id: %s\n", evt.ID); err != nil {
			return fmt.Errorf("writing SSE event id: %w", err)
		}
	}

	// Each data line gets its own "data:" prefix.
	for _, dl := range strings.Split(evt.Data, "\n") {
		if _, err := fmt.Fprintf(s.w, "data: %s\n", dl); err != nil {
			return fmt.Errorf("writing SSE data line: %w", err)
		}
	}

	// Blank line terminates the event.
	if _, err := fmt.Fprint(s.w, "\n"); err != nil {
		return fmt.Errorf("writing SSE event terminator: %w", err)
	}

	s.Flush()
	return nil
}

// Flush flushes the underlying ResponseWriter if it supports the http.Flusher interface.
func (s *SSEWriter) Flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
