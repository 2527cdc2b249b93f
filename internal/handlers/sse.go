package handlers

import (
	"encoding/json"
	"fmt"
	"io"
)

// SSEWriter frames progress updates as Server-Sent Events.
type SSEWriter struct {
	writer  io.Writer
	eventID int
}

// NewSSEWriter creates a new SSE writer
func NewSSEWriter(w io.Writer) *SSEWriter {
	return &SSEWriter{
		writer:  w,
		eventID: 0,
	}
}

// WriteEvent writes a single event with an incrementing id.
func (w *SSEWriter) WriteEvent(eventType string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	// SSE format:
	// id: <id>
	// event: <type>
	// data: <json>
	// \n
	w.eventID++
	_, err = fmt.Fprintf(w.writer, "id: %d\nevent: %s\ndata: %s\n\n", w.eventID, eventType, jsonData)
	return err
}

// Flush flushes the underlying writer when it supports flushing.
func (w *SSEWriter) Flush() error {
	if flusher, ok := w.writer.(interface{ Flush() error }); ok {
		return flusher.Flush()
	}
	return nil
}
