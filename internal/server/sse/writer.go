// Package sse provides Server-Sent Events (SSE) response writing utilities.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Writer wraps an http.ResponseWriter for SSE streaming
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter creates a new SSE writer
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &Writer{w: w, flusher: flusher}, nil
}

// SetHeaders sets the SSE response headers
func (sw *Writer) SetHeaders() {
	sw.w.Header().Set("Content-Type", "text/event-stream")
	sw.w.Header().Set("Cache-Control", "no-cache")
	sw.w.Header().Set("Connection", "keep-alive")
	sw.w.Header().Set("X-Accel-Buffering", "no")
}

// WriteData writes one raw JSON payload as a data event and flushes.
func (sw *Writer) WriteData(jsonData []byte) error {
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", jsonData); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// WriteDone writes the stream terminator used by the chat-completions
// dialect.
func (sw *Writer) WriteDone() error {
	if _, err := fmt.Fprint(sw.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// WriteErrorEvent writes an in-stream error event.
func (sw *Writer) WriteErrorEvent(message, code string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    "api_error",
			"code":    code,
		},
	})
	if err != nil {
		return err
	}
	return sw.WriteData(payload)
}

// Flush flushes any buffered data
func (sw *Writer) Flush() {
	sw.flusher.Flush()
}
