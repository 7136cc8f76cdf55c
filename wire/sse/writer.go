// ABOUTME: Server-Sent Events framing for the gateway's client-facing streaming responses.
// ABOUTME: Writer emits event/data frames and keepalive comments, flushing after every frame.

package sse

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Writer frames Server-Sent Events onto an HTTP response body.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter wraps w. When w implements http.Flusher, every frame is
// flushed as soon as it is written so clients observe deltas promptly.
func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

// Event writes a frame carrying an explicit event type.
func (w *Writer) Event(eventType, data string) error {
	if eventType != "" {
		if _, err := fmt.Fprintf(w.w, "event: %s\n", eventType); err != nil {
			return err
		}
	}
	return w.Data(data)
}

// Data writes a data-only frame. Multi-line payloads become consecutive
// data: lines, the inverse of how Parser joins them.
func (w *Writer) Data(data string) error {
	for _, line := range strings.Split(data, "\n") {
		if _, err := fmt.Fprintf(w.w, "data: %s\n", line); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w.w, "\n"); err != nil {
		return err
	}
	w.flush()
	return nil
}

// Comment writes a comment line. Used as a keepalive between deltas.
func (w *Writer) Comment(text string) error {
	if _, err := fmt.Fprintf(w.w, ": %s\n\n", text); err != nil {
		return err
	}
	w.flush()
	return nil
}

func (w *Writer) flush() {
	if w.flusher != nil {
		w.flusher.Flush()
	}
}
