package sse

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"
)

// Event represents an SSE event to be sent to clients
type Event struct {
	// Event is the SSE event type (e.g., "progress", "error", "complete")
	// If empty, no "event:" line will be written
	Event string

	// Data is the payload to send (will be JSON-encoded if not a string)
	Data interface{}

	// ID is an optional event ID for reconnection support
	ID string

	// Retry is an optional reconnection time in milliseconds
	Retry int
}

// Headers lists the response headers an SSE endpoint needs. X-Accel-Buffering
// disables nginx buffering.
var Headers = map[string]string{
	"Content-Type":      "text/event-stream",
	"Cache-Control":     "no-cache",
	"Connection":        "keep-alive",
	"Transfer-Encoding": "chunked",
	"X-Accel-Buffering": "no",
}

// Send writes an SSE event to the given writer and flushes immediately
func Send(w *bufio.Writer, event Event) error {
	if event.ID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", event.ID); err != nil {
			return fmt.Errorf("failed to write event ID: %w", err)
		}
	}
	if event.Retry > 0 {
		if _, err := fmt.Fprintf(w, "retry: %d\n", event.Retry); err != nil {
			return fmt.Errorf("failed to write retry: %w", err)
		}
	}
	if event.Event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event.Event); err != nil {
			return fmt.Errorf("failed to write event type: %w", err)
		}
	}

	var dataStr string
	switch v := event.Data.(type) {
	case string:
		dataStr = v
	case []byte:
		dataStr = string(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		dataStr = string(data)
	}

	if _, err := fmt.Fprintf(w, "data: %s\n\n", dataStr); err != nil {
		return fmt.Errorf("failed to write event data: %w", err)
	}
	return w.Flush()
}

// SendKeepAlive sends a comment (: ping) to keep the connection alive
// through proxies during long stages.
func SendKeepAlive(w *bufio.Writer) error {
	if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
		return fmt.Errorf("failed to write keepalive: %w", err)
	}
	return w.Flush()
}

// Pump forwards events from ch until it closes, a write fails, or stop
// reports true for a sent event. A keepalive comment goes out whenever the
// channel is idle for interval.
func Pump[T any](w *bufio.Writer, ch <-chan T, toEvent func(T) Event, stop func(T) bool, interval time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case item, ok := <-ch:
			if !ok {
				return nil
			}
			if err := Send(w, toEvent(item)); err != nil {
				return err
			}
			if stop != nil && stop(item) {
				return nil
			}
		case <-ticker.C:
			if err := SendKeepAlive(w); err != nil {
				return err
			}
		}
	}
}
