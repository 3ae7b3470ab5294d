// Package events appends structured records to the events/ JSONL stream
// (spec.md §6) and mirrors them onto the in-process bus for live
// consumers such as internal/eventstream and internal/tui.
package events

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/clawswarm/orchestrator/internal/bus"
)

// Sink writes event records to disk and publishes them on the bus.
type Sink struct {
	mu     sync.Mutex
	file   *os.File
	bus    *bus.Bus
	logger *slog.Logger
}

// NewSink opens (creating if necessary) events/events.jsonl under dir.
func NewSink(dir string, b *bus.Bus, logger *slog.Logger) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{file: f, bus: b, logger: logger}, nil
}

// Close flushes and closes the underlying file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// Emit appends a record to events.jsonl and publishes it on the bus under
// its type as topic. Filesystem errors are logged and swallowed per
// spec.md §7's propagation policy for non-core observability writes.
func (s *Sink) Emit(component, eventType string, nowMs int64, payload map[string]any) {
	rec := bus.Record{
		Component: component,
		Level:     "info",
		Type:      eventType,
		Timestamp: nowMs,
		Payload:   payload,
	}

	s.mu.Lock()
	data, err := json.Marshal(rec)
	if err == nil {
		data = append(data, '\n')
		if _, werr := s.file.Write(data); werr != nil {
			s.logger.Warn("events: failed writing record", "error", werr, "type", eventType)
		}
	} else {
		s.logger.Warn("events: failed to marshal record", "error", err, "type", eventType)
	}
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(eventType, rec)
	}
}
