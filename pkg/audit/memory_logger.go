package audit

import (
	"context"
	"sync"
)

// MemoryLogger keeps events in memory. Used in tests and by the host when no
// durable sink is configured.
type MemoryLogger struct {
	mu     sync.Mutex
	events []*AuditEvent
}

// NewMemoryLogger creates an empty in-memory audit logger
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

func (m *MemoryLogger) Log(ctx context.Context, event *AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryLogger) Close() error {
	return nil
}

// Events returns a copy of every recorded event in order
func (m *MemoryLogger) Events() []*AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*AuditEvent, len(m.events))
	copy(out, m.events)
	return out
}

// OfType returns the recorded events with the given type
func (m *MemoryLogger) OfType(eventType EventType) []*AuditEvent {
	var out []*AuditEvent
	for _, e := range m.Events() {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// ListByPlugin implements Reader
func (m *MemoryLogger) ListByPlugin(ctx context.Context, pluginID string, limit int) ([]*AuditEvent, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	events := m.Events()
	var out []*AuditEvent
	for i := len(events) - 1; i >= 0 && len(out) < limit; i-- {
		if events[i].PluginID == pluginID {
			out = append(out, events[i])
		}
	}
	return out, nil
}
