package sink

import (
	"context"
	"sync"

	"github.com/wudi/appmetric/internal/record"
)

// Memory keeps the most recent records in a ring buffer.
type Memory struct {
	mu   sync.Mutex
	buf  []*record.Metric
	next int
	full bool
}

// NewMemory creates a ring of the given capacity (minimum 1).
func NewMemory(capacity int) *Memory {
	if capacity < 1 {
		capacity = 1
	}
	return &Memory{buf: make([]*record.Metric, capacity)}
}

// Append stores rec, evicting the oldest record when full.
func (m *Memory) Append(_ context.Context, rec *record.Metric) error {
	m.mu.Lock()
	m.buf[m.next] = rec
	m.next = (m.next + 1) % len(m.buf)
	if m.next == 0 {
		m.full = true
	}
	m.mu.Unlock()
	return nil
}

// Records returns the stored records, oldest first.
func (m *Memory) Records() []*record.Metric {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.full {
		out := make([]*record.Metric, m.next)
		copy(out, m.buf[:m.next])
		return out
	}
	out := make([]*record.Metric, 0, len(m.buf))
	out = append(out, m.buf[m.next:]...)
	out = append(out, m.buf[:m.next]...)
	return out
}

// Close does nothing.
func (m *Memory) Close() error { return nil }
