package storage

import (
	"context"
	"sync"
)

// Memory is a fixed-size ring of the latest executions.
type Memory struct {
	mu   sync.Mutex
	buf  []Execution
	next int
	full bool
}

func NewMemory(size int) *Memory {
	if size <= 0 {
		size = DefaultRetain
	}
	return &Memory{buf: make([]Execution, size)}
}

func (m *Memory) Append(_ context.Context, e Execution) error {
	m.mu.Lock()
	m.buf[m.next] = e
	m.next = (m.next + 1) % len(m.buf)
	if m.next == 0 {
		m.full = true
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Recent(_ context.Context, q Query) ([]Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.next
	if m.full {
		n = len(m.buf)
	}
	limit := q.limit()
	out := make([]Execution, 0, min(n, limit))
	for i := 1; i <= n && len(out) < limit; i++ {
		e := m.buf[(m.next-i+len(m.buf))%len(m.buf)]
		if q.Driver != "" && e.Driver != q.Driver {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
