package session

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/bardlex/blockgrave/internal/ledger"
	"github.com/bardlex/blockgrave/pkg/log"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type mockPublisher struct {
	mu      sync.Mutex
	entries []ledger.Entry
}

func (m *mockPublisher) Publish(_ context.Context, entries ...ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *mockPublisher) seqs() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Seq
	}
	return out
}

type mockSaver struct {
	mu    sync.Mutex
	saves int
	last  *Snapshot
}

func (m *mockSaver) SaveSnapshot(_ context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.last = snap
	return nil
}

func testLogger() *log.Logger {
	return log.NewWithWriter(io.Discard, "session-test", "test", "error", "json")
}
