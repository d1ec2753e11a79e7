package database

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bardlex/blockgrave/internal/database/influx"
	"github.com/bardlex/blockgrave/internal/database/redis"
	"github.com/bardlex/blockgrave/internal/ledger"
	"github.com/bardlex/blockgrave/pkg/log"
)

func testLogger() *log.Logger {
	return log.NewWithWriter(io.Discard, "db-test", "test", "error", "text")
}

type mockArchive struct {
	mu       sync.Mutex
	failures int
	calls    int
	seqs     []uint64
	closed   bool
}

func (m *mockArchive) Archive(_ context.Context, _ uuid.UUID, entries []ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failures > 0 {
		m.failures--
		return errors.New("connection refused")
	}
	for _, e := range entries {
		m.seqs = append(m.seqs, e.Seq)
	}
	return nil
}

func (m *mockArchive) Health(context.Context) error { return nil }

func (m *mockArchive) Close() error {
	m.closed = true
	return nil
}

type mockCounters struct {
	mu        sync.Mutex
	mints     map[string]float64
	trades    map[string]int
	events    map[string]int
	snapshots int
	fail      bool
}

func newMockCounters() *mockCounters {
	return &mockCounters{mints: map[string]float64{}, trades: map[string]int{}, events: map[string]int{}}
}

func (m *mockCounters) RecordMint(_ context.Context, owner string, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("redis down")
	}
	m.mints[owner] += value
	return nil
}

func (m *mockCounters) RecordTrade(_ context.Context, side string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("redis down")
	}
	m.trades[side]++
	return nil
}

func (m *mockCounters) RecordEvent(_ context.Context, kind string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("redis down")
	}
	m.events[kind]++
	return nil
}

func (m *mockCounters) SetSnapshot(context.Context, string, any, time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots++
	return nil
}

func (m *mockCounters) Health(context.Context) error { return nil }
func (m *mockCounters) Close() error                 { return nil }

type mockMetrics struct {
	mu      sync.Mutex
	ticks   []influx.TickSample
	links   int
	trades  int
	events  int
	flushes int
}

func (m *mockMetrics) WriteTick(s influx.TickSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks = append(m.ticks, s)
}

func (m *mockMetrics) WriteLinkMetric(string, string, float64, float64, int, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links++
}

func (m *mockMetrics) WriteTradeMetric(string, string, float64, float64, bool, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades++
}

func (m *mockMetrics) WriteEventMetric(string, string, string, float64, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events++
}

func (m *mockMetrics) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
}

func (m *mockMetrics) Health(context.Context) error { return nil }
func (m *mockMetrics) Close()                       {}

type mockBoard struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (m *mockBoard) Counters(context.Context) (*redis.Counters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failures > 0 {
		m.failures--
		return nil, errors.New("connection refused")
	}
	return &redis.Counters{Links: 3, Buys: 1, Events: map[string]int64{"rumor": 2}}, nil
}

func (m *mockBoard) TopMinters(_ context.Context, n int64) ([]redis.LeaderboardEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	out := []redis.LeaderboardEntry{{Rank: 1, Owner: "you", MintedValue: 42}, {Rank: 2, Owner: "npc", MintedValue: 7}}
	return out[:min(int(n), len(out))], nil
}
