package feed

import (
	"context"
	"errors"
	"sync"

	"github.com/bardlex/blockgrave/internal/ledger"
)

type mockSink struct {
	name    string
	fail    bool
	mu      sync.Mutex
	got     []uint64
	batches int
	closed  bool
}

func (m *mockSink) Name() string { return m.name }

func (m *mockSink) Write(_ context.Context, entries []ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches++
	if m.fail {
		return errors.New("sink down")
	}
	for _, e := range entries {
		m.got = append(m.got, e.Seq)
	}
	return nil
}

func (m *mockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockSink) seqs() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.got...)
}
