package store

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/bardlex/blockgrave/internal/ledger"
	"github.com/bardlex/blockgrave/internal/ledger/ledgertest"
	"github.com/bardlex/blockgrave/internal/session"
	"github.com/bardlex/blockgrave/pkg/errors"
	"github.com/bardlex/blockgrave/pkg/log"
)

func testLogger() *log.Logger {
	return log.NewWithWriter(io.Discard, "store-test", "test", "error", "text")
}

func openMem(t *testing.T) *Store {
	t.Helper()
	s, err := Open("/data", Options{InMemory: true}, testLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestFeedLogRoundTrip(t *testing.T) {
	s := openMem(t)
	entries := ledgertest.Entries(t, 5)
	ctx := context.Background()

	// Two batches, the second overlapping the first.
	if err := s.Write(ctx, entries[:4]); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := s.Write(ctx, entries[2:]); err != nil {
		t.Fatalf("Write() overlap error = %v", err)
	}
	if got, want := s.LastSeq(), entries[len(entries)-1].Seq; got != want {
		t.Errorf("LastSeq() = %d, want %d", got, want)
	}

	loaded, err := s.LoadEntries()
	if err != nil {
		t.Fatalf("LoadEntries() error = %v", err)
	}
	if len(loaded) != len(entries) {
		t.Fatalf("loaded %d entries, want %d", len(loaded), len(entries))
	}

	l, err := ledger.Replay(loaded, ledger.DefaultTolerance)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if l.Tip() != ledgertest.Build(t, 5).Tip() {
		t.Error("replayed tip differs from the source ledger")
	}
}

func TestFeedLogRejectsGap(t *testing.T) {
	s := openMem(t)
	entries := ledgertest.Entries(t, 3)

	err := s.Write(context.Background(), entries[1:])
	if !errors.Is(err, errors.ErrLedgerCorruption) {
		t.Fatalf("Write() with gap error = %v, want ErrLedgerCorruption", err)
	}
	if s.LastSeq() != 0 {
		t.Errorf("LastSeq() = %d after rejected batch", s.LastSeq())
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := openMem(t)

	if _, ok, err := s.LoadSnapshot(); err != nil || ok {
		t.Fatalf("LoadSnapshot() on empty store = %v, %v", ok, err)
	}

	clock := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	sess, err := session.New(session.DefaultParams(), 7, testLogger(),
		session.WithClock(func() time.Time { return clock }))
	if err != nil {
		t.Fatalf("session.New() error = %v", err)
	}
	snap := sess.Snapshot()

	if err := s.SaveSnapshot(context.Background(), snap); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}
	got, ok, err := s.LoadSnapshot()
	if err != nil || !ok {
		t.Fatalf("LoadSnapshot() = %v, %v", ok, err)
	}
	if got.SessionID != snap.SessionID || got.Tick != snap.Tick || !got.Wallet.Credits.Equal(snap.Wallet.Credits) {
		t.Errorf("snapshot = %+v, want %+v", got, snap)
	}

	restored, err := session.Restore(session.DefaultParams(), got, nil, testLogger(),
		session.WithClock(func() time.Time { return clock }))
	if err != nil {
		t.Fatalf("session.Restore() error = %v", err)
	}
	if restored.ID() != sess.ID() {
		t.Errorf("restored id = %s, want %s", restored.ID(), sess.ID())
	}
}
