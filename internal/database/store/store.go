// Package store keeps the daemon's local save on disk: the ledger feed log,
// keyed by sequence number, and the latest session snapshot. Startup replays
// the log to rebuild the ledger before the snapshot is trusted.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/bardlex/blockgrave/internal/ledger"
	"github.com/bardlex/blockgrave/internal/session"
	"github.com/bardlex/blockgrave/pkg/errors"
	"github.com/bardlex/blockgrave/pkg/log"
)

var (
	feedPrefix  = []byte("feed/")
	feedEnd     = []byte("feed0") // '0' sorts right after '/'
	snapshotKey = []byte("snapshot/latest")
)

func feedKey(seq uint64) []byte {
	k := make([]byte, len(feedPrefix)+8)
	copy(k, feedPrefix)
	binary.BigEndian.PutUint64(k[len(feedPrefix):], seq)
	return k
}

// Store is safe for concurrent use.
type Store struct {
	db     *pebble.DB
	logger *log.Logger

	mu      sync.Mutex
	lastSeq uint64
}

// Options configures Open.
type Options struct {
	// InMemory keeps everything in a memory filesystem; used by tests.
	InMemory bool
}

// Open opens or creates the store under dir.
func Open(dir string, opts Options, logger *log.Logger) (*Store, error) {
	po := &pebble.Options{}
	if opts.InMemory {
		po.FS = vfs.NewMem()
	}
	db, err := pebble.Open(dir, po)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "open_store", "failed to open pebble store").
			WithContext("dir", dir)
	}

	s := &Store{db: db, logger: logger.WithComponent("store")}
	last, err := s.scanLastSeq()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.lastSeq = last
	s.logger.Info("Store opened", "dir", dir, "last_seq", last)
	return s, nil
}

func (s *Store) scanLastSeq() (uint64, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: feedPrefix, UpperBound: feedEnd})
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStorage, "scan_feed", "failed to open iterator")
	}
	defer it.Close()
	if !it.Last() {
		return 0, it.Error()
	}
	return binary.BigEndian.Uint64(it.Key()[len(feedPrefix):]), nil
}

// Name implements feed.Sink.
func (s *Store) Name() string { return "pebble" }

// Write implements feed.Sink. Entries already stored are rewritten in place;
// a gap in sequence numbers is rejected so the log always replays.
func (s *Store) Write(_ context.Context, entries []ledger.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()

	next := s.lastSeq
	for _, e := range entries {
		if e.Seq > next+1 {
			return errors.Wrap(errors.ErrLedgerCorruption, errors.ErrorTypeStorage, "write_feed",
				fmt.Sprintf("gap in feed log: have %d, got %d", next, e.Seq))
		}
		raw, err := json.Marshal(e)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeStorage, "write_feed", "failed to encode entry").
				WithContext("seq", e.Seq)
		}
		if err := b.Set(feedKey(e.Seq), raw, nil); err != nil {
			return errors.Wrap(err, errors.ErrorTypeStorage, "write_feed", "batch set failed")
		}
		next = max(next, e.Seq)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "write_feed", "batch commit failed").
			WithContext("entries", len(entries))
	}
	s.lastSeq = next
	return nil
}

// LastSeq returns the highest sequence number in the log.
func (s *Store) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// LoadEntries returns the whole feed log in sequence order.
func (s *Store) LoadEntries() ([]ledger.Entry, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: feedPrefix, UpperBound: feedEnd})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "load_feed", "failed to open iterator")
	}
	defer it.Close()

	var out []ledger.Entry
	for it.First(); it.Valid(); it.Next() {
		var e ledger.Entry
		if err := json.Unmarshal(it.Value(), &e); err != nil {
			return nil, errors.Wrap(errors.ErrLedgerCorruption, errors.ErrorTypeStorage, "load_feed",
				fmt.Sprintf("undecodable entry at key %x: %v", it.Key(), err))
		}
		out = append(out, e)
	}
	if err := it.Error(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "load_feed", "iteration failed")
	}
	return out, nil
}

// SaveSnapshot implements session.Saver.
func (s *Store) SaveSnapshot(_ context.Context, snap *session.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "save_snapshot", "failed to encode snapshot")
	}
	if err := s.db.Set(snapshotKey, raw, pebble.Sync); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "save_snapshot", "failed to write snapshot").
			WithContext("tick", snap.Tick)
	}
	s.logger.Debug("Snapshot saved", "tick", snap.Tick, "ledger_seq", snap.LedgerSeq)
	return nil
}

// LoadSnapshot returns the latest snapshot, or false when none was saved.
func (s *Store) LoadSnapshot() (*session.Snapshot, bool, error) {
	raw, closer, err := s.db.Get(snapshotKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, errors.ErrorTypeStorage, "load_snapshot", "failed to read snapshot")
	}
	defer closer.Close()

	var snap session.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, false, errors.Wrap(err, errors.ErrorTypeStorage, "load_snapshot", "failed to decode snapshot")
	}
	return &snap, true, nil
}

// Close implements feed.Sink.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "close_store", "failed to close pebble")
	}
	return nil
}
