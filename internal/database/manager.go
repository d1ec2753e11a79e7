// Package database coordinates the BLOCKGRAVE archive backends: Postgres
// holds the ledger, Redis the live counters and snapshot cache, InfluxDB the
// time series. Any backend may be left unconfigured.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bardlex/blockgrave/internal/database/influx"
	"github.com/bardlex/blockgrave/internal/database/postgres"
	"github.com/bardlex/blockgrave/internal/database/redis"
	"github.com/bardlex/blockgrave/internal/ledger"
	"github.com/bardlex/blockgrave/internal/session"
	"github.com/bardlex/blockgrave/pkg/circuit"
	"github.com/bardlex/blockgrave/pkg/errors"
	"github.com/bardlex/blockgrave/pkg/log"
	"github.com/bardlex/blockgrave/pkg/retry"
)

// Archive is the durable ledger store.
type Archive interface {
	Archive(ctx context.Context, sessionID uuid.UUID, entries []ledger.Entry) error
	Health(ctx context.Context) error
	Close() error
}

// Counters is the live counter store.
type Counters interface {
	RecordMint(ctx context.Context, owner string, value float64) error
	RecordTrade(ctx context.Context, side string) error
	RecordEvent(ctx context.Context, kind string) error
	SetSnapshot(ctx context.Context, sessionID string, snap any, expiration time.Duration) error
	Health(ctx context.Context) error
	Close() error
}

// Metrics is the time-series store.
type Metrics interface {
	WriteTick(s influx.TickSample)
	WriteLinkMetric(sessionID, owner string, difficulty, value float64, linklets int, at time.Time)
	WriteTradeMetric(sessionID, side string, amount, unitPrice float64, withLink bool, at time.Time)
	WriteEventMetric(sessionID, kind, severity string, magnitude float64, at time.Time)
	Flush()
	Health(ctx context.Context) error
	Close()
}

// Board serves counter and leaderboard reads.
type Board interface {
	Counters(ctx context.Context) (*redis.Counters, error)
	TopMinters(ctx context.Context, n int64) ([]redis.LeaderboardEntry, error)
}

// Manager coordinates all archive operations
type Manager struct {
	archive  Archive
	counters Counters
	metrics  Metrics
	board    Board
	logger   *log.Logger

	// Error handling
	circuitBreaker *circuit.Breaker
	readBreaker    *circuit.Breaker
	retryConfig    *retry.Config
}

// Config holds configuration for all database systems. A nil entry leaves
// that backend out.
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// NewManager connects every configured backend
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	var (
		archive  Archive
		counters Counters
		metrics  Metrics
		board    Board
		closers  []func()
	)
	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.Postgres != nil {
		pg, err := postgres.NewClient(cfg.Postgres)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
				"failed to connect to PostgreSQL database")
		}
		closers = append(closers, func() { _ = pg.Close() })
		if err := pg.Migrate(ctx); err != nil {
			cleanup()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_migrate",
				"failed to create archive schema")
		}
		archive = pg
	}

	if cfg.Redis != nil {
		rc, err := redis.NewClient(cfg.Redis)
		if err != nil {
			cleanup()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis database")
		}
		closers = append(closers, func() { _ = rc.Close() })
		counters = rc
		board = rc
	}

	if cfg.Influx != nil {
		ic, err := influx.NewClient(cfg.Influx)
		if err != nil {
			cleanup()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB database")
		}
		metrics = ic
		go func() {
			for werr := range ic.Errors() {
				logger.WithError(werr).Warn("InfluxDB write failed")
			}
		}()
	}

	m := NewManagerWith(archive, counters, metrics, logger)
	m.board = board
	return m, nil
}

// HasBoard reports whether counter reads are available.
func (m *Manager) HasBoard() bool {
	return m.board != nil
}

// NewManagerWith builds a manager over already connected backends; any may be nil.
func NewManagerWith(archive Archive, counters Counters, metrics Metrics, logger *log.Logger) *Manager {
	cbConfig := &circuit.Config{
		Name:            "archive",
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
	return &Manager{
		archive:        archive,
		counters:       counters,
		metrics:        metrics,
		logger:         logger.WithComponent("database"),
		circuitBreaker: circuit.New(cbConfig),
		readBreaker:    circuit.New(&circuit.Config{Name: "board", MaxFailures: 5, SuccessRequired: 1, Timeout: 5 * time.Second, ResetTimeout: 15 * time.Second}),
		retryConfig:    retry.ArchiveConfig(),
	}
}

// Counters reads the live counters.
func (m *Manager) Counters(ctx context.Context) (*redis.Counters, error) {
	if m.board == nil {
		return nil, errors.New(errors.ErrorTypeDatabase, "read_counters", "redis not configured")
	}
	return circuit.ExecuteWithResult(ctx, m.readBreaker, func() (*redis.Counters, error) {
		return retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*redis.Counters, error) {
			return m.board.Counters(ctx)
		})
	})
}

// TopMinters reads the n leading owners of the minting leaderboard.
func (m *Manager) TopMinters(ctx context.Context, n int64) ([]redis.LeaderboardEntry, error) {
	if m.board == nil {
		return nil, errors.New(errors.ErrorTypeDatabase, "read_leaderboard", "redis not configured")
	}
	return circuit.ExecuteWithResult(ctx, m.readBreaker, func() ([]redis.LeaderboardEntry, error) {
		return retry.DoWithResult(ctx, retry.DefaultConfig(), func() ([]redis.LeaderboardEntry, error) {
			return m.board.TopMinters(ctx, n)
		})
	})
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if m.archive != nil {
		if err := m.archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
		}
	}
	if m.counters != nil {
		if err := m.counters.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}
	if m.metrics != nil {
		m.metrics.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}
	return nil
}

// Health checks every configured backend concurrently
func (m *Manager) Health(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if m.archive != nil {
		g.Go(func() error {
			if err := m.archive.Health(gctx); err != nil {
				return fmt.Errorf("PostgreSQL health check failed: %w", err)
			}
			return nil
		})
	}
	if m.counters != nil {
		g.Go(func() error {
			if err := m.counters.Health(gctx); err != nil {
				return fmt.Errorf("redis health check failed: %w", err)
			}
			return nil
		})
	}
	if m.metrics != nil {
		g.Go(func() error {
			if err := m.metrics.Health(gctx); err != nil {
				return fmt.Errorf("InfluxDB health check failed: %w", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// RecordEntries archives a batch of feed entries. The Postgres write is
// critical and retried; counters and metrics are best effort.
func (m *Manager) RecordEntries(ctx context.Context, sessionID uuid.UUID, entries []ledger.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	if m.archive != nil {
		err := m.circuitBreaker.Execute(ctx, func() error {
			return retry.Do(ctx, m.retryConfig, func() error {
				if err := m.archive.Archive(ctx, sessionID, entries); err != nil {
					se := errors.Wrap(err, errors.ErrorTypeDatabase, "archive_entries",
						"failed to store entries in PostgreSQL").
						WithContext("first_seq", entries[0].Seq).
						WithContext("entries", len(entries))
					se.Retryable = true
					return se
				}
				return nil
			})
		})
		if err != nil {
			return err
		}
	}

	sid := sessionID.String()
	for _, e := range entries {
		m.recordMetrics(sid, e)
		if err := m.recordCounters(ctx, e); err != nil {
			m.logger.WithError(err).Warn("Counter update failed (non-critical)", "seq", e.Seq)
		}
	}
	return nil
}

func (m *Manager) recordMetrics(sessionID string, e ledger.Entry) {
	if m.metrics == nil {
		return
	}
	switch {
	case e.Link != nil:
		l := e.Link
		m.metrics.WriteLinkMetric(sessionID, l.Owner, l.Difficulty, l.MintedValue.InexactFloat64(), len(l.Linklets), l.CreatedAt)
	case e.Trade != nil:
		t := e.Trade
		m.metrics.WriteTradeMetric(sessionID, string(t.Side), t.Amount.InexactFloat64(), t.UnitPrice.InexactFloat64(), t.LinkID != "", t.Timestamp)
	case e.Event != nil:
		ev := e.Event
		m.metrics.WriteEventMetric(sessionID, string(ev.Kind), string(ev.Severity), ev.Magnitude, ev.Timestamp)
	}
}

func (m *Manager) recordCounters(ctx context.Context, e ledger.Entry) error {
	if m.counters == nil {
		return nil
	}
	switch {
	case e.Link != nil:
		return m.counters.RecordMint(ctx, e.Link.Owner, e.Link.MintedValue.InexactFloat64())
	case e.Trade != nil:
		return m.counters.RecordTrade(ctx, string(e.Trade.Side))
	case e.Event != nil:
		return m.counters.RecordEvent(ctx, string(e.Event.Kind))
	}
	return nil
}

// RecordSnapshot writes a tick sample and caches the snapshot. Both are best effort.
func (m *Manager) RecordSnapshot(ctx context.Context, snap *session.Snapshot) {
	sid := snap.SessionID.String()
	if m.metrics != nil {
		m.metrics.WriteTick(influx.TickSample{
			SessionID: sid,
			Tick:      snap.Tick,
			Price:     snap.Quote.Price,
			Bid:       snap.Quote.Bid,
			Ask:       snap.Quote.Ask,
			Rate:      snap.Rate,
			Upkeep:    snap.Upkeep,
			Credits:   snap.Wallet.Credits.InexactFloat64(),
			Chain:     snap.Wallet.Chain.InexactFloat64(),
			Links:     snap.Links,
			At:        snap.TakenAt,
		})
	}
	if m.counters != nil {
		if err := m.counters.SetSnapshot(ctx, sid, snap, time.Hour); err != nil {
			m.logger.WithError(err).Warn("Snapshot cache failed (non-critical)", "tick", snap.Tick)
		}
	}
}

// StartPeriodicTasks samples the session and flushes metrics until ctx is done.
func (m *Manager) StartPeriodicTasks(ctx context.Context, snapshots func() *session.Snapshot, every time.Duration) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()

		var last uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap := snapshots()
				if snap == nil || (snap.Tick == last && last != 0) {
					continue
				}
				last = snap.Tick
				m.RecordSnapshot(ctx, snap)
				if m.metrics != nil {
					m.metrics.Flush()
				}
			}
		}
	}()
}

// Sink adapts the manager to feed.Sink for one session.
func (m *Manager) Sink(sessionID uuid.UUID) *Sink {
	return &Sink{m: m, sessionID: sessionID}
}

// Sink archives the feed of one session.
type Sink struct {
	m         *Manager
	sessionID uuid.UUID
}

// Name implements feed.Sink.
func (s *Sink) Name() string { return "archive" }

// Write implements feed.Sink.
func (s *Sink) Write(ctx context.Context, entries []ledger.Entry) error {
	return s.m.RecordEntries(ctx, s.sessionID, entries)
}

// Close implements feed.Sink.
func (s *Sink) Close() error { return s.m.Close() }
