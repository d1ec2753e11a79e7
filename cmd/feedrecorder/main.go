// Package main implements feedrecorder, which consumes the BLOCKGRAVE feed
// from Kafka and archives it to Postgres, Redis and InfluxDB.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/bardlex/blockgrave/internal/config"
	"github.com/bardlex/blockgrave/internal/database"
	"github.com/bardlex/blockgrave/internal/database/influx"
	"github.com/bardlex/blockgrave/internal/database/postgres"
	"github.com/bardlex/blockgrave/internal/database/redis"
	"github.com/bardlex/blockgrave/internal/ledger"
	"github.com/bardlex/blockgrave/internal/messaging"
	"github.com/bardlex/blockgrave/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting feedrecorder",
		"version", cfg.Version,
		"topic", cfg.KafkaTopic,
		"group_id", cfg.KafkaGroupID,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewManager(ctx, archiveConfig(cfg), logger)
	if err != nil {
		logger.WithError(err).Error("failed to create database manager")
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Error("failed to close database manager")
		}
	}()

	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
	defer func() {
		if err := kafkaClient.Close(); err != nil {
			logger.WithError(err).Error("failed to close Kafka client")
		}
	}()

	recorder := NewRecorder(logger, db)
	started := time.Now()
	if err := kafkaClient.StartConsumer(ctx, cfg.KafkaTopic, cfg.KafkaGroupID, recorder); err != nil && ctx.Err() == nil {
		logger.WithError(err).Error("consumer failed")
		os.Exit(1)
	}

	stats := recorder.Stats()
	logger.LogThroughput("record_entries", int64(stats.Recorded), time.Since(started).Nanoseconds())
	logger.Info("feedrecorder stopped",
		"recorded", stats.Recorded,
		"duplicates", stats.Duplicates,
		"gaps", stats.Gaps,
	)
}

// archiveConfig enables each backend that has a URL.
func archiveConfig(cfg *config.Config) *database.Config {
	dbc := &database.Config{}
	if cfg.PostgresURL != "" {
		dbc.Postgres = &postgres.Config{URL: cfg.PostgresURL, MaxOpenConns: 10, MaxIdleConns: 2}
	}
	if cfg.RedisURL != "" {
		dbc.Redis = &redis.Config{URL: cfg.RedisURL, PoolSize: 10, MaxRetries: 3}
	}
	if cfg.InfluxURL != "" {
		dbc.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}
	return dbc
}

// Archiver stores feed entries.
type Archiver interface {
	RecordEntries(ctx context.Context, sessionID uuid.UUID, entries []ledger.Entry) error
}

// RecorderStats counts recorder activity
type RecorderStats struct {
	Recorded   uint64
	Duplicates uint64
	Gaps       uint64
	Rejected   uint64
}

// Recorder archives feed messages in per-session sequence order
type Recorder struct {
	logger  *log.Logger
	archive Archiver

	mu      sync.Mutex
	lastSeq map[uuid.UUID]uint64
	stats   RecorderStats
}

// NewRecorder creates a new recorder
func NewRecorder(logger *log.Logger, archive Archiver) *Recorder {
	return &Recorder{
		logger:  logger.WithComponent("feedrecorder"),
		archive: archive,
		lastSeq: make(map[uuid.UUID]uint64),
	}
}

// HandleEntry implements messaging.EntryHandler. Redelivered entries are
// skipped; an archive failure is returned so the message stays uncommitted.
func (r *Recorder) HandleEntry(ctx context.Context, msg messaging.FeedMessage) error {
	sessionID, err := uuid.Parse(msg.SessionID)
	if err != nil {
		r.logger.WithError(err).Warn("dropping entry with invalid session id",
			"session_id", msg.SessionID, "seq", msg.Entry.Seq)
		r.mu.Lock()
		r.stats.Rejected++
		r.mu.Unlock()
		return nil
	}

	r.mu.Lock()
	last, seen := r.lastSeq[sessionID]
	r.mu.Unlock()

	seq := msg.Entry.Seq
	if seen && seq <= last {
		r.mu.Lock()
		r.stats.Duplicates++
		r.mu.Unlock()
		r.logger.Debug("skipping redelivered entry", "session_id", msg.SessionID, "seq", seq)
		return nil
	}
	if seen && seq > last+1 {
		r.mu.Lock()
		r.stats.Gaps++
		r.mu.Unlock()
		r.logger.Warn("gap in feed",
			"session_id", msg.SessionID,
			"last_seq", last,
			"seq", seq,
			"partition", msg.Partition,
			"offset", msg.Offset,
		)
	}

	if err := r.archive.RecordEntries(ctx, sessionID, []ledger.Entry{msg.Entry}); err != nil {
		return err
	}

	r.mu.Lock()
	r.lastSeq[sessionID] = seq
	r.stats.Recorded++
	r.mu.Unlock()
	return nil
}

// Stats returns a copy of the counters.
func (r *Recorder) Stats() RecorderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
