// Package main implements blockgraved, the BLOCKGRAVE simulation daemon.
// It owns one session, serves the control protocol and the read API, and
// fans the ledger feed out to the local log, Kafka, ZeroMQ and the archive.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bardlex/blockgrave/internal/api"
	"github.com/bardlex/blockgrave/internal/api/handlers"
	"github.com/bardlex/blockgrave/internal/config"
	"github.com/bardlex/blockgrave/internal/control"
	"github.com/bardlex/blockgrave/internal/database"
	"github.com/bardlex/blockgrave/internal/database/influx"
	"github.com/bardlex/blockgrave/internal/database/postgres"
	"github.com/bardlex/blockgrave/internal/database/redis"
	"github.com/bardlex/blockgrave/internal/database/store"
	"github.com/bardlex/blockgrave/internal/feed"
	"github.com/bardlex/blockgrave/internal/messaging"
	"github.com/bardlex/blockgrave/internal/notify"
	"github.com/bardlex/blockgrave/internal/session"
	bgerrors "github.com/bardlex/blockgrave/pkg/errors"
	"github.com/bardlex/blockgrave/pkg/log"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting blockgraved",
		"version", cfg.Version,
		"control_addr", cfg.ControlAddress(),
		"http_addr", cfg.HTTPAddr,
		"data_dir", cfg.DataDir,
	)

	params, err := config.LoadEconomics(cfg.EconomicsFile)
	if err != nil {
		logger.WithError(err).Error("failed to load economics")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	daemon, err := NewDaemon(ctx, cfg, params, logger)
	if err != nil {
		logger.WithError(err).Error("failed to start daemon")
		os.Exit(1)
	}

	if err := daemon.Run(ctx); err != nil {
		logger.WithError(err).Error("daemon failed")
		os.Exit(1)
	}
	logger.Info("blockgraved stopped")
}

// Daemon wires one session to its feed sinks and network surfaces
type Daemon struct {
	cfg    *config.Config
	logger *log.Logger

	store      *store.Store
	session    *session.Session
	dispatcher *feed.Dispatcher
	db         *database.Manager

	control    *control.Server
	controlLn  net.Listener
	httpServer *http.Server
	httpLn     net.Listener
}

// NewDaemon opens the local store, restores or starts the session and binds
// both listeners. Nothing runs until Run.
func NewDaemon(ctx context.Context, cfg *config.Config, params session.Params, logger *log.Logger) (*Daemon, error) {
	d := &Daemon{cfg: cfg, logger: logger.WithComponent("daemon")}

	st, err := store.Open(cfg.DataDir, store.Options{}, logger)
	if err != nil {
		return nil, err
	}
	d.store = st

	snap, found, err := st.LoadSnapshot()
	if err != nil {
		d.closeEarly()
		return nil, err
	}
	id := uuid.New()
	if found {
		id = snap.SessionID
	} else if st.LastSeq() > 0 {
		d.closeEarly()
		return nil, bgerrors.Wrap(bgerrors.ErrLedgerCorruption, bgerrors.ErrorTypeLedger, "open_daemon",
			"store holds feed entries but no snapshot").
			WithContext("last_seq", st.LastSeq())
	}

	hub := control.NewHub(logger)
	sinks, err := d.buildSinks(ctx, id, hub)
	if err != nil {
		d.closeEarly()
		return nil, err
	}
	d.dispatcher = feed.NewDispatcher(feed.Config{
		BufferSize: cfg.FeedBufferSize,
		BatchSize:  cfg.FeedBatchSize,
	}, logger, sinks...)

	opts := []session.Option{
		session.WithID(id),
		session.WithPublisher(feed.NewJournal(st, d.dispatcher)),
		session.WithSaver(st),
	}
	if found {
		start := time.Now()
		entries, err := st.LoadEntries()
		if err != nil {
			d.closeSinks(sinks)
			return nil, err
		}
		d.session, err = session.Restore(params, snap, entries, logger, opts...)
		if err != nil {
			d.closeSinks(sinks)
			return nil, err
		}
		logger.WithFields("entries", len(entries)).LogDuration("restore_session", time.Since(start).Nanoseconds())
	} else {
		seed := cfg.Seed
		if seed == 0 {
			seed = uint64(time.Now().UnixNano())
		}
		d.session, err = session.New(params, seed, logger, opts...)
		if err != nil {
			d.closeSinks(sinks)
			return nil, err
		}
		// A snapshot on disk marks the store as owned by this session.
		if err := d.session.Save(ctx); err != nil {
			d.closeSinks(sinks)
			return nil, err
		}
	}

	d.control = control.NewServer(control.Config{
		Addr:           cfg.ControlAddress(),
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxMessageSize: cfg.MaxMessageSize,
	}, d.session, hub, logger)

	var stats handlers.Stats
	var health handlers.HealthFunc
	if d.db != nil {
		health = d.db.Health
		if d.db.HasBoard() {
			stats = d.db
		}
	}
	d.httpServer = api.NewRouter(d.session, stats, health, logger).Server(cfg.HTTPAddr, cfg.IdleTimeout)

	if d.controlLn, err = net.Listen("tcp", cfg.ControlAddress()); err != nil {
		d.closeSinks(sinks)
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.ControlAddress(), err)
	}
	if d.httpLn, err = net.Listen("tcp", cfg.HTTPAddr); err != nil {
		_ = d.controlLn.Close()
		d.closeSinks(sinks)
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.HTTPAddr, err)
	}
	return d, nil
}

// buildSinks creates the optional feed sinks. The hub always joins so
// control clients can follow the feed.
func (d *Daemon) buildSinks(ctx context.Context, id uuid.UUID, hub *control.Hub) ([]feed.Sink, error) {
	sinks := []feed.Sink{hub}

	if d.cfg.KafkaEnabled {
		kc := messaging.NewKafkaClient(d.cfg.KafkaBrokers, d.logger)
		sinks = append(sinks, messaging.NewSink(kc, d.cfg.KafkaTopic, id.String()))
	}

	if d.cfg.ZMQEnabled {
		pub, err := notify.NewPublisher(d.cfg.ZMQPubAddr, d.logger)
		if err != nil {
			d.closeSinks(sinks)
			return nil, err
		}
		sinks = append(sinks, pub)
	}

	if d.cfg.ArchiveEnabled {
		db, err := database.NewManager(ctx, databaseConfig(d.cfg), d.logger)
		if err != nil {
			d.closeSinks(sinks)
			return nil, err
		}
		d.db = db
		sinks = append(sinks, db.Sink(id))
	}
	return sinks, nil
}

// databaseConfig enables each archive backend that has a URL.
func databaseConfig(cfg *config.Config) *database.Config {
	dbc := &database.Config{}
	if cfg.PostgresURL != "" {
		dbc.Postgres = &postgres.Config{
			URL:          cfg.PostgresURL,
			MaxOpenConns: 10,
			MaxIdleConns: 2,
			MaxLifetime:  5 * time.Minute,
		}
	}
	if cfg.RedisURL != "" {
		dbc.Redis = &redis.Config{
			URL:          cfg.RedisURL,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}
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

func (d *Daemon) closeSinks(sinks []feed.Sink) {
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			d.logger.WithError(err).Warn("failed to close sink", "sink", s.Name())
		}
	}
	d.closeEarly()
}

func (d *Daemon) closeEarly() {
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.WithError(err).Warn("failed to close store")
		}
	}
}

// Session returns the running session.
func (d *Daemon) Session() *session.Session {
	return d.session
}

// ControlAddr returns the bound control address.
func (d *Daemon) ControlAddr() string {
	return d.controlLn.Addr().String()
}

// HTTPAddr returns the bound read API address.
func (d *Daemon) HTTPAddr() string {
	return d.httpLn.Addr().String()
}

// Run serves until ctx is done, then stops the clock, drains the feed and
// closes the store.
func (d *Daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.dispatcher.Run(gctx)
	})

	g.Go(func() error {
		err := d.session.Run(gctx)

		// The final flush has reached the journal; let the sinks drain.
		cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if cerr := d.dispatcher.Close(cctx); cerr != nil && err == nil {
			err = cerr
		}
		return err
	})

	g.Go(func() error {
		err := d.control.Serve(gctx, d.controlLn)
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := d.control.Shutdown(sctx); serr != nil && err == nil {
			err = serr
		}
		return err
	})

	g.Go(func() error {
		d.logger.Info("read API listening", "address", d.httpLn.Addr().String())
		errCh := make(chan error, 1)
		go func() { errCh <- d.httpServer.Serve(d.httpLn) }()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("read API failed: %w", err)
		case <-gctx.Done():
		}
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return d.httpServer.Shutdown(sctx)
	})

	if d.db != nil {
		d.db.StartPeriodicTasks(gctx, d.session.Snapshot, time.Second)
	}

	err := g.Wait()
	if cerr := d.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
