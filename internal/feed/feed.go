// Package feed fans ledger entries out to sinks. Each sink gets its own
// buffered queue and worker so that a slow sink never reorders or blocks
// another; Publish applies back-pressure only when a queue is full. Every
// lane remembers the last sequence it accepted, so republishing after a
// partial Publish never hands a sink the same entry twice.
package feed

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bardlex/blockgrave/internal/ledger"
	"github.com/bardlex/blockgrave/pkg/errors"
	"github.com/bardlex/blockgrave/pkg/log"
)

// Sink receives ordered batches of entries.
type Sink interface {
	Name() string
	Write(ctx context.Context, entries []ledger.Entry) error
	Close() error
}

// Config tunes the dispatcher.
type Config struct {
	BufferSize int
	BatchSize  int
	// FlushTimeout bounds the drain on Close.
	FlushTimeout time.Duration
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{BufferSize: 1024, BatchSize: 64, FlushTimeout: 10 * time.Second}
}

type lane struct {
	sink  Sink
	queue chan ledger.Entry
	// last is the highest seq enqueued, guarded by pubMu.
	last uint64
}

// Stats counts dispatcher activity per sink.
type Stats struct {
	Published uint64            `json:"published"`
	Written   map[string]uint64 `json:"written"`
	Failed    map[string]uint64 `json:"failed"`
}

// Dispatcher delivers entries to sinks asynchronously.
type Dispatcher struct {
	cfg    Config
	logger *log.Logger
	lanes  []*lane

	// pubMu orders publishers against Close.
	pubMu   sync.Mutex
	closed  bool
	started bool

	mu    sync.Mutex
	stats Stats
	err   error
	done  chan struct{}
}

// NewDispatcher creates a dispatcher over sinks. Call Run to start delivery.
func NewDispatcher(cfg Config, logger *log.Logger, sinks ...Sink) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultConfig().FlushTimeout
	}
	d := &Dispatcher{
		cfg:    cfg,
		logger: logger.WithComponent("feed"),
		done:   make(chan struct{}),
		stats: Stats{
			Written: make(map[string]uint64),
			Failed:  make(map[string]uint64),
		},
	}
	for _, s := range sinks {
		d.lanes = append(d.lanes, &lane{sink: s, queue: make(chan ledger.Entry, cfg.BufferSize)})
	}
	return d
}

// Run delivers entries until Close drains every queue. Sink write errors are
// logged and counted; they do not stop delivery.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.pubMu.Lock()
	if d.started {
		d.pubMu.Unlock()
		return errors.New(errors.ErrorTypeInternal, "run_feed", "dispatcher already running")
	}
	d.started = true
	d.pubMu.Unlock()

	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	for _, ln := range d.lanes {
		g.Go(func() error {
			d.drain(gctx, ln)
			return nil
		})
	}
	err := g.Wait()

	var closeErrs []error
	for _, ln := range d.lanes {
		if cerr := ln.sink.Close(); cerr != nil {
			closeErrs = append(closeErrs, cerr)
			d.logger.WithError(cerr).Warn("Sink close failed", "sink", ln.sink.Name())
		}
	}
	if err == nil && len(closeErrs) > 0 {
		err = errors.New(errors.ErrorTypeInternal, "close_sinks", "sink close failed").
			WithContext("errors", len(closeErrs))
	}

	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
	close(d.done)
	return err
}

func (d *Dispatcher) drain(ctx context.Context, ln *lane) {
	batch := make([]ledger.Entry, 0, d.cfg.BatchSize)
	for e := range ln.queue {
		batch = append(batch, e)
	fill:
		for len(batch) < d.cfg.BatchSize {
			select {
			case next, ok := <-ln.queue:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		d.write(ctx, ln.sink, batch)
		batch = batch[:0]
	}
}

func (d *Dispatcher) write(ctx context.Context, s Sink, batch []ledger.Entry) {
	wctx, cancel := context.WithTimeout(ctx, d.cfg.FlushTimeout)
	defer cancel()

	err := s.Write(wctx, batch)

	d.mu.Lock()
	if err != nil {
		d.stats.Failed[s.Name()] += uint64(len(batch))
	} else {
		d.stats.Written[s.Name()] += uint64(len(batch))
	}
	d.mu.Unlock()

	if err != nil {
		d.logger.WithError(err).Error("Feed sink write failed",
			"sink", s.Name(),
			"first_seq", batch[0].Seq,
			"entries", len(batch),
		)
	}
}

// Publish enqueues entries on every sink, in order. It blocks while a queue
// is full and gives up when ctx is done; entries a lane already accepted are
// skipped on the next call.
func (d *Dispatcher) Publish(ctx context.Context, entries ...ledger.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	d.pubMu.Lock()
	defer d.pubMu.Unlock()
	if d.closed {
		return errors.New(errors.ErrorTypeInternal, "publish_feed", "dispatcher closed")
	}
	for _, e := range entries {
		fresh := false
		for _, ln := range d.lanes {
			if e.Seq <= ln.last {
				continue
			}
			select {
			case ln.queue <- e:
				ln.last = e.Seq
				fresh = true
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "publish_feed", "feed queue full").
					WithContext("sink", ln.sink.Name()).
					WithContext("seq", e.Seq)
			}
		}
		if fresh {
			d.mu.Lock()
			d.stats.Published++
			d.mu.Unlock()
		}
	}
	return nil
}

// Close stops accepting entries and waits for the queues to drain, up to
// ctx. Run returns once draining finishes.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.pubMu.Lock()
	if d.closed {
		d.pubMu.Unlock()
		return nil
	}
	d.closed = true
	started := d.started
	for _, ln := range d.lanes {
		close(ln.queue)
	}
	d.pubMu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-d.done:
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.err
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "close_feed", "feed did not drain")
	}
}

// Stats returns a copy of the counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Stats{
		Published: d.stats.Published,
		Written:   make(map[string]uint64, len(d.stats.Written)),
		Failed:    make(map[string]uint64, len(d.stats.Failed)),
	}
	for k, v := range d.stats.Written {
		s.Written[k] = v
	}
	for k, v := range d.stats.Failed {
		s.Failed[k] = v
	}
	return s
}
