// Package session owns the simulation state and its clock. All mutations run
// under one writer lock: ticks advance Mining, Events, Market and Ledger in
// that order, and player commands are admitted only between ticks. Readers
// get an immutable Snapshot published after every mutation.
package session

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bardlex/blockgrave/internal/bank"
	"github.com/bardlex/blockgrave/internal/difficulty"
	"github.com/bardlex/blockgrave/internal/events"
	"github.com/bardlex/blockgrave/internal/identifier"
	"github.com/bardlex/blockgrave/internal/ids"
	"github.com/bardlex/blockgrave/internal/ledger"
	"github.com/bardlex/blockgrave/internal/market"
	"github.com/bardlex/blockgrave/internal/mining"
	"github.com/bardlex/blockgrave/internal/upgrade"
	"github.com/bardlex/blockgrave/pkg/errors"
	"github.com/bardlex/blockgrave/pkg/log"
)

// Publisher receives ledger entries in sequence order.
type Publisher interface {
	Publish(ctx context.Context, entries ...ledger.Entry) error
}

// Saver persists snapshots.
type Saver interface {
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
}

// Option customizes a Session.
type Option func(*Session)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithPublisher sets the feed publisher.
func WithPublisher(p Publisher) Option {
	return func(s *Session) { s.publisher = p }
}

// WithID fixes the session identifier. Without it a new session draws one
// from its seed.
func WithID(id uuid.UUID) Option {
	return func(s *Session) { s.id = id }
}

// WithSaver sets the snapshot store.
func WithSaver(sv Saver) Option {
	return func(s *Session) { s.saver = sv }
}

// Session is the single owned simulation state.
type Session struct {
	id     uuid.UUID
	params Params
	logger *log.Logger
	now    func() time.Time

	mu      sync.RWMutex
	pcg     *rand.PCG
	rng     *rand.Rand
	model   *difficulty.Model
	codec   *identifier.Codec
	account *upgrade.Account
	desk    *bank.Desk
	wallet  bank.Wallet
	miner   *mining.Engine
	events  *events.Engine
	market  *market.Engine
	ledger  *ledger.Ledger
	pool    []difficulty.Job
	tick    uint64
	netflow float64

	snapshot atomic.Pointer[Snapshot]

	publisher Publisher
	saver     Saver
	pubMu     sync.Mutex
	published uint64
}

type components struct {
	model   *difficulty.Model
	codec   *identifier.Codec
	catalog *upgrade.Catalog
	desk    *bank.Desk
	events  *events.Engine
}

func buildComponents(p Params) (components, error) {
	var c components
	var err error
	if err = p.Validate(); err != nil {
		return c, err
	}
	if c.model, err = difficulty.NewModel(p.Difficulty); err != nil {
		return c, err
	}
	if c.codec, err = identifier.NewCodec(p.IDBodyLength); err != nil {
		return c, err
	}
	if c.catalog, err = upgrade.NewCatalog(p.Tiers); err != nil {
		return c, err
	}
	if c.desk, err = bank.NewDesk(p.Bank); err != nil {
		return c, err
	}
	if c.events, err = events.NewEngine(p.Events); err != nil {
		return c, err
	}
	return c, nil
}

// New starts a fresh session seeded with seed.
func New(params Params, seed uint64, logger *log.Logger, opts ...Option) (*Session, error) {
	c, err := buildComponents(params)
	if err != nil {
		return nil, err
	}
	mkt, err := market.NewEngine(params.Market)
	if err != nil {
		return nil, err
	}

	pcg := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	s := &Session{
		params: params,
		logger: logger.WithComponent("session"),
		now:    time.Now,
		pcg:    pcg,
		rng:    rand.New(pcg),
		model:  c.model,
		codec:  c.codec,
		desk:   c.desk,
		wallet: c.desk.OpeningWallet(),
		miner:  mining.NewEngine(),
		events: c.events,
		market: mkt,
		ledger: ledger.New(params.Bank.Tolerance),
	}
	for _, opt := range opts {
		opt(s)
	}
	if drawn := ids.New(s.rng); s.id == uuid.Nil {
		s.id = drawn
	}

	s.account = upgrade.NewAccount(c.catalog, params.dayOf(s.now()))
	if params.StartUnits > 0 {
		if err := s.account.Grant(params.StartTier, params.StartUnits); err != nil {
			return nil, err
		}
	}
	s.pool = s.model.EnsurePool(s.rng, nil, s.account.TotalRelinkRate(s.now()))
	s.publish(s.now())

	s.logger.Info("Session started",
		"session_id", s.id.String(),
		"seed", seed,
		"credits", s.wallet.Credits.String(),
		"price", mkt.Price(),
	)
	return s, nil
}

// ID identifies the session across saves.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Params returns the session tuning.
func (s *Session) Params() Params {
	return s.params
}

// Snapshot returns the last published state. Callers must not modify it.
func (s *Session) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

// Quote returns the current two-sided price.
func (s *Session) Quote() market.Quote {
	return s.Snapshot().Quote
}

// Link looks up a minted link.
func (s *Session) Link(id string) (ledger.Link, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledger.Link(id)
}

// History returns the trades of a link.
func (s *Session) History(linkID string) ([]ledger.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.ledger.Link(linkID); !ok {
		return nil, errors.Economy(errors.ErrUnknownLink, "history", "link not in ledger").
			WithContext("link_id", linkID)
	}
	return s.ledger.History(linkID), nil
}

// Links returns minted links in mint order.
func (s *Session) Links() []ledger.Link {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledger.Links()
}

// Entries returns ledger entries after seq.
func (s *Session) Entries(after uint64) []ledger.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledger.Since(after)
}

// FlushFeed publishes every ledger entry not yet handed to the publisher.
// Entries always leave in sequence order.
func (s *Session) FlushFeed(ctx context.Context) error {
	if s.publisher == nil {
		return nil
	}
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.RLock()
	pending := s.ledger.Since(s.published)
	s.mu.RUnlock()
	if len(pending) == 0 {
		return nil
	}
	if err := s.publisher.Publish(ctx, pending...); err != nil {
		return err
	}
	s.published = pending[len(pending)-1].Seq
	return nil
}

// Save writes the current snapshot through the configured saver. The feed is
// flushed first so that every entry the snapshot counts has been published.
func (s *Session) Save(ctx context.Context) error {
	if s.saver == nil {
		return nil
	}
	snap := s.Snapshot()
	if err := s.FlushFeed(ctx); err != nil {
		return err
	}
	return s.saver.SaveSnapshot(ctx, snap)
}

// rate is the relink rate at now, including rentals.
func (s *Session) rate(now time.Time) float64 {
	return s.account.TotalRelinkRate(now)
}

func toDecimal(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f).Round(bank.Scale)
}
