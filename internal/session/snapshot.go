package session

import (
	"math/rand/v2"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/bardlex/blockgrave/internal/bank"
	"github.com/bardlex/blockgrave/internal/difficulty"
	"github.com/bardlex/blockgrave/internal/ledger"
	"github.com/bardlex/blockgrave/internal/market"
	"github.com/bardlex/blockgrave/internal/mining"
	"github.com/bardlex/blockgrave/internal/upgrade"
	"github.com/bardlex/blockgrave/pkg/errors"
	"github.com/bardlex/blockgrave/pkg/log"
)

// SnapshotVersion is bumped when the snapshot layout changes incompatibly.
const SnapshotVersion = 1

// Snapshot is the exported, resumable session state.
type Snapshot struct {
	Version   int                  `json:"version"`
	SessionID uuid.UUID            `json:"session_id"`
	Tick      uint64               `json:"tick"`
	Day       int64                `json:"day"`
	TakenAt   time.Time            `json:"taken_at"`
	Rate      float64              `json:"rate"`
	Upkeep    float64              `json:"upkeep"`
	Market    market.State         `json:"market"`
	Quote     market.Quote         `json:"quote"`
	Account   upgrade.AccountState `json:"account"`
	Wallet    bank.Wallet          `json:"wallet"`
	ActiveJob *mining.Active       `json:"active_job,omitempty"`
	Pool      []difficulty.Job     `json:"pool"`
	LedgerTip ledger.Hash          `json:"ledger_tip"`
	LedgerSeq uint64               `json:"ledger_seq"`
	Links     int                  `json:"links"`
	NetFlow   float64              `json:"net_flow"`
	RNG       []byte               `json:"rng"`
}

// publish builds and stores a new snapshot. Callers hold the writer lock.
func (s *Session) publish(now time.Time) {
	rngState, err := s.pcg.MarshalBinary()
	if err != nil {
		s.logger.WithError(err).Error("Failed to capture rng state")
	}
	pool := make([]difficulty.Job, len(s.pool))
	for i, j := range s.pool {
		pool[i] = j.Clone()
	}
	snap := &Snapshot{
		Version:   SnapshotVersion,
		SessionID: s.id,
		Tick:      s.tick,
		Day:       s.account.LastResetDay(),
		TakenAt:   now,
		Rate:      s.rate(now),
		Upkeep:    s.account.Upkeep(),
		Market:    s.market.Snapshot(),
		Quote:     s.market.Quote(),
		Account:   s.account.State(),
		Wallet:    s.wallet,
		Pool:      pool,
		LedgerTip: s.ledger.Tip(),
		LedgerSeq: s.ledger.Seq(),
		Links:     s.ledger.LinkCount(),
		NetFlow:   s.netflow,
		RNG:       rngState,
	}
	if active, ok := s.miner.Snapshot(); ok {
		snap.ActiveJob = &active
	}
	s.snapshot.Store(snap)
}

// Restore resumes a session from a snapshot and the full ledger append
// sequence. The ledger is replayed first; a corrupt or mismatched ledger is
// a LedgerCorruption error and the session does not start.
func Restore(params Params, snap *Snapshot, entries []ledger.Entry, logger *log.Logger, opts ...Option) (*Session, error) {
	if snap == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "restore_session", "snapshot is nil")
	}
	if snap.Version != SnapshotVersion {
		return nil, errors.New(errors.ErrorTypeValidation, "restore_session", "unsupported snapshot version").
			WithContext("version", snap.Version)
	}
	c, err := buildComponents(params)
	if err != nil {
		return nil, err
	}

	led, err := ledger.Replay(entries, params.Bank.Tolerance)
	if err != nil {
		return nil, err
	}
	switch {
	case led.Seq() < snap.LedgerSeq:
		return nil, errors.Wrap(errors.ErrLedgerCorruption, errors.ErrorTypeLedger, "restore_session",
			"ledger is shorter than the snapshot").
			WithContext("ledger_seq", led.Seq()).
			WithContext("snapshot_seq", snap.LedgerSeq)
	case led.Seq() == snap.LedgerSeq && led.Tip() != snap.LedgerTip:
		return nil, errors.Wrap(errors.ErrLedgerCorruption, errors.ErrorTypeLedger, "restore_session",
			"ledger tip does not match the snapshot").
			WithContext("ledger_tip", led.Tip().String()).
			WithContext("snapshot_tip", snap.LedgerTip.String())
	}

	mkt, err := market.Restore(params.Market, snap.Market)
	if err != nil {
		return nil, err
	}
	account, err := upgrade.RestoreAccount(c.catalog, snap.Account)
	if err != nil {
		return nil, err
	}
	if snap.Wallet.Credits.IsNegative() || snap.Wallet.Chain.IsNegative() {
		return nil, errors.New(errors.ErrorTypeValidation, "restore_session", "snapshot wallet is negative")
	}

	pcg := rand.NewPCG(0, 0)
	if err := pcg.UnmarshalBinary(snap.RNG); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "restore_session", "invalid rng state")
	}

	s := &Session{
		id:        snap.SessionID,
		params:    params,
		logger:    logger.WithComponent("session"),
		now:       time.Now,
		pcg:       pcg,
		rng:       rand.New(pcg),
		model:     c.model,
		codec:     c.codec,
		account:   account,
		desk:      c.desk,
		wallet:    snap.Wallet,
		miner:     mining.NewEngine(),
		events:    c.events,
		market:    mkt,
		ledger:    led,
		pool:      slices.Clone(snap.Pool),
		tick:      snap.Tick,
		netflow:   snap.NetFlow,
		published: led.Seq(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if snap.ActiveJob != nil {
		s.miner.Restore(*snap.ActiveJob)
	}
	if led.Seq() > snap.LedgerSeq {
		s.logger.Warn("Ledger is ahead of the snapshot; balances reflect the snapshot",
			"ledger_seq", led.Seq(),
			"snapshot_seq", snap.LedgerSeq,
		)
	}

	s.mu.Lock()
	s.pool = s.model.EnsurePool(s.rng, s.pool, s.rate(s.now()))
	s.publish(s.now())
	s.mu.Unlock()

	s.logger.Info("Session restored",
		"session_id", s.id.String(),
		"tick", s.tick,
		"links", led.LinkCount(),
		"ledger_tip", led.Tip().String(),
	)
	return s, nil
}
