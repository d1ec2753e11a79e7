package session

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bardlex/blockgrave/internal/bank"
	"github.com/bardlex/blockgrave/internal/events"
	"github.com/bardlex/blockgrave/internal/identifier"
	"github.com/bardlex/blockgrave/internal/ledger"
	"github.com/bardlex/blockgrave/internal/market"
	"github.com/bardlex/blockgrave/internal/mining"
	"github.com/bardlex/blockgrave/internal/upgrade"
	"github.com/bardlex/blockgrave/pkg/errors"
)

// TickReport summarizes one tick.
type TickReport struct {
	Tick         uint64           `json:"tick"`
	Price        float64          `json:"price"`
	Rate         float64          `json:"rate"`
	Solved       []int            `json:"solved,omitempty"`
	Payout       decimal.Decimal  `json:"payout"`
	Minted       *ledger.Link     `json:"minted,omitempty"`
	Event        *events.Event    `json:"event,omitempty"`
	Expired      []market.Effect  `json:"expired,omitempty"`
	EndedRentals []upgrade.Rental `json:"ended_rentals,omitempty"`
	Charged      decimal.Decimal  `json:"charged"`
	Rollover     bool             `json:"rollover"`
}

// Step runs one tick of dt ending at now: rollover and charges first, then
// Mining, Event, Market and Ledger in that order. It never does I/O.
func (s *Session) Step(now time.Time, dt time.Duration) TickReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	rep := TickReport{Tick: s.tick + 1}

	if s.account.Rollover(s.params.dayOf(now)) {
		rep.Rollover = true
		s.logger.Info("Daily purchase caps reset", "day", s.account.LastResetDay())
	}
	rep.EndedRentals = s.account.ExpireRentals(now)
	rep.Charged = s.charge(now, dt)

	// Mining
	rep.Rate = s.rate(now)
	var fact *mining.LinkCompleted
	if s.miner.State() == mining.StateSelected || s.miner.State() == mining.StateInProgress {
		res, err := s.miner.Advance(rep.Rate, dt, now)
		if err != nil {
			s.logger.WithError(err).Error("Mining advance failed", "tick", rep.Tick)
		}
		rep.Solved = res.Solved
		fact = res.Completed
	}

	var mined, nudge float64
	var payout decimal.Decimal
	if fact != nil {
		payout = toDecimal(fact.Payout * s.market.PayoutMultiplier())
		rep.Payout = payout
		mined = payout.InexactFloat64()
		nudge += s.market.CompletionNudge(fact.Impact, fact.Payout)
	}

	// Event
	var ev *events.Event
	if fact != nil {
		if rolled, ok := s.events.Roll(s.rng, *fact, s.market.Trend(), rep.Tick); ok {
			ev = &rolled
			nudge += s.market.ApplyEvent(rolled)
		}
	}

	// Market
	if fact != nil {
		s.market.AddSupply(1)
	}
	step := s.market.Tick(s.rng, dt.Seconds(), mined, s.netflow, nudge)
	s.netflow = 0
	s.tick = step.Tick
	rep.Tick = step.Tick
	rep.Price = step.Price
	rep.Expired = step.Expired
	for _, eff := range step.Expired {
		s.logger.Info("Market effect expired", "kind", string(eff.Kind), "tick", step.Tick)
	}

	// Ledger
	if fact != nil {
		id := s.codec.Encode(s.rng, identifier.Score(fact.Difficulty), fact.LinkletCount)
		link := s.ledger.Mint(*fact, id, s.params.Owner, payout, step.Tick)
		rep.Minted = &link
		// Credits cannot fail on a non-negative payout.
		_ = s.wallet.Credit(bank.Credits, payout)
		s.miner.Clear()
		s.logger.LogLinkMinted(link.ID.String(), link.Seq, link.Difficulty, payout.InexactFloat64(), link.HeaderHash.String())
	}
	if ev != nil {
		s.ledger.RecordEvent(*ev)
		rep.Event = ev
		s.logger.LogMarketEvent(string(ev.Kind), string(ev.Severity), ev.Magnitude, ev.Tick)
	}

	// The rate can drop within a tick when charge cancels a rental.
	rate := s.rate(now)
	if fact != nil || rep.Rollover || len(rep.EndedRentals) > 0 || (rate > 0 && !s.model.Covered(s.pool, rate)) {
		s.pool = s.model.EnsurePool(s.rng, s.pool, rate)
	}

	s.logger.LogTick(rep.Tick, rep.Price, rep.Rate, len(rep.Solved))
	s.publish(now)
	return rep
}

// charge drains upkeep and rental costs for dt. Rentals the wallet can no
// longer pay for are cancelled.
func (s *Session) charge(now time.Time, dt time.Duration) decimal.Decimal {
	secs := dt.Seconds()
	upkeep := s.account.Upkeep() * secs
	rental := s.account.RentalCost(now) * s.market.RentalMultiplier() * secs
	due := toDecimal(upkeep + rental)
	if !due.IsPositive() {
		return decimal.Zero
	}
	taken := s.wallet.Drain(bank.Credits, due)
	if taken.LessThan(due) && rental > 0 {
		for _, r := range s.account.CancelRentals() {
			s.logger.Warn("Rental cancelled for lack of credits", "tier", r.Tier, "units", r.Units)
		}
	}
	return taken
}

// Run ticks every TickPeriod until ctx is done. The in-flight tick always
// completes; the feed is then flushed and a final snapshot saved.
func (s *Session) Run(ctx context.Context) error {
	period := s.params.TickPeriod
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	s.logger.Info("Simulation clock started", "tick_period", period.String())

	for {
		select {
		case <-ctx.Done():
			return s.stop()
		case <-ticker.C:
			rep := s.Step(s.now(), period)
			if err := s.FlushFeed(ctx); err != nil && ctx.Err() == nil {
				s.logger.WithError(err).Error("Feed publish failed", "tick", rep.Tick)
			}
			if s.params.SaveEvery > 0 && rep.Tick%s.params.SaveEvery == 0 {
				if err := s.Save(ctx); err != nil && ctx.Err() == nil {
					s.logger.WithError(err).Warn("Snapshot save failed", "tick", rep.Tick)
				}
			}
		}
	}
}

func (s *Session) stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if err := s.FlushFeed(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.Save(ctx); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info("Simulation clock stopped", "tick", s.Snapshot().Tick)
	if len(errs) > 0 {
		return errors.Wrap(errs[0], errors.ErrorTypeInternal, "stop_session", "shutdown flush failed").
			WithContext("errors", len(errs))
	}
	return nil
}
