package session

import (
	"github.com/shopspring/decimal"

	"github.com/bardlex/blockgrave/internal/bank"
	"github.com/bardlex/blockgrave/internal/difficulty"
	"github.com/bardlex/blockgrave/internal/ids"
	"github.com/bardlex/blockgrave/internal/ledger"
	"github.com/bardlex/blockgrave/internal/market"
	"github.com/bardlex/blockgrave/internal/upgrade"
	"github.com/bardlex/blockgrave/pkg/errors"
)

// Selection is the result of SelectJob.
type Selection struct {
	Job       difficulty.Job  `json:"job"`
	Estimated float64         `json:"estimated_seconds"`
	Returned  *difficulty.Job `json:"returned,omitempty"`
}

// SelectJob makes a pooled job active. An unfinished active job goes back
// to the pool with its progress.
func (s *Session) SelectJob(jobID string) (Selection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	idx := -1
	for i, j := range s.pool {
		if j.ID == jobID {
			idx = i
			break
		}
	}
	if idx < 0 {
		err := errors.Economy(errors.ErrUnknownJob, "select_job", "job not in pool").
			WithContext("job_id", jobID)
		s.logger.LogCommand("job.select", "rejected", err)
		return Selection{}, err
	}

	job := s.pool[idx]
	s.pool = append(s.pool[:idx:idx], s.pool[idx+1:]...)

	var sel Selection
	if active, ok := s.miner.Snapshot(); ok && active.Job.Solved() < len(active.Job.Linklets) {
		returned := active.Job
		s.pool = append([]difficulty.Job{returned}, s.pool...)
		sel.Returned = &returned
	}
	s.miner.Select(job, now)
	s.pool = s.model.EnsurePool(s.rng, s.pool, s.rate(now))

	sel.Job = job.Clone()
	sel.Estimated = job.EstimatedTime(s.rate(now)).Seconds()
	s.logger.WithJob(job.ID, job.Difficulty).Info("Job selected", "linklets", len(job.Linklets))
	s.publish(now)
	return sel, nil
}

// RefreshJobs discards the pool and draws a new one.
func (s *Session) RefreshJobs() []difficulty.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	s.pool = s.model.EnsurePool(s.rng, nil, s.rate(now))
	out := make([]difficulty.Job, len(s.pool))
	for i, j := range s.pool {
		out[i] = j.Clone()
	}
	s.logger.LogCommand("job.refresh", "ok", nil)
	s.publish(now)
	return out
}

// PurchaseUpgrade buys one unit of tier with credits.
func (s *Session) PurchaseUpgrade(tier string) (upgrade.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	receipt, err := s.account.Purchase(tier, s.wallet.Credits)
	if err != nil {
		s.logger.WithTier(tier, s.account.Owned(tier)).LogCommand("upgrade.purchase", "rejected", err)
		return upgrade.Receipt{}, err
	}
	if err := s.wallet.Debit(bank.Credits, receipt.Price); err != nil {
		// Purchase already checked the balance.
		return upgrade.Receipt{}, errors.Wrap(err, errors.ErrorTypeInternal, "purchase_upgrade", "debit after purchase failed")
	}
	s.logger.WithTier(tier, receipt.Owned).Info("Upgrade purchased",
		"price", receipt.Price.String(),
		"purchased_today", receipt.PurchasedToday,
	)
	s.pool = s.model.EnsurePool(s.rng, s.pool, s.rate(now))
	s.publish(now)
	return receipt, nil
}

// TradeRequest is a player exchange order. LinkID optionally transfers a
// minted link with the trade.
type TradeRequest struct {
	Side   market.Side     `json:"side"`
	Amount decimal.Decimal `json:"amount"`
	LinkID string          `json:"link_id,omitempty"`
}

// SubmitTrade executes an exchange at the current quote and records it.
// Nothing changes unless both the wallet and the ledger accept it.
func (s *Session) SubmitTrade(req TradeRequest) (ledger.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	q := s.market.Quote()

	wallet := s.wallet
	settled, err := s.desk.Execute(&wallet, req.Side, req.Amount, q)
	if err != nil {
		s.logger.LogCommand("trade.submit", "rejected", err)
		return ledger.Trade{}, err
	}

	seller, buyer := ledger.Exchange, s.params.Owner
	if req.Side == market.SideSell {
		seller, buyer = s.params.Owner, ledger.Exchange
	}
	// A rejected trade must not advance the random stream.
	rngState, _ := s.pcg.MarshalBinary()
	trade, err := s.ledger.RecordTrade(ledger.Trade{
		ID:           ids.New(s.rng),
		LinkID:       req.LinkID,
		Tick:         s.tick,
		Timestamp:    now,
		Side:         req.Side,
		Amount:       settled.Amount,
		Seller:       seller,
		Buyer:        buyer,
		UnitPrice:    settled.UnitPrice,
		PriceCredits: settled.Credits,
		PriceChain:   settled.Amount,
	}, q)
	if err != nil {
		_ = s.pcg.UnmarshalBinary(rngState)
		s.logger.LogCommand("trade.submit", "rejected", err)
		return ledger.Trade{}, err
	}

	s.wallet = wallet
	if req.Side == market.SideBuy {
		s.netflow += settled.Amount.InexactFloat64()
	} else {
		s.netflow -= settled.Amount.InexactFloat64()
	}
	logger := s.logger
	if link, ok := s.ledger.Link(trade.LinkID); ok {
		logger = logger.WithLink(link.ID.String(), link.Seq)
	}
	logger.LogTrade(trade.ID.String(), string(trade.Side), trade.Amount.InexactFloat64(), trade.UnitPrice.InexactFloat64())
	s.publish(now)
	return trade, nil
}

// ToggleRental starts or cancels a rental on tier.
func (s *Session) ToggleRental(tier string, terms upgrade.Terms) (upgrade.RentalToggle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	res, err := s.account.ToggleRental(tier, terms, now)
	if err != nil {
		s.logger.LogCommand("rental.toggle", "rejected", err)
		return upgrade.RentalToggle{}, err
	}
	s.logger.WithTier(tier, s.account.Owned(tier)).Info("Rental toggled",
		"active", res.Active,
		"units", res.Rental.Units,
	)
	s.pool = s.model.EnsurePool(s.rng, s.pool, s.rate(now))
	s.publish(now)
	return res, nil
}
