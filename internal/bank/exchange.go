package bank

import (
	"slices"

	"github.com/shopspring/decimal"

	"github.com/bardlex/blockgrave/internal/market"
	"github.com/bardlex/blockgrave/pkg/errors"
)

// Params tunes the exchange desk.
type Params struct {
	// Tolerance absorbs float rounding when comparing balances and prices.
	Tolerance float64 `yaml:"tolerance" json:"tolerance"`
	// TradeSizes lists the accepted Chain amounts; empty accepts any
	// positive amount.
	TradeSizes []float64 `yaml:"trade_sizes" json:"trade_sizes"`
	StartCredits float64 `yaml:"start_credits" json:"start_credits"`
	StartChain   float64 `yaml:"start_chain" json:"start_chain"`
}

// DefaultParams returns the shipped desk.
func DefaultParams() Params {
	return Params{
		Tolerance:    1e-6,
		TradeSizes:   []float64{1, 5},
		StartCredits: 100,
	}
}

// Settlement is a completed exchange.
type Settlement struct {
	Side      market.Side     `json:"side"`
	Amount    decimal.Decimal `json:"amount"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Credits   decimal.Decimal `json:"credits"`
	Quote     market.Quote    `json:"quote"`
}

// Desk settles trades between the wallet and the market.
type Desk struct {
	params    Params
	tolerance decimal.Decimal
}

// NewDesk validates params.
func NewDesk(params Params) (*Desk, error) {
	if params.Tolerance < 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "new_desk", "tolerance must be non-negative")
	}
	for _, s := range params.TradeSizes {
		if s <= 0 {
			return nil, errors.New(errors.ErrorTypeValidation, "new_desk", "trade sizes must be positive")
		}
	}
	if params.StartCredits < 0 || params.StartChain < 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "new_desk", "opening balances must be non-negative")
	}
	return &Desk{params: params, tolerance: decimal.NewFromFloat(params.Tolerance)}, nil
}

// Params returns the desk tuning.
func (d *Desk) Params() Params {
	return d.params
}

// OpeningWallet returns a wallet with the configured start balances.
func (d *Desk) OpeningWallet() Wallet {
	return NewWallet(decimal.NewFromFloat(d.params.StartCredits), decimal.NewFromFloat(d.params.StartChain))
}

// Price computes a settlement for amount at q without touching any wallet.
func (d *Desk) Price(side market.Side, amount decimal.Decimal, q market.Quote) (Settlement, error) {
	if !side.Valid() {
		return Settlement{}, errors.Economy(errors.ErrInvalidAmount, "price_trade", "unknown side").
			WithContext("side", string(side))
	}
	if !amount.IsPositive() {
		return Settlement{}, errors.Economy(errors.ErrInvalidAmount, "price_trade", "amount must be positive")
	}
	if len(d.params.TradeSizes) > 0 {
		f := amount.InexactFloat64()
		if !slices.Contains(d.params.TradeSizes, f) {
			return Settlement{}, errors.Economy(errors.ErrInvalidAmount, "price_trade", "unsupported trade size").
				WithContext("amount", amount.String())
		}
	}

	unit := decimal.NewFromFloat(q.For(side)).Round(Scale)
	return Settlement{
		Side:      side,
		Amount:    amount,
		UnitPrice: unit,
		Credits:   amount.Mul(unit).Round(Scale),
		Quote:     q,
	}, nil
}

// Execute prices and settles a trade against w. Buyers pay the ask in
// Credits; sellers receive the bid. A sale short of amount by less than the
// tolerance settles the balance actually held. On error w is unchanged.
func (d *Desk) Execute(w *Wallet, side market.Side, amount decimal.Decimal, q market.Quote) (Settlement, error) {
	s, err := d.Price(side, amount, q)
	if err != nil {
		return Settlement{}, err
	}

	next := *w
	switch side {
	case market.SideBuy:
		cost := s.Credits
		if next.Credits.LessThan(cost) && next.Credits.Add(d.tolerance).GreaterThanOrEqual(cost) {
			cost = next.Credits
		}
		if err := next.Debit(Credits, cost); err != nil {
			return Settlement{}, err
		}
		s.Credits = cost
		if err := next.Credit(Chain, amount); err != nil {
			return Settlement{}, err
		}
	case market.SideSell:
		sold := amount
		if next.Chain.LessThan(sold) && next.Chain.Add(d.tolerance).GreaterThanOrEqual(sold) {
			sold = next.Chain
		}
		if err := next.Debit(Chain, sold); err != nil {
			return Settlement{}, err
		}
		s.Amount = sold
		s.Credits = sold.Mul(s.UnitPrice).Round(Scale)
		if err := next.Credit(Credits, s.Credits); err != nil {
			return Settlement{}, err
		}
	}
	*w = next
	return s, nil
}
