// Package bank holds the player's Credits and Chain balances and settles
// exchanges against a market quote.
package bank

import (
	"github.com/shopspring/decimal"

	"github.com/bardlex/blockgrave/pkg/errors"
)

// Scale is the number of decimal places kept on balances.
const Scale = 8

// Asset selects a balance.
type Asset string

const (
	Credits Asset = "credits"
	Chain   Asset = "chain"
)

// Wallet balances never go negative.
type Wallet struct {
	Credits decimal.Decimal `json:"credits"`
	Chain   decimal.Decimal `json:"chain"`
}

// NewWallet returns a wallet with the given opening balances.
func NewWallet(credits, chain decimal.Decimal) Wallet {
	return Wallet{Credits: credits.Round(Scale), Chain: chain.Round(Scale)}
}

// Balance returns the balance of asset.
func (w *Wallet) Balance(asset Asset) decimal.Decimal {
	if asset == Chain {
		return w.Chain
	}
	return w.Credits
}

func (w *Wallet) slot(asset Asset) *decimal.Decimal {
	if asset == Chain {
		return &w.Chain
	}
	return &w.Credits
}

// Credit adds a non-negative amount.
func (w *Wallet) Credit(asset Asset, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return errors.Economy(errors.ErrInvalidAmount, "credit", "negative credit").
			WithContext("asset", string(asset))
	}
	s := w.slot(asset)
	*s = s.Add(amount).Round(Scale)
	return nil
}

// Debit removes amount, failing without change if the balance is short.
func (w *Wallet) Debit(asset Asset, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return errors.Economy(errors.ErrInvalidAmount, "debit", "negative debit").
			WithContext("asset", string(asset))
	}
	s := w.slot(asset)
	if s.LessThan(amount) {
		return errors.Economy(errors.ErrInsufficientFunds, "debit", "balance too low").
			WithContext("asset", string(asset)).
			WithContext("balance", s.String()).
			WithContext("amount", amount.String())
	}
	*s = s.Sub(amount).Round(Scale)
	return nil
}

// Drain removes up to amount and returns what was actually taken. Used for
// per-second charges that must not fail the tick.
func (w *Wallet) Drain(asset Asset, amount decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() {
		return decimal.Zero
	}
	s := w.slot(asset)
	taken := decimal.Min(*s, amount).Round(Scale)
	*s = s.Sub(taken)
	return taken
}
