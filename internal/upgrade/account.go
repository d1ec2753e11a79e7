package upgrade

import (
	"fmt"
	"maps"
	"time"

	"github.com/bardlex/blockgrave/pkg/errors"
	"github.com/shopspring/decimal"
)

// PriceScale is the number of decimal places credits are charged at.
const PriceScale = 8

// Account tracks the player's owned hashpower. It is not safe for concurrent
// use; the session serializes access.
type Account struct {
	catalog        *Catalog
	owned          map[string]int
	purchasedToday map[string]int
	lastResetDay   int64
	rentals        map[string]Rental
}

// AccountState is the serializable form of an Account.
type AccountState struct {
	Owned          map[string]int    `json:"owned"`
	PurchasedToday map[string]int    `json:"purchased_today"`
	LastResetDay   int64             `json:"last_reset_day"`
	Rentals        map[string]Rental `json:"rentals,omitempty"`
}

// Receipt is the outcome of a successful upgrade purchase.
type Receipt struct {
	Tier           string          `json:"tier"`
	Price          decimal.Decimal `json:"price"`
	Owned          int             `json:"owned"`
	PurchasedToday int             `json:"purchased_today"`
	NextPrice      decimal.Decimal `json:"next_price"`
}

// NewAccount returns an empty account for day.
func NewAccount(catalog *Catalog, day int64) *Account {
	return &Account{
		catalog:        catalog,
		owned:          make(map[string]int),
		purchasedToday: make(map[string]int),
		lastResetDay:   day,
		rentals:        make(map[string]Rental),
	}
}

// RestoreAccount rebuilds an account from a snapshot, rejecting unknown tiers.
func RestoreAccount(catalog *Catalog, state AccountState) (*Account, error) {
	a := NewAccount(catalog, state.LastResetDay)
	for name, n := range state.Owned {
		if _, err := catalog.Tier(name); err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, errors.New(errors.ErrorTypeValidation, "restore_account",
				fmt.Sprintf("tier %q has negative owned count %d", name, n))
		}
		a.owned[name] = n
	}
	for name, n := range state.PurchasedToday {
		if _, err := catalog.Tier(name); err != nil {
			return nil, err
		}
		a.purchasedToday[name] = n
	}
	for name, r := range state.Rentals {
		if _, err := catalog.Tier(name); err != nil {
			return nil, err
		}
		a.rentals[name] = r
	}
	return a, nil
}

// State returns a deep copy suitable for snapshots.
func (a *Account) State() AccountState {
	return AccountState{
		Owned:          maps.Clone(a.owned),
		PurchasedToday: maps.Clone(a.purchasedToday),
		LastResetDay:   a.lastResetDay,
		Rentals:        maps.Clone(a.rentals),
	}
}

// Catalog returns the tier table the account prices against.
func (a *Account) Catalog() *Catalog {
	return a.catalog
}

// Owned returns the units held of tier.
func (a *Account) Owned(tier string) int {
	return a.owned[tier]
}

// PurchasedToday returns units of tier bought since the last rollover.
func (a *Account) PurchasedToday(tier string) int {
	return a.purchasedToday[tier]
}

// Grant adds units without charging or counting against the daily cap. Used
// for the starting loadout.
func (a *Account) Grant(tier string, units int) error {
	if _, err := a.catalog.Tier(tier); err != nil {
		return err
	}
	a.owned[tier] += units
	return nil
}

// NextPrice returns the price of the next unit of tier.
func (a *Account) NextPrice(tier string) (decimal.Decimal, error) {
	t, err := a.catalog.Tier(tier)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(t.Price(a.owned[tier])).Round(PriceScale), nil
}

// Purchase buys one unit of tier against balance. The caller debits the
// returned price; on error nothing changes.
func (a *Account) Purchase(tier string, balance decimal.Decimal) (Receipt, error) {
	t, err := a.catalog.Tier(tier)
	if err != nil {
		return Receipt{}, err
	}

	if a.purchasedToday[tier] >= t.DailyCap {
		return Receipt{}, errors.Economy(errors.ErrDailyCapExceeded, "purchase_upgrade",
			fmt.Sprintf("%s daily cap of %d reached", tier, t.DailyCap)).
			WithContext("tier", tier).
			WithContext("daily_cap", t.DailyCap)
	}

	price := decimal.NewFromFloat(t.Price(a.owned[tier])).Round(PriceScale)
	if price.GreaterThan(balance) {
		return Receipt{}, errors.Economy(errors.ErrInsufficientFunds, "purchase_upgrade",
			fmt.Sprintf("%s costs %s, balance %s", tier, price.StringFixed(2), balance.StringFixed(2))).
			WithContext("tier", tier).
			WithContext("price", price.String())
	}

	a.owned[tier]++
	a.purchasedToday[tier]++

	return Receipt{
		Tier:           tier,
		Price:          price,
		Owned:          a.owned[tier],
		PurchasedToday: a.purchasedToday[tier],
		NextPrice:      decimal.NewFromFloat(t.Price(a.owned[tier])).Round(PriceScale),
	}, nil
}

// Rollover resets daily purchase counters when day is past the last reset.
// Repeated calls for the same day are no-ops; it reports whether a reset happened.
func (a *Account) Rollover(day int64) bool {
	if day <= a.lastResetDay {
		return false
	}
	clear(a.purchasedToday)
	a.lastResetDay = day
	return true
}

// LastResetDay returns the day counters were last reset.
func (a *Account) LastResetDay() int64 {
	return a.lastResetDay
}

// OwnedRate is the relink rate from owned units only.
func (a *Account) OwnedRate() float64 {
	var total float64
	for _, t := range a.catalog.tiers {
		total += t.TotalRate(a.owned[t.Name])
	}
	return total
}

// TotalRelinkRate is the owned rate plus rentals active at now.
func (a *Account) TotalRelinkRate(now time.Time) float64 {
	total := a.OwnedRate()
	for name, r := range a.rentals {
		if r.ActiveAt(now) {
			t, _ := a.catalog.Tier(name)
			total += t.Rate * float64(r.Units)
		}
	}
	return total
}

// Upkeep is the credits/s drain of owned units.
func (a *Account) Upkeep() float64 {
	var total float64
	for _, t := range a.catalog.tiers {
		total += t.Upkeep * float64(a.owned[t.Name])
	}
	return total
}
