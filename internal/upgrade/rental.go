package upgrade

import (
	"fmt"
	"sort"
	"time"

	"github.com/bardlex/blockgrave/pkg/errors"
)

// Terms describe a hashpower rental offer.
type Terms struct {
	Units      int           `json:"units"`
	Duration   time.Duration `json:"duration"`
	CostPerSec float64       `json:"cost_per_sec"` // credits/s before market multipliers
}

// Rental is an active rental contract on one tier.
type Rental struct {
	Tier       string    `json:"tier"`
	Units      int       `json:"units"`
	CostPerSec float64   `json:"cost_per_sec"`
	StartedAt  time.Time `json:"started_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ActiveAt reports whether the rental is running at now.
func (r Rental) ActiveAt(now time.Time) bool {
	return !now.Before(r.StartedAt) && now.Before(r.ExpiresAt)
}

// RentalToggle is the result of ToggleRental.
type RentalToggle struct {
	Active bool   `json:"active"`
	Rental Rental `json:"rental"`
}

// ToggleRental cancels the running rental on tier, or starts one on terms.
func (a *Account) ToggleRental(tier string, terms Terms, now time.Time) (RentalToggle, error) {
	if _, err := a.catalog.Tier(tier); err != nil {
		return RentalToggle{}, err
	}

	if r, ok := a.rentals[tier]; ok && r.ActiveAt(now) {
		delete(a.rentals, tier)
		return RentalToggle{Active: false, Rental: r}, nil
	}

	if terms.Units <= 0 || terms.Duration <= 0 || terms.CostPerSec < 0 {
		return RentalToggle{}, errors.Economy(errors.ErrInvalidAmount, "toggle_rental",
			fmt.Sprintf("terms need positive units and duration, non-negative cost: %+v", terms))
	}

	r := Rental{
		Tier:       tier,
		Units:      terms.Units,
		CostPerSec: terms.CostPerSec,
		StartedAt:  now,
		ExpiresAt:  now.Add(terms.Duration),
	}
	a.rentals[tier] = r
	return RentalToggle{Active: true, Rental: r}, nil
}

// RentalCost is the credits/s owed for rentals active at now, before multipliers.
func (a *Account) RentalCost(now time.Time) float64 {
	var total float64
	for _, r := range a.rentals {
		if r.ActiveAt(now) {
			total += r.CostPerSec
		}
	}
	return total
}

// ExpireRentals drops rentals that ended at or before now and returns them by tier name.
func (a *Account) ExpireRentals(now time.Time) []Rental {
	var expired []Rental
	for name, r := range a.rentals {
		if !now.Before(r.ExpiresAt) {
			expired = append(expired, r)
			delete(a.rentals, name)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].Tier < expired[j].Tier })
	return expired
}

// Rentals returns the active rentals sorted by tier name.
func (a *Account) Rentals() []Rental {
	out := make([]Rental, 0, len(a.rentals))
	for _, r := range a.rentals {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tier < out[j].Tier })
	return out
}

// CancelRentals drops every rental, used when rental costs cannot be paid.
func (a *Account) CancelRentals() []Rental {
	out := a.Rentals()
	clear(a.rentals)
	return out
}
