// Package upgrade holds the hashpower tier table and the player's account of
// owned units, daily purchase caps and rentals.
package upgrade

import (
	"fmt"
	"math"

	"github.com/bardlex/blockgrave/pkg/errors"
)

// Tier is a purchasable hashpower class.
type Tier struct {
	Name       string  `yaml:"name" json:"name"`
	Rate       float64 `yaml:"rate" json:"rate"`             // relink/s per unit
	BasePrice  float64 `yaml:"base_price" json:"base_price"` // credits
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
	DailyCap   int     `yaml:"daily_cap" json:"daily_cap"`
	SoftCap    int     `yaml:"soft_cap" json:"soft_cap"` // 0 disables diminishing returns
	Decay      float64 `yaml:"decay" json:"decay"`
	Upkeep     float64 `yaml:"upkeep" json:"upkeep"` // credits/s per owned unit
}

// Price returns base x multiplier^owned.
func (t Tier) Price(owned int) float64 {
	return t.BasePrice * math.Pow(t.Multiplier, float64(max(owned, 0)))
}

// UnitRate returns the per-unit rate once owned units are held, after
// diminishing returns past the soft cap.
func (t Tier) UnitRate(owned int) float64 {
	if t.SoftCap <= 0 || owned <= t.SoftCap {
		return t.Rate
	}
	return t.Rate * math.Pow(1-t.Decay, float64(owned-t.SoftCap))
}

// TotalRate returns the tier's contribution with owned units.
func (t Tier) TotalRate(owned int) float64 {
	return t.UnitRate(owned) * float64(owned)
}

// DefaultTiers returns the stock ten-tier table.
func DefaultTiers() []Tier {
	return []Tier{
		{Name: "Processor", Rate: 1, BasePrice: 75, Multiplier: 1.18, DailyCap: 12, SoftCap: 40, Decay: 0.02, Upkeep: 0},
		{Name: "Server", Rate: 4, BasePrice: 420, Multiplier: 1.20, DailyCap: 10, SoftCap: 35, Decay: 0.02, Upkeep: 0.01},
		{Name: "Rack", Rate: 18, BasePrice: 2100, Multiplier: 1.22, DailyCap: 8, SoftCap: 30, Decay: 0.025, Upkeep: 0.05},
		{Name: "Lab", Rate: 65, BasePrice: 9500, Multiplier: 1.24, DailyCap: 6, SoftCap: 25, Decay: 0.03, Upkeep: 0.2},
		{Name: "Supercomputer", Rate: 220, BasePrice: 38000, Multiplier: 1.26, DailyCap: 5, SoftCap: 20, Decay: 0.03, Upkeep: 0.8},
		{Name: "Datacenter", Rate: 800, BasePrice: 150000, Multiplier: 1.28, DailyCap: 4, SoftCap: 16, Decay: 0.035, Upkeep: 3},
		{Name: "Quantum Array", Rate: 3000, BasePrice: 620000, Multiplier: 1.31, DailyCap: 3, SoftCap: 12, Decay: 0.04, Upkeep: 11},
		{Name: "Orbital Node", Rate: 10500, BasePrice: 2_400_000, Multiplier: 1.34, DailyCap: 2, SoftCap: 10, Decay: 0.04, Upkeep: 40},
		{Name: "Darknet Farm", Rate: 34000, BasePrice: 8_600_000, Multiplier: 1.38, DailyCap: 2, SoftCap: 8, Decay: 0.045, Upkeep: 130},
		{Name: "Foundry Core", Rate: 120000, BasePrice: 28_000_000, Multiplier: 1.42, DailyCap: 1, SoftCap: 5, Decay: 0.05, Upkeep: 450},
	}
}

// Catalog is the immutable tier table.
type Catalog struct {
	tiers []Tier
	index map[string]int
}

// NewCatalog validates tiers and indexes them by name.
func NewCatalog(tiers []Tier) (*Catalog, error) {
	if len(tiers) == 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "upgrade_catalog", "no tiers configured")
	}

	c := &Catalog{
		tiers: append([]Tier(nil), tiers...),
		index: make(map[string]int, len(tiers)),
	}
	for i, t := range c.tiers {
		if err := validateTier(t); err != nil {
			return nil, err
		}
		if _, dup := c.index[t.Name]; dup {
			return nil, errors.New(errors.ErrorTypeValidation, "upgrade_catalog",
				fmt.Sprintf("duplicate tier %q", t.Name))
		}
		c.index[t.Name] = i
	}
	return c, nil
}

func validateTier(t Tier) error {
	fail := func(msg string) error {
		return errors.New(errors.ErrorTypeValidation, "upgrade_catalog",
			fmt.Sprintf("tier %q: %s", t.Name, msg))
	}
	switch {
	case t.Name == "":
		return fail("name is required")
	case t.Rate <= 0:
		return fail("rate must be positive")
	case t.BasePrice <= 0:
		return fail("base_price must be positive")
	case t.Multiplier <= 1:
		return fail("multiplier must exceed 1")
	case t.DailyCap < 1:
		return fail("daily_cap must be at least 1")
	case t.SoftCap < 0:
		return fail("soft_cap must not be negative")
	case t.SoftCap > 0 && (t.Decay < 0.02 || t.Decay > 0.05):
		return fail("decay must lie in [0.02, 0.05]")
	case t.Upkeep < 0:
		return fail("upkeep must not be negative")
	}
	return nil
}

// Tiers returns the table in display order.
func (c *Catalog) Tiers() []Tier {
	return append([]Tier(nil), c.tiers...)
}

// Tier looks a tier up by name.
func (c *Catalog) Tier(name string) (Tier, error) {
	i, ok := c.index[name]
	if !ok {
		return Tier{}, errors.Wrap(errors.ErrUnknownTier, errors.ErrorTypeValidation, "lookup_tier",
			fmt.Sprintf("no tier named %q", name))
	}
	return c.tiers[i], nil
}

// Price is the cost of the next unit of name when owned units are held.
func (c *Catalog) Price(name string, owned int) (float64, error) {
	t, err := c.Tier(name)
	if err != nil {
		return 0, err
	}
	return t.Price(owned), nil
}
