package session

import (
	"time"

	"github.com/bardlex/blockgrave/internal/bank"
	"github.com/bardlex/blockgrave/internal/difficulty"
	"github.com/bardlex/blockgrave/internal/events"
	"github.com/bardlex/blockgrave/internal/identifier"
	"github.com/bardlex/blockgrave/internal/market"
	"github.com/bardlex/blockgrave/internal/upgrade"
	"github.com/bardlex/blockgrave/pkg/errors"
)

// Params is the full economic tuning of a session. It is what the YAML
// economics file decodes into.
type Params struct {
	TickPeriod   time.Duration     `yaml:"tick_period" json:"tick_period"`
	DayLength    time.Duration     `yaml:"day_length" json:"day_length"`
	SaveEvery    uint64            `yaml:"save_every_ticks" json:"save_every_ticks"`
	Owner        string            `yaml:"owner" json:"owner"`
	StartTier    string            `yaml:"start_tier" json:"start_tier"`
	StartUnits   int               `yaml:"start_units" json:"start_units"`
	IDBodyLength int               `yaml:"id_body_length" json:"id_body_length"`
	Difficulty   difficulty.Params `yaml:"difficulty" json:"difficulty"`
	Tiers        []upgrade.Tier    `yaml:"tiers" json:"tiers"`
	Market       market.Params     `yaml:"market" json:"market"`
	Events       events.Params     `yaml:"events" json:"events"`
	Bank         bank.Params       `yaml:"bank" json:"bank"`
}

// DefaultParams returns the stock economy: one Processor, 100 credits and a
// Chain price of 32.
func DefaultParams() Params {
	return Params{
		TickPeriod:   100 * time.Millisecond,
		DayLength:    24 * time.Hour,
		SaveEvery:    50,
		Owner:        "player",
		StartTier:    "Processor",
		StartUnits:   1,
		IDBodyLength: identifier.DefaultBodyLen,
		Difficulty:   difficulty.DefaultParams(),
		Tiers:        upgrade.DefaultTiers(),
		Market:       market.DefaultParams(),
		Events:       events.DefaultParams(),
		Bank:         bank.DefaultParams(),
	}
}

// Validate checks the session-level fields; component params are validated
// by their constructors.
func (p Params) Validate() error {
	switch {
	case p.TickPeriod <= 0:
		return errors.New(errors.ErrorTypeValidation, "validate_session", "tick period must be positive")
	case p.DayLength < time.Minute:
		return errors.New(errors.ErrorTypeValidation, "validate_session", "day length must be at least a minute")
	case p.Owner == "":
		return errors.New(errors.ErrorTypeValidation, "validate_session", "owner is required")
	case p.StartUnits < 0:
		return errors.New(errors.ErrorTypeValidation, "validate_session", "start units must be non-negative")
	}
	return nil
}

// dayOf maps wall time onto rollover days.
func (p Params) dayOf(now time.Time) int64 {
	return now.UTC().UnixNano() / int64(p.DayLength)
}
