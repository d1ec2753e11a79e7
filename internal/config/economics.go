package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bardlex/blockgrave/internal/bank"
	"github.com/bardlex/blockgrave/internal/events"
	"github.com/bardlex/blockgrave/internal/session"
	"github.com/bardlex/blockgrave/internal/upgrade"
)

// LoadEconomics reads the YAML tuning file at path over the built-in
// defaults. An empty path returns the defaults. Fields absent from the file
// keep their default; a tiers list replaces the whole table.
func LoadEconomics(path string) (session.Params, error) {
	params := session.DefaultParams()
	if path == "" {
		return params, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return params, fmt.Errorf("read economics file: %w", err)
	}
	if err := ParseEconomics(data, &params); err != nil {
		return params, fmt.Errorf("economics file %s: %w", path, err)
	}
	return params, nil
}

// ParseEconomics decodes YAML into params and validates the result.
func ParseEconomics(data []byte, params *session.Params) error {
	if err := yaml.Unmarshal(data, params); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return ValidateEconomics(*params)
}

// ValidateEconomics checks every component's tuning without starting a
// session.
func ValidateEconomics(p session.Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := p.Difficulty.Validate(); err != nil {
		return err
	}
	if err := p.Market.Validate(); err != nil {
		return err
	}
	if _, err := events.NewEngine(p.Events); err != nil {
		return err
	}
	if _, err := bank.NewDesk(p.Bank); err != nil {
		return err
	}
	catalog, err := upgrade.NewCatalog(p.Tiers)
	if err != nil {
		return err
	}
	if p.StartUnits > 0 {
		if _, err := catalog.Tier(p.StartTier); err != nil {
			return fmt.Errorf("start tier: %w", err)
		}
	}
	return nil
}
