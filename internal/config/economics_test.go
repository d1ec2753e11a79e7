package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bardlex/blockgrave/internal/session"
	bgerrors "github.com/bardlex/blockgrave/pkg/errors"
)

func writeEconomics(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "economics.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write economics file: %v", err)
	}
	return path
}

func TestLoadEconomicsDefaults(t *testing.T) {
	p, err := LoadEconomics("")
	if err != nil {
		t.Fatalf("LoadEconomics() error = %v", err)
	}
	want := session.DefaultParams()
	if p.TickPeriod != want.TickPeriod || p.Market.InitialPrice != 32 || len(p.Tiers) != len(want.Tiers) {
		t.Errorf("defaults not returned: %+v", p)
	}
}

func TestLoadEconomicsOverlay(t *testing.T) {
	path := writeEconomics(t, `
tick_period: 250ms
day_length: 1h
market:
  initial_price: 40
  spread: 0.02
events:
  major_probability: 0
bank:
  start_credits: 500
`)

	p, err := LoadEconomics(path)
	if err != nil {
		t.Fatalf("LoadEconomics() error = %v", err)
	}
	if p.TickPeriod != 250*time.Millisecond || p.DayLength != time.Hour {
		t.Errorf("durations = %v, %v", p.TickPeriod, p.DayLength)
	}
	if p.Market.InitialPrice != 40 || p.Market.Spread != 0.02 {
		t.Errorf("market = %+v", p.Market)
	}
	if p.Market.Floor != 0.25 {
		t.Errorf("unset floor = %v, want default 0.25", p.Market.Floor)
	}
	if p.Bank.StartCredits != 500 {
		t.Errorf("start credits = %v", p.Bank.StartCredits)
	}
	if len(p.Bank.TradeSizes) != 2 {
		t.Errorf("trade sizes lost: %v", p.Bank.TradeSizes)
	}
}

func TestLoadEconomicsRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"bad sigma", "difficulty:\n  sigma: -1\n", bgerrors.ErrInvalidDistributionParameters},
		{"unknown start tier", "start_tier: Abacus\n", bgerrors.ErrUnknownTier},
		{"bad yaml", "market: [\n", nil},
		{"short day", "day_length: 1s\n", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadEconomics(writeEconomics(t, tt.body))
			if err == nil {
				t.Fatal("LoadEconomics() should fail")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLoadEconomicsMissingFile(t *testing.T) {
	if _, err := LoadEconomics(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing file should fail")
	}
}
