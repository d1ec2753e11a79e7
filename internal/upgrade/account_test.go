package upgrade

import (
	stderrors "errors"
	"math"
	"testing"
	"time"

	"github.com/bardlex/blockgrave/pkg/errors"
	"github.com/shopspring/decimal"
)

var rich = decimal.NewFromInt(1_000_000_000)

func TestDailyCapAndRollover(t *testing.T) {
	acct := NewAccount(newTestCatalog(t), 100)

	for i := range 12 {
		if _, err := acct.Purchase("Processor", rich); err != nil {
			t.Fatalf("purchase %d error = %v", i+1, err)
		}
	}

	_, err := acct.Purchase("Processor", rich)
	if !stderrors.Is(err, errors.ErrDailyCapExceeded) {
		t.Fatalf("13th purchase error = %v, want ErrDailyCapExceeded", err)
	}
	if acct.Owned("Processor") != 12 {
		t.Errorf("failed purchase changed owned count to %d", acct.Owned("Processor"))
	}

	if !acct.Rollover(101) {
		t.Fatal("Rollover(101) did not reset")
	}
	if acct.Rollover(101) {
		t.Error("second Rollover(101) should be a no-op")
	}
	if acct.Rollover(99) {
		t.Error("Rollover to an earlier day should be a no-op")
	}

	receipt, err := acct.Purchase("Processor", rich)
	if err != nil {
		t.Fatalf("purchase after rollover error = %v", err)
	}
	if receipt.Owned != 13 || receipt.PurchasedToday != 1 {
		t.Errorf("receipt = %+v, want owned 13 purchased_today 1", receipt)
	}
}

func TestRolloverIdempotentDoesNotResetTwice(t *testing.T) {
	acct := NewAccount(newTestCatalog(t), 5)
	acct.Rollover(6)
	if _, err := acct.Purchase("Server", rich); err != nil {
		t.Fatal(err)
	}
	acct.Rollover(6)
	if got := acct.PurchasedToday("Server"); got != 1 {
		t.Errorf("PurchasedToday = %d after same-day rollover, want 1", got)
	}
}

func TestPurchaseInsufficientFunds(t *testing.T) {
	acct := NewAccount(newTestCatalog(t), 0)

	_, err := acct.Purchase("Processor", decimal.NewFromFloat(74.99))
	if !stderrors.Is(err, errors.ErrInsufficientFunds) {
		t.Fatalf("error = %v, want ErrInsufficientFunds", err)
	}
	if acct.Owned("Processor") != 0 || acct.PurchasedToday("Processor") != 0 {
		t.Error("failed purchase mutated the account")
	}

	receipt, err := acct.Purchase("Processor", decimal.NewFromInt(75))
	if err != nil {
		t.Fatalf("exact balance purchase error = %v", err)
	}
	if !receipt.Price.Equal(decimal.NewFromInt(75)) {
		t.Errorf("price = %s, want 75", receipt.Price)
	}
	if !receipt.NextPrice.Equal(decimal.RequireFromString("88.5")) {
		t.Errorf("next price = %s, want 88.5", receipt.NextPrice)
	}
}

func TestPurchaseUnknownTier(t *testing.T) {
	acct := NewAccount(newTestCatalog(t), 0)
	if _, err := acct.Purchase("Toaster", rich); !stderrors.Is(err, errors.ErrUnknownTier) {
		t.Errorf("error = %v, want ErrUnknownTier", err)
	}
}

func TestRelinkRateAndUpkeep(t *testing.T) {
	acct := NewAccount(newTestCatalog(t), 0)
	if err := acct.Grant("Processor", 1); err != nil {
		t.Fatal(err)
	}
	if err := acct.Grant("Rack", 2); err != nil {
		t.Fatal(err)
	}

	if got := acct.OwnedRate(); got != 1+2*18 {
		t.Errorf("OwnedRate() = %v, want 37", got)
	}
	if got := acct.Upkeep(); math.Abs(got-0.1) > 1e-12 {
		t.Errorf("Upkeep() = %v, want 0.1", got)
	}
}

func TestToggleRental(t *testing.T) {
	acct := NewAccount(newTestCatalog(t), 0)
	now := time.Unix(1_000, 0)
	terms := Terms{Units: 3, Duration: time.Minute, CostPerSec: 0.5}

	res, err := acct.ToggleRental("Server", terms, now)
	if err != nil || !res.Active {
		t.Fatalf("start rental = %+v, %v", res, err)
	}
	if got := acct.TotalRelinkRate(now.Add(time.Second)); got != 12 {
		t.Errorf("rate with rental = %v, want 12", got)
	}
	if got := acct.RentalCost(now.Add(time.Second)); got != 0.5 {
		t.Errorf("RentalCost = %v, want 0.5", got)
	}

	res, err = acct.ToggleRental("Server", Terms{}, now.Add(10*time.Second))
	if err != nil || res.Active {
		t.Fatalf("cancel rental = %+v, %v", res, err)
	}
	if got := acct.TotalRelinkRate(now.Add(11 * time.Second)); got != 0 {
		t.Errorf("rate after cancel = %v, want 0", got)
	}

	if _, err := acct.ToggleRental("Server", Terms{Units: 0, Duration: time.Minute}, now); !stderrors.Is(err, errors.ErrInvalidAmount) {
		t.Errorf("bad terms error = %v, want ErrInvalidAmount", err)
	}
	if _, err := acct.ToggleRental("Toaster", terms, now); !stderrors.Is(err, errors.ErrUnknownTier) {
		t.Errorf("unknown tier error = %v", err)
	}
}

func TestExpireRentals(t *testing.T) {
	acct := NewAccount(newTestCatalog(t), 0)
	now := time.Unix(0, 0)
	_, _ = acct.ToggleRental("Lab", Terms{Units: 1, Duration: 10 * time.Second}, now)
	_, _ = acct.ToggleRental("Rack", Terms{Units: 1, Duration: time.Hour}, now)

	if got := acct.ExpireRentals(now.Add(5 * time.Second)); len(got) != 0 {
		t.Fatalf("expired early: %+v", got)
	}
	got := acct.ExpireRentals(now.Add(10 * time.Second))
	if len(got) != 1 || got[0].Tier != "Lab" {
		t.Fatalf("ExpireRentals = %+v, want Lab", got)
	}
	if rs := acct.Rentals(); len(rs) != 1 || rs[0].Tier != "Rack" {
		t.Errorf("remaining rentals = %+v", rs)
	}
}

func TestStateRoundTrip(t *testing.T) {
	cat := newTestCatalog(t)
	acct := NewAccount(cat, 7)
	_ = acct.Grant("Processor", 1)
	_, _ = acct.Purchase("Processor", rich)
	_, _ = acct.ToggleRental("Lab", Terms{Units: 2, Duration: time.Hour, CostPerSec: 1}, time.Unix(0, 0))

	state := acct.State()
	restored, err := RestoreAccount(cat, state)
	if err != nil {
		t.Fatalf("RestoreAccount() error = %v", err)
	}
	if restored.Owned("Processor") != 2 || restored.PurchasedToday("Processor") != 1 || restored.LastResetDay() != 7 {
		t.Errorf("restored = %+v", restored.State())
	}
	if len(restored.Rentals()) != 1 {
		t.Errorf("rentals not restored")
	}

	state.Owned["Toaster"] = 1
	if _, err := RestoreAccount(cat, state); !stderrors.Is(err, errors.ErrUnknownTier) {
		t.Errorf("restore with unknown tier error = %v", err)
	}

	// mutating the snapshot must not leak into the account
	state.Owned["Processor"] = 99
	if acct.Owned("Processor") != 2 {
		t.Error("State() shares its map with the account")
	}
}
