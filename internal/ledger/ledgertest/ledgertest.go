// Package ledgertest builds small, valid ledgers for tests of feed consumers.
package ledgertest

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bardlex/blockgrave/internal/events"
	"github.com/bardlex/blockgrave/internal/identifier"
	"github.com/bardlex/blockgrave/internal/ids"
	"github.com/bardlex/blockgrave/internal/ledger"
	"github.com/bardlex/blockgrave/internal/market"
	"github.com/bardlex/blockgrave/internal/mining"
)

// Owner is the player name used by Build.
const Owner = "player"

// Base is the time of the first link.
var Base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Build mints links links one second apart, sells the first back to the
// exchange at the bid and records a rumor event. The result is
// deterministic.
func Build(tb testing.TB, links int) *ledger.Ledger {
	tb.Helper()
	rng := rand.New(rand.NewPCG(31, 32))
	codec, err := identifier.NewCodec(identifier.DefaultBodyLen)
	if err != nil {
		tb.Fatalf("NewCodec() error = %v", err)
	}

	l := ledger.New(ledger.DefaultTolerance)
	var first ledger.Link
	for i := range links {
		diffs := []float64{3, 1, 2, float64(i + 1)}
		var total float64
		for _, d := range diffs {
			total += d
		}
		fact := mining.LinkCompleted{
			JobID:        "J" + string(rune('A'+i%26)),
			Name:         "Hollow Relay",
			Difficulty:   total,
			LinkletCount: len(diffs),
			Linklets:     diffs,
			Payout:       0.35 * total,
			CompletedAt:  Base.Add(time.Duration(i) * time.Second),
		}
		id := codec.Encode(rng, identifier.Score(total), len(diffs))
		link := l.Mint(fact, id, Owner, decimal.NewFromFloat(fact.Payout), uint64(i+1))
		if i == 0 {
			first = link
		}
	}

	at := Base.Add(time.Hour)
	if links > 0 {
		q := market.NewQuote(uint64(links), 32, 0.01)
		if _, err := l.RecordTrade(ledger.Trade{
			ID:        ids.New(rng),
			LinkID:    first.ID.String(),
			Tick:      uint64(links),
			Timestamp: at,
			Side:      market.SideSell,
			Amount:    decimal.NewFromInt(1),
			Seller:    Owner,
			Buyer:     ledger.Exchange,
			UnitPrice: decimal.NewFromFloat(q.Bid),
		}, q); err != nil {
			tb.Fatalf("RecordTrade() error = %v", err)
		}
	}
	l.RecordEvent(events.Event{
		ID:        ids.New(rng),
		Tick:      uint64(links),
		Timestamp: at,
		Kind:      events.KindRumor,
		Severity:  events.SeverityMinor,
		Note:      "chatter about Hollow Relay",
	})
	return l
}

// Entries is Build(tb, links).Entries().
func Entries(tb testing.TB, links int) []ledger.Entry {
	tb.Helper()
	return Build(tb, links).Entries()
}
