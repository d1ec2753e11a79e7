package api

import (
	"context"
	"errors"
	"io"

	"github.com/bardlex/blockgrave/internal/database/redis"
	"github.com/bardlex/blockgrave/internal/ledger"
	"github.com/bardlex/blockgrave/internal/market"
	"github.com/bardlex/blockgrave/internal/session"
	bgerrors "github.com/bardlex/blockgrave/pkg/errors"
	"github.com/bardlex/blockgrave/pkg/log"
)

func testLogger() *log.Logger {
	return log.NewWithWriter(io.Discard, "api-test", "test", "error", "text")
}

type fakeGame struct {
	ledger *ledger.Ledger
	snap   *session.Snapshot
}

func (f *fakeGame) Snapshot() *session.Snapshot { return f.snap }
func (f *fakeGame) Quote() market.Quote         { return f.snap.Quote }
func (f *fakeGame) Links() []ledger.Link        { return f.ledger.Links() }

func (f *fakeGame) Link(id string) (ledger.Link, bool) { return f.ledger.Link(id) }

func (f *fakeGame) History(id string) ([]ledger.Trade, error) {
	if _, ok := f.ledger.Link(id); !ok {
		return nil, bgerrors.Economy(bgerrors.ErrUnknownLink, "history", "link not in ledger")
	}
	return f.ledger.History(id), nil
}

func (f *fakeGame) Entries(after uint64) []ledger.Entry { return f.ledger.Since(after) }

type fakeStats struct {
	fail bool
}

func (f *fakeStats) Counters(context.Context) (*redis.Counters, error) {
	if f.fail {
		return nil, errors.New("redis down")
	}
	return &redis.Counters{Links: 3, Sells: 1, Events: map[string]int64{"rumor": 1}}, nil
}

func (f *fakeStats) TopMinters(_ context.Context, n int64) ([]redis.LeaderboardEntry, error) {
	if f.fail {
		return nil, errors.New("redis down")
	}
	out := []redis.LeaderboardEntry{
		{Rank: 1, Owner: "player", MintedValue: 9.5},
		{Rank: 2, Owner: "rival", MintedValue: 2},
	}
	return out[:min(int(n), len(out))], nil
}
