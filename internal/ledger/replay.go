package ledger

import (
	"fmt"

	"github.com/bardlex/blockgrave/internal/identifier"
	"github.com/bardlex/blockgrave/pkg/errors"
)

// Replay rebuilds a ledger from its append sequence, recomputing every
// header hash. Any divergence is a LedgerCorruption error naming the first
// bad entry; history is never truncated or repaired.
func Replay(entries []Entry, tolerance float64) (*Ledger, error) {
	l := New(tolerance)
	for i, e := range entries {
		if want := uint64(i) + 1; e.Seq != want {
			return nil, corruption(e, fmt.Sprintf("sequence %d, want %d", e.Seq, want))
		}
		switch e.Kind {
		case KindLink:
			if err := l.replayLink(e); err != nil {
				return nil, err
			}
		case KindTrade:
			if err := l.replayTrade(e); err != nil {
				return nil, err
			}
		case KindEvent:
			if e.Event == nil {
				return nil, corruption(e, "event entry without payload")
			}
			l.RecordEvent(*e.Event)
		default:
			return nil, corruption(e, fmt.Sprintf("unknown kind %q", e.Kind))
		}
	}
	return l, nil
}

func (l *Ledger) replayLink(e Entry) error {
	if e.Link == nil {
		return corruption(e, "link entry without payload")
	}
	link := *e.Link
	if link.Seq != e.Seq {
		return corruption(e, "link sequence differs from entry")
	}
	if link.PreviousHash != l.tip {
		return corruption(e, fmt.Sprintf("previous hash %s, want %s", link.PreviousHash, l.tip))
	}
	if got := HeaderHash(link.PreviousHash, link.Linklets, link.CreatedAt); got != link.HeaderHash {
		return corruption(e, fmt.Sprintf("header hash %s, recomputed %s", link.HeaderHash, got))
	}
	if _, err := identifier.Parse(link.ID.String()); err != nil {
		return corruption(e, err.Error())
	}
	if _, dup := l.byID[link.ID.String()]; dup {
		return corruption(e, "duplicate link "+link.ID.String())
	}
	l.appendLink(link, e.Tick)
	return nil
}

func (l *Ledger) replayTrade(e Entry) error {
	if e.Trade == nil {
		return corruption(e, "trade entry without payload")
	}
	t := *e.Trade
	idx := -1
	if t.LinkID != "" {
		i, ok := l.byID[t.LinkID]
		if !ok {
			return corruption(e, "trade of unknown link "+t.LinkID)
		}
		if l.links[i].Owner != t.Seller {
			return corruption(e, "trade seller does not own "+t.LinkID)
		}
		idx = i
	}
	l.appendTrade(t, idx)
	return nil
}

func corruption(e Entry, reason string) error {
	return errors.Wrap(errors.ErrLedgerCorruption, errors.ErrorTypeLedger, "replay", reason).
		WithContext("seq", e.Seq).
		WithContext("kind", string(e.Kind))
}
