// Package ledger is the append-only record of minted links, trades and
// market events. Links form a hash chain: every header hash commits to the
// previous header, so any rewritten history fails Replay.
package ledger

import (
	"encoding/binary"
	"math"
	"slices"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bardlex/blockgrave/internal/events"
	"github.com/bardlex/blockgrave/internal/identifier"
	"github.com/bardlex/blockgrave/internal/market"
	"github.com/bardlex/blockgrave/internal/mining"
	"github.com/bardlex/blockgrave/pkg/errors"
)

// Genesis is the previous hash of the first minted link.
var Genesis = Hash(chainhash.DoubleHashH([]byte("blockgrave genesis")))

// DefaultTolerance is the price tolerance used by RecordTrade.
const DefaultTolerance = 1e-6

// Exchange is the counterparty of every player trade.
const Exchange = "exchange"

// EntryKind tags feed entries.
type EntryKind string

const (
	KindLink  EntryKind = "link"
	KindTrade EntryKind = "trade"
	KindEvent EntryKind = "event"
)

// Link is a minted unit of Chain.
type Link struct {
	Seq          uint64          `json:"seq"`
	ID           identifier.ID   `json:"id"`
	JobID        string          `json:"job_id"`
	Name         string          `json:"name"`
	Difficulty   float64         `json:"difficulty"`
	Linklets     []float64       `json:"linklets"`
	CreatedAt    time.Time       `json:"created_at"`
	MintedValue  decimal.Decimal `json:"minted_value"`
	Owner        string          `json:"owner"`
	PreviousHash Hash            `json:"previous_hash"`
	HeaderHash   Hash            `json:"header_hash"`
}

// Trade is an executed exchange. LinkID is empty for pure currency trades.
type Trade struct {
	ID           uuid.UUID       `json:"id"`
	LinkID       string          `json:"link_id,omitempty"`
	Tick         uint64          `json:"tick"`
	Timestamp    time.Time       `json:"timestamp"`
	Side         market.Side     `json:"side"`
	Amount       decimal.Decimal `json:"amount"`
	Seller       string          `json:"seller"`
	Buyer        string          `json:"buyer"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	PriceCredits decimal.Decimal `json:"price_credits"`
	PriceChain   decimal.Decimal `json:"price_chain"`
}

// Entry is one record of the append feed. Exactly one payload is set.
type Entry struct {
	Seq       uint64        `json:"seq"`
	Tick      uint64        `json:"tick"`
	Timestamp time.Time     `json:"timestamp"`
	Kind      EntryKind     `json:"kind"`
	Link      *Link         `json:"link,omitempty"`
	Trade     *Trade        `json:"trade,omitempty"`
	Event     *events.Event `json:"event,omitempty"`
}

// Ledger is not safe for concurrent use; the session serializes writers.
type Ledger struct {
	tolerance float64
	entries   []Entry
	links     []Link
	byID      map[string]int
	trades    map[string][]Trade
	tip       Hash
}

// New returns an empty ledger.
func New(tolerance float64) *Ledger {
	return &Ledger{
		tolerance: tolerance,
		byID:      make(map[string]int),
		trades:    make(map[string][]Trade),
		tip:       Genesis,
	}
}

// HeaderHash commits to the previous header, the linklet difficulties and
// the mint time.
func HeaderHash(prev Hash, linklets []float64, at time.Time) Hash {
	buf := make([]byte, 0, chainhash.HashSize+8*len(linklets)+8)
	buf = append(buf, prev[:]...)
	for _, d := range linklets {
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(d))
	}
	buf = binary.BigEndian.AppendUint64(buf, uint64(at.UnixNano()))
	return Hash(chainhash.DoubleHashH(buf))
}

// Mint appends a link for a completed job and advances the tip.
func (l *Ledger) Mint(fact mining.LinkCompleted, id identifier.ID, owner string, value decimal.Decimal, tick uint64) Link {
	at := fact.CompletedAt.UTC()
	link := Link{
		Seq:          l.nextSeq(),
		ID:           id,
		JobID:        fact.JobID,
		Name:         fact.Name,
		Difficulty:   fact.Difficulty,
		Linklets:     slices.Clone(fact.Linklets),
		CreatedAt:    at,
		MintedValue:  value,
		Owner:        owner,
		PreviousHash: l.tip,
		HeaderHash:   HeaderHash(l.tip, fact.Linklets, at),
	}
	l.appendLink(link, tick)
	return link
}

func (l *Ledger) appendLink(link Link, tick uint64) {
	l.byID[link.ID.String()] = len(l.links)
	l.links = append(l.links, link)
	l.tip = link.HeaderHash
	stored := link
	stored.Linklets = slices.Clone(link.Linklets)
	l.entries = append(l.entries, Entry{
		Seq:       link.Seq,
		Tick:      tick,
		Timestamp: link.CreatedAt,
		Kind:      KindLink,
		Link:      &stored,
	})
}

// RecordTrade appends an executed trade. The unit price must sit on the
// quoted side of the spread and any referenced link must exist and belong to
// the seller; ownership then moves to the buyer.
func (l *Ledger) RecordTrade(t Trade, q market.Quote) (Trade, error) {
	idx := -1
	if t.LinkID != "" {
		i, ok := l.byID[t.LinkID]
		if !ok {
			return Trade{}, errors.Economy(errors.ErrUnknownLink, "record_trade", "link not in ledger").
				WithContext("link_id", t.LinkID)
		}
		if l.links[i].Owner != t.Seller {
			return Trade{}, errors.Economy(errors.ErrUnknownLink, "record_trade", "link not owned by seller").
				WithContext("link_id", t.LinkID).
				WithContext("owner", l.links[i].Owner)
		}
		idx = i
	}
	if !q.Admits(t.Side, t.UnitPrice.InexactFloat64(), l.tolerance) {
		return Trade{}, errors.Economy(errors.ErrPriceOutOfSpread, "record_trade", "price outside quoted spread").
			WithContext("unit_price", t.UnitPrice.String()).
			WithContext("bid", q.Bid).
			WithContext("ask", q.Ask)
	}

	l.appendTrade(t, idx)
	return t, nil
}

func (l *Ledger) appendTrade(t Trade, linkIdx int) {
	seq := l.nextSeq()
	if linkIdx >= 0 {
		l.links[linkIdx].Owner = t.Buyer
		l.trades[t.LinkID] = append(l.trades[t.LinkID], t)
	}
	stored := t
	l.entries = append(l.entries, Entry{
		Seq:       seq,
		Tick:      t.Tick,
		Timestamp: t.Timestamp,
		Kind:      KindTrade,
		Trade:     &stored,
	})
}

// RecordEvent appends a market event.
func (l *Ledger) RecordEvent(ev events.Event) Entry {
	stored := ev
	e := Entry{
		Seq:       l.nextSeq(),
		Tick:      ev.Tick,
		Timestamp: ev.Timestamp,
		Kind:      KindEvent,
		Event:     &stored,
	}
	l.entries = append(l.entries, e)
	return e
}

func (l *Ledger) nextSeq() uint64 {
	return uint64(len(l.entries)) + 1
}

// History returns the trades of a link in the order they executed.
func (l *Ledger) History(linkID string) []Trade {
	return slices.Clone(l.trades[linkID])
}

// Link looks up a minted link by identifier text.
func (l *Ledger) Link(id string) (Link, bool) {
	i, ok := l.byID[id]
	if !ok {
		return Link{}, false
	}
	return l.links[i], true
}

// Links returns the minted links in mint order.
func (l *Ledger) Links() []Link {
	return slices.Clone(l.links)
}

// Len is the number of entries of any kind.
func (l *Ledger) Len() int {
	return len(l.entries)
}

// LinkCount is the number of minted links.
func (l *Ledger) LinkCount() int {
	return len(l.links)
}

// Tip is the header hash of the last minted link, or Genesis.
func (l *Ledger) Tip() Hash {
	return l.tip
}

// Seq is the sequence number of the last entry.
func (l *Ledger) Seq() uint64 {
	return uint64(len(l.entries))
}

// Since returns the entries with sequence numbers above seq.
func (l *Ledger) Since(seq uint64) []Entry {
	if seq >= uint64(len(l.entries)) {
		return nil
	}
	return slices.Clone(l.entries[seq:])
}

// Entries returns the full append sequence.
func (l *Ledger) Entries() []Entry {
	return slices.Clone(l.entries)
}

// OwnedBy counts the links currently owned by owner.
func (l *Ledger) OwnedBy(owner string) int {
	n := 0
	for _, link := range l.links {
		if link.Owner == owner {
			n++
		}
	}
	return n
}
