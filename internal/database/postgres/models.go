package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bardlex/blockgrave/internal/ledger"
)

// Link is an archived minted link.
type Link struct {
	Seq          int64           `db:"seq"`
	SessionID    uuid.UUID       `db:"session_id"`
	LinkID       string          `db:"link_id"`
	JobID        string          `db:"job_id"`
	Name         string          `db:"name"`
	Difficulty   float64         `db:"difficulty"`
	Linklets     []float64       `db:"linklets"`
	MintedValue  decimal.Decimal `db:"minted_value"`
	Owner        string          `db:"owner"`
	PreviousHash string          `db:"previous_hash"`
	HeaderHash   string          `db:"header_hash"`
	Tick         int64           `db:"tick"`
	CreatedAt    time.Time       `db:"created_at"`
}

// Trade is an archived exchange.
type Trade struct {
	Seq          int64           `db:"seq"`
	SessionID    uuid.UUID       `db:"session_id"`
	TradeID      uuid.UUID       `db:"trade_id"`
	LinkID       sql.NullString  `db:"link_id"`
	Side         string          `db:"side"`
	Amount       decimal.Decimal `db:"amount"`
	Seller       string          `db:"seller"`
	Buyer        string          `db:"buyer"`
	UnitPrice    decimal.Decimal `db:"unit_price"`
	PriceCredits decimal.Decimal `db:"price_credits"`
	PriceChain   decimal.Decimal `db:"price_chain"`
	Tick         int64           `db:"tick"`
	ExecutedAt   time.Time       `db:"executed_at"`
}

// MarketEvent is an archived market event.
type MarketEvent struct {
	Seq        int64          `db:"seq"`
	SessionID  uuid.UUID      `db:"session_id"`
	EventID    uuid.UUID      `db:"event_id"`
	Kind       string         `db:"kind"`
	Severity   string         `db:"severity"`
	Magnitude  float64        `db:"magnitude"`
	Payload    []byte         `db:"payload"`
	Note       string         `db:"note"`
	LinkJobID  sql.NullString `db:"link_job_id"`
	Tick       int64          `db:"tick"`
	OccurredAt time.Time      `db:"occurred_at"`
}

// Rows is the archive form of one feed entry; exactly one field is set.
type Rows struct {
	Link  *Link
	Trade *Trade
	Event *MarketEvent
}

// FromEntry maps a feed entry onto its archive row.
func FromEntry(sessionID uuid.UUID, e ledger.Entry) (Rows, error) {
	switch e.Kind {
	case ledger.KindLink:
		if e.Link == nil {
			return Rows{}, fmt.Errorf("entry %d: link payload missing", e.Seq)
		}
		l := e.Link
		return Rows{Link: &Link{
			Seq:          int64(e.Seq),
			SessionID:    sessionID,
			LinkID:       l.ID.String(),
			JobID:        l.JobID,
			Name:         l.Name,
			Difficulty:   l.Difficulty,
			Linklets:     l.Linklets,
			MintedValue:  l.MintedValue,
			Owner:        l.Owner,
			PreviousHash: l.PreviousHash.String(),
			HeaderHash:   l.HeaderHash.String(),
			Tick:         int64(e.Tick),
			CreatedAt:    l.CreatedAt,
		}}, nil

	case ledger.KindTrade:
		if e.Trade == nil {
			return Rows{}, fmt.Errorf("entry %d: trade payload missing", e.Seq)
		}
		t := e.Trade
		return Rows{Trade: &Trade{
			Seq:          int64(e.Seq),
			SessionID:    sessionID,
			TradeID:      t.ID,
			LinkID:       sql.NullString{String: t.LinkID, Valid: t.LinkID != ""},
			Side:         string(t.Side),
			Amount:       t.Amount,
			Seller:       t.Seller,
			Buyer:        t.Buyer,
			UnitPrice:    t.UnitPrice,
			PriceCredits: t.PriceCredits,
			PriceChain:   t.PriceChain,
			Tick:         int64(e.Tick),
			ExecutedAt:   t.Timestamp,
		}}, nil

	case ledger.KindEvent:
		if e.Event == nil {
			return Rows{}, fmt.Errorf("entry %d: event payload missing", e.Seq)
		}
		ev := e.Event
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return Rows{}, fmt.Errorf("entry %d: encode payload: %w", e.Seq, err)
		}
		return Rows{Event: &MarketEvent{
			Seq:        int64(e.Seq),
			SessionID:  sessionID,
			EventID:    ev.ID,
			Kind:       string(ev.Kind),
			Severity:   string(ev.Severity),
			Magnitude:  ev.Magnitude,
			Payload:    payload,
			Note:       ev.Note,
			LinkJobID:  sql.NullString{String: ev.LinkJobID, Valid: ev.LinkJobID != ""},
			Tick:       int64(e.Tick),
			OccurredAt: ev.Timestamp,
		}}, nil
	}
	return Rows{}, fmt.Errorf("entry %d: unknown kind %q", e.Seq, e.Kind)
}

// OwnerStats summarizes a player's archived activity.
type OwnerStats struct {
	Owner       string          `json:"owner"`
	LinksMinted int64           `json:"links_minted"`
	MintedValue decimal.Decimal `json:"minted_value"`
	Trades      int64           `json:"trades"`
}
