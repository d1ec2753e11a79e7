package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/bardlex/blockgrave/internal/ledger"
	bgerrors "github.com/bardlex/blockgrave/pkg/errors"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// LinkRepository handles link rows
type LinkRepository struct {
	db querier
}

// NewLinkRepository creates a new link repository
func NewLinkRepository(db querier) *LinkRepository {
	return &LinkRepository{db: db}
}

// Insert stores a link. Re-delivered entries are ignored.
func (r *LinkRepository) Insert(ctx context.Context, link *Link) error {
	query := `
		INSERT INTO links (seq, session_id, link_id, job_id, name, difficulty, linklets, minted_value,
		                   owner, previous_hash, header_hash, tick, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (session_id, seq) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query,
		link.Seq, link.SessionID, link.LinkID, link.JobID, link.Name, link.Difficulty,
		pq.Array(link.Linklets), link.MintedValue, link.Owner, link.PreviousHash,
		link.HeaderHash, link.Tick, link.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert link: %w", err)
	}
	return nil
}

// UpdateOwner moves a link to a new owner.
func (r *LinkRepository) UpdateOwner(ctx context.Context, sessionID uuid.UUID, linkID, owner string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE links SET owner = $1 WHERE session_id = $2 AND link_id = $3`, owner, sessionID, linkID)
	if err != nil {
		return fmt.Errorf("failed to update link owner: %w", err)
	}
	return nil
}

const linkColumns = `seq, session_id, link_id, job_id, name, difficulty, linklets, minted_value,
		       owner, previous_hash, header_hash, tick, created_at`

func scanLink(row interface{ Scan(...any) error }) (*Link, error) {
	link := &Link{}
	err := row.Scan(
		&link.Seq, &link.SessionID, &link.LinkID, &link.JobID, &link.Name, &link.Difficulty,
		pq.Array(&link.Linklets), &link.MintedValue, &link.Owner, &link.PreviousHash,
		&link.HeaderHash, &link.Tick, &link.CreatedAt,
	)
	return link, err
}

// GetByID retrieves a link of a session by its identifier text
func (r *LinkRepository) GetByID(ctx context.Context, sessionID uuid.UUID, linkID string) (*Link, error) {
	link, err := scanLink(r.db.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM links WHERE session_id = $1 AND link_id = $2`, sessionID, linkID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("link %s not archived: %w", linkID, bgerrors.ErrUnknownLink)
		}
		return nil, fmt.Errorf("failed to get link: %w", err)
	}
	return link, nil
}

// Recent retrieves the newest links of a session with pagination
func (r *LinkRepository) Recent(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]*Link, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+linkColumns+` FROM links WHERE session_id = $1 ORDER BY seq DESC LIMIT $2 OFFSET $3`,
		sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var links []*Link
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating links: %w", err)
	}
	return links, nil
}

// TradeRepository handles trade rows
type TradeRepository struct {
	db querier
}

// NewTradeRepository creates a new trade repository
func NewTradeRepository(db querier) *TradeRepository {
	return &TradeRepository{db: db}
}

// Insert stores a trade. Re-delivered entries are ignored.
func (r *TradeRepository) Insert(ctx context.Context, trade *Trade) error {
	query := `
		INSERT INTO trades (seq, session_id, trade_id, link_id, side, amount, seller, buyer,
		                    unit_price, price_credits, price_chain, tick, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (session_id, seq) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query,
		trade.Seq, trade.SessionID, trade.TradeID, trade.LinkID, trade.Side, trade.Amount,
		trade.Seller, trade.Buyer, trade.UnitPrice, trade.PriceCredits, trade.PriceChain,
		trade.Tick, trade.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

// ByLink retrieves a link's trades oldest first
func (r *TradeRepository) ByLink(ctx context.Context, sessionID uuid.UUID, linkID string) ([]*Trade, error) {
	query := `
		SELECT seq, session_id, trade_id, link_id, side, amount, seller, buyer,
		       unit_price, price_credits, price_chain, tick, executed_at
		FROM trades
		WHERE session_id = $1 AND link_id = $2
		ORDER BY seq`

	rows, err := r.db.QueryContext(ctx, query, sessionID, linkID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var trades []*Trade
	for rows.Next() {
		t := &Trade{}
		if err := rows.Scan(
			&t.Seq, &t.SessionID, &t.TradeID, &t.LinkID, &t.Side, &t.Amount, &t.Seller, &t.Buyer,
			&t.UnitPrice, &t.PriceCredits, &t.PriceChain, &t.Tick, &t.ExecutedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trades: %w", err)
	}
	return trades, nil
}

// EventRepository handles market event rows
type EventRepository struct {
	db querier
}

// NewEventRepository creates a new event repository
func NewEventRepository(db querier) *EventRepository {
	return &EventRepository{db: db}
}

// Insert stores an event. Re-delivered entries are ignored.
func (r *EventRepository) Insert(ctx context.Context, ev *MarketEvent) error {
	query := `
		INSERT INTO market_events (seq, session_id, event_id, kind, severity, magnitude, payload,
		                           note, link_job_id, tick, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (session_id, seq) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query,
		ev.Seq, ev.SessionID, ev.EventID, ev.Kind, ev.Severity, ev.Magnitude, ev.Payload,
		ev.Note, ev.LinkJobID, ev.Tick, ev.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// Archive writes a batch of feed entries in one transaction, applying link
// ownership changes carried by trades.
func (c *Client) Archive(ctx context.Context, sessionID uuid.UUID, entries []ledger.Entry) error {
	tx, err := c.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin archive transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	links := NewLinkRepository(tx)
	trades := NewTradeRepository(tx)
	events := NewEventRepository(tx)

	for _, e := range entries {
		rows, err := FromEntry(sessionID, e)
		if err != nil {
			return err
		}
		switch {
		case rows.Link != nil:
			err = links.Insert(ctx, rows.Link)
		case rows.Trade != nil:
			err = trades.Insert(ctx, rows.Trade)
			if err == nil && rows.Trade.LinkID.Valid {
				err = links.UpdateOwner(ctx, sessionID, rows.Trade.LinkID.String, rows.Trade.Buyer)
			}
		case rows.Event != nil:
			err = events.Insert(ctx, rows.Event)
		}
		if err != nil {
			return fmt.Errorf("archive seq %d: %w", e.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive: %w", err)
	}
	return nil
}

// Link returns an archived link of a session.
func (c *Client) Link(ctx context.Context, sessionID uuid.UUID, linkID string) (*Link, error) {
	return NewLinkRepository(c.db).GetByID(ctx, sessionID, linkID)
}

// RecentLinks returns the newest n archived links of a session.
func (c *Client) RecentLinks(ctx context.Context, sessionID uuid.UUID, n int) ([]*Link, error) {
	return NewLinkRepository(c.db).Recent(ctx, sessionID, n, 0)
}

// LinkTrades returns the archived trades of a link, oldest first.
func (c *Client) LinkTrades(ctx context.Context, sessionID uuid.UUID, linkID string) ([]*Trade, error) {
	return NewTradeRepository(c.db).ByLink(ctx, sessionID, linkID)
}

// LastArchivedSeq returns the highest archived sequence number of a session.
func (c *Client) LastArchivedSeq(ctx context.Context, sessionID uuid.UUID) (uint64, error) {
	query := `
		SELECT COALESCE(MAX(seq), 0) FROM (
			SELECT seq FROM links WHERE session_id = $1
			UNION ALL SELECT seq FROM trades WHERE session_id = $1
			UNION ALL SELECT seq FROM market_events WHERE session_id = $1
		) s`

	var seq int64
	if err := c.db.QueryRowContext(ctx, query, sessionID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read last archived seq: %w", err)
	}
	return uint64(seq), nil
}

// OwnerStats aggregates an owner's minting and trading.
func (c *Client) OwnerStats(ctx context.Context, owner string) (*OwnerStats, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM links WHERE owner = $1),
			(SELECT COALESCE(SUM(minted_value), 0) FROM links WHERE owner = $1),
			(SELECT COUNT(*) FROM trades WHERE seller = $1 OR buyer = $1)`

	stats := &OwnerStats{Owner: owner}
	if err := c.db.QueryRowContext(ctx, query, owner).Scan(
		&stats.LinksMinted, &stats.MintedValue, &stats.Trades,
	); err != nil {
		return nil, fmt.Errorf("failed to read owner stats: %w", err)
	}
	return stats, nil
}
