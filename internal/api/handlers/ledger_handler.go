package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/bardlex/blockgrave/internal/identifier"
	"github.com/bardlex/blockgrave/internal/ledger"
	"github.com/bardlex/blockgrave/pkg/errors"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// LedgerHandler serves links, trades and the entry feed
type LedgerHandler struct {
	game Game
}

// NewLedgerHandler creates a new LedgerHandler
func NewLedgerHandler(game Game) *LedgerHandler {
	return &LedgerHandler{game: game}
}

// ListLinks returns minted links, newest first, optionally for one owner
// GET /api/v1/links?owner=&limit=
func (h *LedgerHandler) ListLinks(c *gin.Context) {
	limit, ok := queryInt(c, "limit", defaultPageSize, maxPageSize)
	if !ok {
		return
	}
	owner := c.Query("owner")

	links := h.game.Links()
	out := make([]ledger.Link, 0, min(limit, len(links)))
	for i := len(links) - 1; i >= 0 && len(out) < limit; i-- {
		if owner != "" && links[i].Owner != owner {
			continue
		}
		out = append(out, links[i])
	}
	c.JSON(http.StatusOK, gin.H{"links": out, "total": len(links)})
}

// GetLink returns one link by identifier
// GET /api/v1/links/:id
func (h *LedgerHandler) GetLink(c *gin.Context) {
	id := c.Param("id")
	if _, err := identifier.Parse(id); err != nil {
		respondError(c, err)
		return
	}

	link, ok := h.game.Link(id)
	if !ok {
		respondError(c, errors.Economy(errors.ErrUnknownLink, "get_link", "link not in ledger"))
		return
	}
	c.JSON(http.StatusOK, link)
}

// GetLinkTrades returns the trade history of a link
// GET /api/v1/links/:id/trades
func (h *LedgerHandler) GetLinkTrades(c *gin.Context) {
	id := c.Param("id")
	if _, err := identifier.Parse(id); err != nil {
		respondError(c, err)
		return
	}

	trades, err := h.game.History(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"link_id": id, "trades": trades})
}

// GetFeed returns ledger entries after a sequence number
// GET /api/v1/feed?after=&limit=
func (h *LedgerHandler) GetFeed(c *gin.Context) {
	var after uint64
	if raw := c.Query("after"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid after"})
			return
		}
		after = v
	}
	limit, ok := queryInt(c, "limit", maxPageSize, maxPageSize)
	if !ok {
		return
	}

	entries := h.game.Entries(after)
	more := len(entries) > limit
	if more {
		entries = entries[:limit]
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "more": more})
}

// DecodeIdentifier validates an identifier and returns its fields
// GET /api/v1/identifiers/:id
func (h *LedgerHandler) DecodeIdentifier(c *gin.Context) {
	id, err := identifier.Parse(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":                id.String(),
		"difficulty_bucket": id.DifficultyBucket,
		"size_bucket":       id.SizeBucket,
		"body":              id.Body,
		"checksum":          string(id.Checksum),
	})
}
