package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bardlex/blockgrave/internal/ledger"
	"github.com/bardlex/blockgrave/internal/market"
	"github.com/bardlex/blockgrave/internal/session"
)

// Game is the read side of a session.
type Game interface {
	Snapshot() *session.Snapshot
	Quote() market.Quote
	Links() []ledger.Link
	Link(id string) (ledger.Link, bool)
	History(linkID string) ([]ledger.Trade, error)
	Entries(after uint64) []ledger.Entry
}

// StateHandler serves session state
type StateHandler struct {
	game Game
}

// NewStateHandler creates a new StateHandler
func NewStateHandler(game Game) *StateHandler {
	return &StateHandler{game: game}
}

// GetSnapshot returns the latest session snapshot
// GET /api/v1/state
func (h *StateHandler) GetSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.game.Snapshot())
}

// GetQuote returns the current two-sided price
// GET /api/v1/quote
func (h *StateHandler) GetQuote(c *gin.Context) {
	c.JSON(http.StatusOK, h.game.Quote())
}

// GetJobs returns the offered jobs and the active one
// GET /api/v1/jobs
func (h *StateHandler) GetJobs(c *gin.Context) {
	snap := h.game.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"pool":   snap.Pool,
		"active": snap.ActiveJob,
		"rate":   snap.Rate,
	})
}
