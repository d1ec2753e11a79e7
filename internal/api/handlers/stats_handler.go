package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bardlex/blockgrave/internal/database/redis"
)

// Stats is the live counter store.
type Stats interface {
	Counters(ctx context.Context) (*redis.Counters, error)
	TopMinters(ctx context.Context, n int64) ([]redis.LeaderboardEntry, error)
}

// HealthFunc reports backend health.
type HealthFunc func(ctx context.Context) error

// StatsHandler serves counters, the leaderboard and health
type StatsHandler struct {
	stats  Stats
	health HealthFunc
}

// NewStatsHandler creates a new StatsHandler. Either argument may be nil.
func NewStatsHandler(stats Stats, health HealthFunc) *StatsHandler {
	return &StatsHandler{stats: stats, health: health}
}

// GetCounters returns the live counters
// GET /api/v1/stats
func (h *StatsHandler) GetCounters(c *gin.Context) {
	if h.stats == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Counters not configured"})
		return
	}
	counters, err := h.stats.Counters(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, counters)
}

// GetLeaderboard returns the top minters
// GET /api/v1/leaderboard?n=
func (h *StatsHandler) GetLeaderboard(c *gin.Context) {
	if h.stats == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Counters not configured"})
		return
	}
	n, ok := queryInt(c, "n", 10, 100)
	if !ok {
		return
	}
	if n == 0 {
		c.JSON(http.StatusOK, gin.H{"leaders": []redis.LeaderboardEntry{}})
		return
	}
	leaders, err := h.stats.TopMinters(c.Request.Context(), int64(n))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"leaders": leaders})
}

// Health checks the backends
// GET /health
func (h *StatsHandler) Health(c *gin.Context) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if err := h.health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
