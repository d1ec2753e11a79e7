// Package api serves the read-only HTTP view of a session.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bardlex/blockgrave/internal/api/handlers"
	"github.com/bardlex/blockgrave/internal/api/middleware"
	"github.com/bardlex/blockgrave/pkg/log"
)

// Router wraps the Gin router with handlers
type Router struct {
	engine        *gin.Engine
	stateHandler  *handlers.StateHandler
	ledgerHandler *handlers.LedgerHandler
	statsHandler  *handlers.StatsHandler
	logger        *log.Logger
}

// NewRouter creates a new Router. stats and health may be nil.
func NewRouter(game handlers.Game, stats handlers.Stats, health handlers.HealthFunc, logger *log.Logger) *Router {
	gin.SetMode(gin.ReleaseMode)

	r := &Router{
		engine:        gin.New(),
		stateHandler:  handlers.NewStateHandler(game),
		ledgerHandler: handlers.NewLedgerHandler(game),
		statsHandler:  handlers.NewStatsHandler(stats, health),
		logger:        logger.WithComponent("api"),
	}

	r.setupMiddleware()
	r.setupRoutes()

	return r
}

func (r *Router) setupMiddleware() {
	r.engine.Use(middleware.Recovery(r.logger))
	r.engine.Use(middleware.Logger(r.logger))
	r.engine.Use(middleware.CORS())
}

func (r *Router) setupRoutes() {
	r.engine.GET("/health", r.statsHandler.Health)

	v1 := r.engine.Group("/api/v1")
	{
		v1.GET("/state", r.stateHandler.GetSnapshot)
		v1.GET("/quote", r.stateHandler.GetQuote)
		v1.GET("/jobs", r.stateHandler.GetJobs)

		links := v1.Group("/links")
		{
			links.GET("", r.ledgerHandler.ListLinks)
			links.GET("/:id", r.ledgerHandler.GetLink)
			links.GET("/:id/trades", r.ledgerHandler.GetLinkTrades)
		}

		v1.GET("/feed", r.ledgerHandler.GetFeed)
		v1.GET("/identifiers/:id", r.ledgerHandler.DecodeIdentifier)
		v1.GET("/stats", r.statsHandler.GetCounters)
		v1.GET("/leaderboard", r.statsHandler.GetLeaderboard)
	}
}

// Engine returns the underlying Gin engine
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// Server returns an HTTP server for the router on addr. A zero idle
// timeout keeps the two minute default.
func (r *Router) Server(addr string, idle time.Duration) *http.Server {
	if idle <= 0 {
		idle = 120 * time.Second
	}
	return &http.Server{
		Addr:              addr,
		Handler:           r.engine,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       idle,
	}
}
