package control

import (
	"context"
	"time"

	"github.com/bardlex/blockgrave/internal/session"
	"github.com/bardlex/blockgrave/internal/upgrade"
	"github.com/bardlex/blockgrave/pkg/log"
)

// Handler dispatches requests to the game
type Handler struct {
	game   Game
	logger *log.Logger
}

// NewHandler creates a handler over game
func NewHandler(game Game, logger *log.Logger) *Handler {
	return &Handler{
		game:   game,
		logger: logger.WithComponent("handler"),
	}
}

// HandleMessage implements MessageHandler
func (h *Handler) HandleMessage(ctx context.Context, conn *Conn, msg *Message) error {
	if msg.IsRequest() {
		return h.handleRequest(ctx, conn, msg)
	}

	h.logger.Debug("ignoring non-request message", "method", msg.Method)
	if msg.Method == "" && msg.ID == nil {
		return conn.SendError(nil, &Error{Code: ErrorInvalidRequest, Message: "Invalid request"})
	}
	return nil
}

func (h *Handler) handleRequest(ctx context.Context, conn *Conn, msg *Message) error {
	start := time.Now()
	logger := h.logger.WithContext(log.ContextWithRequest(ctx, msg.ID))
	result, rpcErr := h.dispatch(conn, msg)
	if rpcErr != nil {
		logger.Debug("request failed",
			"method", msg.Method,
			"code", rpcErr.Code,
			"kind", rpcErr.Kind,
		)
		return conn.SendError(msg.ID, rpcErr)
	}
	logger.Debug("request served", "method", msg.Method, "duration", time.Since(start))
	return conn.SendResponse(msg.ID, result)
}

func (h *Handler) dispatch(conn *Conn, msg *Message) (any, *Error) {
	switch msg.Method {
	case MethodSelectJob:
		var p SelectJobParams
		if err := msg.DecodeParams(&p); err != nil || p.JobID == "" {
			return nil, invalidParams("job_id is required")
		}
		return wrap(h.game.SelectJob(p.JobID))

	case MethodRefreshJobs:
		return h.game.RefreshJobs(), nil

	case MethodPurchase:
		var p PurchaseParams
		if err := msg.DecodeParams(&p); err != nil || p.Tier == "" {
			return nil, invalidParams("tier is required")
		}
		return wrap(h.game.PurchaseUpgrade(p.Tier))

	case MethodSubmitTrade:
		var p session.TradeRequest
		if err := msg.DecodeParams(&p); err != nil {
			return nil, invalidParams(err.Error())
		}
		return wrap(h.game.SubmitTrade(p))

	case MethodToggleRental:
		var p RentalParams
		if err := msg.DecodeParams(&p); err != nil || p.Tier == "" {
			return nil, invalidParams("tier is required")
		}
		return wrap(h.game.ToggleRental(p.Tier, upgrade.Terms{
			Units:      p.Units,
			Duration:   time.Duration(p.Duration),
			CostPerSec: p.CostPerSec,
		}))

	case MethodSnapshot:
		return h.game.Snapshot(), nil

	case MethodSubscribeFeed:
		conn.SetSubscribed(true)
		return true, nil

	default:
		h.logger.Warn("unknown method", "method", msg.Method)
		return nil, &Error{Code: ErrorMethodNotFound, Message: "Method not found"}
	}
}

func wrap[T any](v T, err error) (any, *Error) {
	if err != nil {
		return nil, ErrorFor(err)
	}
	return v, nil
}

func invalidParams(message string) *Error {
	return &Error{Code: ErrorInvalidParams, Message: message}
}
