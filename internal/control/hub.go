package control

import (
	"context"
	"sync"

	"github.com/bardlex/blockgrave/internal/ledger"
	"github.com/bardlex/blockgrave/pkg/log"
)

// Hub tracks open connections and pushes feed entries to subscribers. It
// exists apart from Server so it can join the feed before the session it
// serves is built.
type Hub struct {
	logger *log.Logger

	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewHub creates an empty hub
func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		logger: logger.WithComponent("control"),
		conns:  make(map[string]*Conn),
	}
}

func (h *Hub) add(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.ID()] = c
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, id)
}

// Len returns the number of open connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// closeAll closes every registered connection.
func (h *Hub) closeAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		c.Close()
	}
}

// Name implements feed.Sink.
func (h *Hub) Name() string { return "control" }

// Write implements feed.Sink by notifying every subscribed connection. A
// connection that cannot keep up misses entries; it can resync with
// state.snapshot.
func (h *Hub) Write(_ context.Context, entries []ledger.Entry) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.conns {
		if !c.IsSubscribed() {
			continue
		}
		for _, e := range entries {
			if err := c.SendNotification(NotifyFeedEntry, e); err != nil {
				h.logger.WithError(err).Warn("failed to notify subscriber",
					"conn_id", c.ID(), "seq", e.Seq)
				break
			}
		}
	}
	return nil
}

// Close implements feed.Sink. Connections are closed by Server.Shutdown.
func (h *Hub) Close() error { return nil }
