package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/blockgrave/internal/difficulty"
	"github.com/bardlex/blockgrave/internal/ledger"
	"github.com/bardlex/blockgrave/internal/session"
	"github.com/bardlex/blockgrave/internal/upgrade"
	"github.com/bardlex/blockgrave/pkg/log"
)

// Game is the command surface of a session.
type Game interface {
	SelectJob(jobID string) (session.Selection, error)
	RefreshJobs() []difficulty.Job
	PurchaseUpgrade(tier string) (upgrade.Receipt, error)
	SubmitTrade(req session.TradeRequest) (ledger.Trade, error)
	ToggleRental(tier string, terms upgrade.Terms) (upgrade.RentalToggle, error)
	Snapshot() *session.Snapshot
}

// Config tunes the server.
type Config struct {
	Addr           string
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int
}

// Server accepts player connections
type Server struct {
	cfg    Config
	game   Game
	logger *log.Logger

	listener net.Listener
	ready    chan struct{}
	hub      *Hub
	nextID   atomic.Uint64
	slots    chan struct{}
	mu       sync.RWMutex
	wg       sync.WaitGroup

	handler *Handler
}

// NewServer creates a server driving game. Connections register with hub;
// a nil hub gets a private one.
func NewServer(cfg Config, game Game, hub *Hub, logger *log.Logger) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 64
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Minute
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	s := &Server{
		cfg:    cfg,
		game:   game,
		logger: logger.WithComponent("control"),
		ready:  make(chan struct{}),
		hub:    hub,
		slots:  make(chan struct{}, cfg.MaxConnections),
	}
	if s.hub == nil {
		s.hub = NewHub(logger)
	}
	s.handler = NewHandler(game, s.logger)
	return s
}

// Start listens on the configured address and serves until ctx is done
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is done or Shutdown
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	close(s.ready)
	s.logger.Info("control server listening", "address", listener.Addr().String())

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.WithError(err).Error("failed to accept connection")
			continue
		}

		select {
		case s.slots <- struct{}{}:
		default:
			s.logger.Warn("connection limit reached", "remote_addr", conn.RemoteAddr().String(),
				"max_connections", s.cfg.MaxConnections)
			s.reject(conn)
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) reject(conn net.Conn) {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if data, err := MarshalMessage(NewErrorResponse(nil, &Error{Code: ErrorInternal, Message: "too many connections"})); err == nil {
		_, _ = conn.Write(append(data, '\n'))
	}
	_ = conn.Close()
}

// Addr returns the listening address once Serve has started.
func (s *Server) Addr() net.Addr {
	<-s.ready
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listener.Addr()
}

func (s *Server) handleConnection(ctx context.Context, nc net.Conn) {
	defer s.wg.Done()
	defer func() { <-s.slots }()

	id := fmt.Sprintf("ctl-%d", s.nextID.Add(1))
	c := NewConn(id, nc, s.logger, s.cfg.ReadTimeout, s.cfg.WriteTimeout, s.cfg.MaxMessageSize)

	s.hub.add(c)
	defer s.hub.remove(id)

	if err := c.Serve(ctx, s.handler); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.WithError(err).Debug("connection ended", "conn_id", id)
	}
}

// Hub returns the connection registry.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	return s.hub.Len()
}

// Shutdown closes the listener and every connection, then waits for the
// handlers to return or ctx to end
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down control server")

	s.mu.RLock()
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.WithError(err).Warn("failed to close listener")
		}
	}
	s.mu.RUnlock()
	s.hub.closeAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all control connections closed")
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout exceeded")
		return ctx.Err()
	}
}
