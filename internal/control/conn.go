package control

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bardlex/blockgrave/pkg/log"
)

// Conn is one player connection
type Conn struct {
	id     string
	conn   net.Conn
	logger *log.Logger

	subscribed bool
	commands   uint64

	readTimeout    time.Duration
	writeTimeout   time.Duration
	maxMessageSize int

	outbound chan []byte
	done     chan struct{}

	mu sync.RWMutex
}

// NewConn wraps conn. Lines longer than maxMessageSize end the connection.
func NewConn(id string, conn net.Conn, logger *log.Logger, readTimeout, writeTimeout time.Duration, maxMessageSize int) *Conn {
	return &Conn{
		id:             id,
		conn:           conn,
		logger:         logger.WithFields("conn_id", id, "remote_addr", conn.RemoteAddr().String()),
		readTimeout:    readTimeout,
		writeTimeout:   writeTimeout,
		maxMessageSize: maxMessageSize,
		outbound:       make(chan []byte, 256),
		done:           make(chan struct{}),
	}
}

// Serve processes requests until the peer disconnects, ctx ends or Close is called
func (c *Conn) Serve(ctx context.Context, handler MessageHandler) error {
	c.logger.LogConnection("connected", c.conn.RemoteAddr().String())
	ctx = log.ContextWithConn(ctx, c.id)

	go c.writeLoop(ctx)

	return c.readLoop(ctx, handler)
}

func (c *Conn) readLoop(ctx context.Context, handler MessageHandler) error {
	defer c.Close()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, min(c.maxMessageSize, 4096)), c.maxMessageSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		default:
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			c.logger.WithError(err).Error("failed to set read deadline")
			return err
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				select {
				case <-c.done:
					return nil
				default:
				}
				c.logger.WithError(err).Warn("read failed")
				return err
			}
			c.logger.Info("client disconnected")
			return nil
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		c.logger.LogControlMessage("received", string(line))

		msg, err := ParseMessage(line)
		if err != nil {
			c.logger.WithError(err).Warn("failed to parse message")
			if sendErr := c.SendError(nil, &Error{Code: ErrorParseError, Message: "Parse error"}); sendErr != nil {
				c.logger.WithError(sendErr).Error("failed to send parse error")
			}
			continue
		}

		c.mu.Lock()
		c.commands++
		c.mu.Unlock()

		if err := handler.HandleMessage(ctx, c, msg); err != nil {
			c.logger.WithError(err).Error("failed to handle message")
		}
	}
}

func (c *Conn) writeLoop(ctx context.Context) {
	defer func() {
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("connection close", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			c.flush()
			return
		case data := <-c.outbound:
			if !c.write(data) {
				return
			}
		}
	}
}

// flush writes whatever is still queued, so a final response is not lost
// when the reader closes first.
func (c *Conn) flush() {
	for {
		select {
		case data := <-c.outbound:
			if !c.write(data) {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(data []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		c.logger.WithError(err).Error("failed to set write deadline")
		return false
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		c.logger.WithError(err).Warn("failed to write message")
		return false
	}
	c.logger.LogControlMessage("sent", string(data))
	return true
}

// Send queues a message for the client
func (c *Conn) Send(msg *Message) error {
	data, err := MarshalMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case <-c.done:
		return fmt.Errorf("connection closed")
	default:
	}
	select {
	case c.outbound <- data:
		return nil
	default:
		return fmt.Errorf("outbound channel full")
	}
}

// SendResponse sends a response message
func (c *Conn) SendResponse(id any, result any) error {
	return c.Send(NewResponse(id, result))
}

// SendError sends an error response
func (c *Conn) SendError(id any, e *Error) error {
	return c.Send(NewErrorResponse(id, e))
}

// SendNotification sends a notification message
func (c *Conn) SendNotification(method string, params any) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// Close closes the connection
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
		close(c.done)
		c.logger.LogConnection("disconnected", c.conn.RemoteAddr().String())
	}
}

// ID returns the connection identifier.
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the remote address of the client connection.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// IsSubscribed reports whether the connection receives feed notifications.
func (c *Conn) IsSubscribed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscribed
}

// SetSubscribed sets the feed subscription.
func (c *Conn) SetSubscribed(subscribed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = subscribed
}

// Commands returns how many messages the connection has sent.
func (c *Conn) Commands() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.commands
}

// MessageHandler handles control messages
type MessageHandler interface {
	HandleMessage(ctx context.Context, conn *Conn, msg *Message) error
}
