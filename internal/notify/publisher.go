// Package notify broadcasts ledger entries over ZeroMQ PUB/SUB. Each
// message has three frames: the entry kind as topic, the JSON entry and the
// little-endian sequence number.
package notify

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/blockgrave/internal/ledger"
	"github.com/bardlex/blockgrave/pkg/errors"
	"github.com/bardlex/blockgrave/pkg/log"
)

// Topics
const (
	TopicLink  = string(ledger.KindLink)
	TopicTrade = string(ledger.KindTrade)
	TopicEvent = string(ledger.KindEvent)
)

// Publisher sends entries on a bound PUB socket
type Publisher struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger

	mu     sync.Mutex
	sent   uint64
	closed bool
}

// NewPublisher binds a PUB socket on endpoint
func NewPublisher(endpoint string, logger *log.Logger) (*Publisher, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}
	if err := socket.SetLinger(0); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to set linger: %w", err)
	}
	if err := socket.Bind(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to bind ZMQ endpoint %s: %w", endpoint, err)
	}

	l := logger.WithComponent("notify")
	l.Info("ZMQ publisher bound", "endpoint", endpoint)
	return &Publisher{
		socket:   socket,
		endpoint: endpoint,
		logger:   l,
	}, nil
}

// Endpoint returns the bound endpoint.
func (p *Publisher) Endpoint() string {
	return p.endpoint
}

// Name implements feed.Sink.
func (p *Publisher) Name() string { return "zmq" }

// Write implements feed.Sink. PUB sockets drop messages nobody subscribed
// to, so a write only fails when the socket itself does.
func (p *Publisher) Write(_ context.Context, entries []ledger.Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New(errors.ErrorTypeNetwork, "zmq_publish", "publisher closed")
	}

	for _, e := range entries {
		body, err := json.Marshal(e)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "zmq_publish", "failed to encode entry").
				WithContext("seq", e.Seq)
		}
		seq := binary.LittleEndian.AppendUint64(nil, e.Seq)
		if _, err := p.socket.SendMessage(string(e.Kind), body, seq); err != nil {
			return errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_publish", "failed to send entry").
				WithContext("seq", e.Seq)
		}
		p.sent++
	}
	p.logger.Debug("published entries", "count", len(entries), "last_seq", entries[len(entries)-1].Seq)
	return nil
}

// Sent returns how many entries have been published.
func (p *Publisher) Sent() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

// Close implements feed.Sink.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.socket.Close()
}
