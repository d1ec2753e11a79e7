package notify

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/blockgrave/internal/ledger"
	"github.com/bardlex/blockgrave/pkg/log"
)

// Subscriber receives entries from a Publisher
type Subscriber struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
	poll     time.Duration
}

// NewSubscriber creates a SUB socket for endpoint
func NewSubscriber(endpoint string, logger *log.Logger) (*Subscriber, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}

	return &Subscriber{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("notify"),
		poll:     100 * time.Millisecond,
	}, nil
}

// Subscribe subscribes to a topic; "" receives everything
func (s *Subscriber) Subscribe(topic string) error {
	if err := s.socket.SetSubscribe(topic); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	s.logger.Info("subscribed to ZMQ topic", "topic", topic)
	return nil
}

// Connect connects to the publisher endpoint
func (s *Subscriber) Connect() error {
	if err := s.socket.Connect(s.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", s.endpoint, err)
	}
	s.logger.Info("connected to ZMQ endpoint", "endpoint", s.endpoint)
	return nil
}

// Listen delivers entries to handler until ctx is done. Malformed messages
// are logged and skipped.
func (s *Subscriber) Listen(ctx context.Context, handler func(topic string, e ledger.Entry) error) error {
	poller := zmq.NewPoller()
	poller.Add(s.socket, zmq.POLLIN)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ZMQ listener stopping")
			return ctx.Err()
		default:
		}

		polled, err := poller.Poll(s.poll)
		if err != nil {
			if zmq.AsErrno(err) == zmq.ETERM {
				return err
			}
			s.logger.WithError(err).Warn("ZMQ poll failed")
			continue
		}
		if len(polled) == 0 {
			continue
		}

		msg, err := s.socket.RecvMessageBytes(0)
		if err != nil {
			s.logger.WithError(err).Error("failed to receive ZMQ message")
			continue
		}

		topic, entry, err := DecodeMessage(msg)
		if err != nil {
			s.logger.WithError(err).Warn("received malformed ZMQ message", "parts", len(msg))
			continue
		}

		if err := handler(topic, entry); err != nil {
			s.logger.WithError(err).Error("failed to handle ZMQ message", "topic", topic, "seq", entry.Seq)
		}
	}
}

// DecodeMessage parses the three frames of a published entry.
func DecodeMessage(frames [][]byte) (string, ledger.Entry, error) {
	var e ledger.Entry
	if len(frames) != 3 {
		return "", e, fmt.Errorf("expected 3 frames, got %d", len(frames))
	}
	if len(frames[2]) != 8 {
		return "", e, fmt.Errorf("invalid sequence frame length: %d", len(frames[2]))
	}
	if err := json.Unmarshal(frames[1], &e); err != nil {
		return "", e, fmt.Errorf("invalid entry body: %w", err)
	}
	topic := string(frames[0])
	if seq := binary.LittleEndian.Uint64(frames[2]); seq != e.Seq {
		return "", e, fmt.Errorf("sequence frame %d does not match entry %d", seq, e.Seq)
	}
	if topic != string(e.Kind) {
		return "", e, fmt.Errorf("topic %q does not match entry kind %q", topic, e.Kind)
	}
	return topic, e, nil
}

// Close closes the ZMQ socket
func (s *Subscriber) Close() error {
	if s.socket != nil {
		return s.socket.Close()
	}
	return nil
}
