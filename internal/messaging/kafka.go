// Package messaging carries the BLOCKGRAVE ledger feed over Kafka. The daemon
// publishes every entry in sequence order; recorders consume it into their
// own stores.
package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bardlex/blockgrave/internal/ledger"
	"github.com/bardlex/blockgrave/pkg/circuit"
	"github.com/bardlex/blockgrave/pkg/errors"
	"github.com/bardlex/blockgrave/pkg/log"
	"github.com/bardlex/blockgrave/pkg/retry"
)

// messageWriter is the subset of *kafka.Writer the client uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// messageReader is the subset of *kafka.Reader the consumer loop uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaClient wraps kafka-go with connection pooling, retries and a breaker
type KafkaClient struct {
	brokers        []string
	logger         *log.Logger
	writers        map[string]messageWriter
	readers        map[string]messageReader
	writersMu      sync.RWMutex
	readersMu      sync.RWMutex
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config

	newWriter func(topic string) messageWriter
	newReader func(topic, groupID string) messageReader
}

// NewKafkaClient creates a new Kafka client
func NewKafkaClient(brokers []string, logger *log.Logger) *KafkaClient {
	cbConfig := &circuit.Config{
		Name:            "kafka",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
		OnStateChange: func(name string, from, to circuit.State) {
			logger.Warn("circuit breaker transition", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	k := &KafkaClient{
		brokers:        brokers,
		logger:         logger.WithComponent("kafka"),
		writers:        make(map[string]messageWriter),
		readers:        make(map[string]messageReader),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.FeedConfig(),
	}
	k.newWriter = k.kafkaWriter
	k.newReader = k.kafkaReader
	return k
}

func (k *KafkaClient) kafkaWriter(topic string) messageWriter {
	return &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}
}

func (k *KafkaClient) kafkaReader(topic, groupID string) messageReader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxWait:     1 * time.Second,
	})
}

// GetProducer gets or creates a producer for a topic
func (k *KafkaClient) GetProducer(topic string) messageWriter {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	// Double-check after acquiring write lock
	if writer, exists := k.writers[topic]; exists {
		return writer
	}

	writer := k.newWriter(topic)
	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// GetConsumer gets or creates a consumer for a topic and group
func (k *KafkaClient) GetConsumer(topic, groupID string) messageReader {
	key := fmt.Sprintf("%s-%s", topic, groupID)

	k.readersMu.RLock()
	if reader, exists := k.readers[key]; exists {
		k.readersMu.RUnlock()
		return reader
	}
	k.readersMu.RUnlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	if reader, exists := k.readers[key]; exists {
		return reader
	}

	reader := k.newReader(topic, groupID)
	k.readers[key] = reader
	k.logger.Info("created Kafka consumer", "topic", topic, "group_id", groupID)
	return reader
}

// Publish writes msgs to topic as one batch under the breaker and retry policy.
func (k *KafkaClient) Publish(ctx context.Context, topic string, msgs ...kafka.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			writer := k.GetProducer(topic)
			if err := writer.WriteMessages(ctx, msgs...); err != nil {
				return errors.Wrap(err, errors.ErrorTypeKafka, "publish_messages",
					"failed to publish messages to Kafka").
					WithContext("topic", topic).
					WithContext("batch_size", len(msgs))
			}

			k.logger.Debug("published batch", "topic", topic, "size", len(msgs))
			return nil
		})
	})
}

// PublishEntries encodes entries and publishes them to topic in order.
func (k *KafkaClient) PublishEntries(ctx context.Context, topic, sessionID string, entries []ledger.Entry) error {
	msgs := make([]kafka.Message, 0, len(entries))
	for _, e := range entries {
		msg, err := EncodeEntry(sessionID, e)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	return k.Publish(ctx, topic, msgs...)
}

// EntryHandler processes one decoded feed message. A handler error leaves
// the message uncommitted so it is redelivered after a restart.
type EntryHandler interface {
	HandleEntry(ctx context.Context, msg FeedMessage) error
}

// EntryHandlerFunc adapts a function to EntryHandler.
type EntryHandlerFunc func(ctx context.Context, msg FeedMessage) error

// HandleEntry calls f.
func (f EntryHandlerFunc) HandleEntry(ctx context.Context, msg FeedMessage) error {
	return f(ctx, msg)
}

// StartConsumer runs a consumer loop for a topic until ctx is done.
func (k *KafkaClient) StartConsumer(ctx context.Context, topic, groupID string, handler EntryHandler) error {
	reader := k.GetConsumer(topic, groupID)
	k.logger.Info("starting consumer", "topic", topic, "group_id", groupID)

	for {
		select {
		case <-ctx.Done():
			k.logger.Info("consumer stopping", "topic", topic)
			return ctx.Err()
		default:
		}

		raw, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			k.logger.Error("failed to fetch message", "topic", topic, "error", err)
			continue
		}

		msg, err := DecodeEntry(raw)
		if err != nil {
			// Undecodable records are skipped; redelivery would fail the same way.
			k.logger.Error("failed to decode message", "topic", topic, "offset", raw.Offset, "error", err)
			k.commit(ctx, reader, raw)
			continue
		}

		if err := retry.Do(ctx, k.retryConfig, func() error {
			return handler.HandleEntry(ctx, msg)
		}); err != nil {
			k.logger.Error("failed to handle message", "topic", topic, "seq", msg.Entry.Seq, "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, errors.ErrorTypeKafka, "handle_entry", "handler gave up").
				WithContext("seq", msg.Entry.Seq)
		}
		k.commit(ctx, reader, raw)
	}
}

func (k *KafkaClient) commit(ctx context.Context, reader messageReader, msg kafka.Message) {
	if err := reader.CommitMessages(ctx, msg); err != nil {
		k.logger.Warn("failed to commit offset", "offset", msg.Offset, "error", err)
	}
}

// Close closes all producers and consumers
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	var lastErr error

	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			k.logger.Error("failed to close producer", "topic", topic, "error", err)
			lastErr = err
		}
	}

	for key, reader := range k.readers {
		if err := reader.Close(); err != nil {
			k.logger.Error("failed to close consumer", "key", key, "error", err)
			lastErr = err
		}
	}

	k.writers = make(map[string]messageWriter)
	k.readers = make(map[string]messageReader)
	return lastErr
}

// Sink publishes the ledger feed to a Kafka topic.
type Sink struct {
	client    *KafkaClient
	topic     string
	sessionID string
}

// NewSink returns a feed sink on topic. Close closes client.
func NewSink(client *KafkaClient, topic, sessionID string) *Sink {
	return &Sink{client: client, topic: topic, sessionID: sessionID}
}

// Name implements feed.Sink.
func (s *Sink) Name() string { return "kafka" }

// Write implements feed.Sink.
func (s *Sink) Write(ctx context.Context, entries []ledger.Entry) error {
	return s.client.PublishEntries(ctx, s.topic, s.sessionID, entries)
}

// Close implements feed.Sink.
func (s *Sink) Close() error { return s.client.Close() }
