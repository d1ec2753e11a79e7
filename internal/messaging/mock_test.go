package messaging

import (
	"context"
	"io"
	"sync"

	"github.com/segmentio/kafka-go"

	"github.com/bardlex/blockgrave/pkg/log"
)

func testLogger() *log.Logger {
	return log.NewWithWriter(io.Discard, "test", "test", "error", "text")
}

type mockWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	failures int
	err      error
	closed   bool
}

func (w *mockWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *mockWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

type mockReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
	closed    bool
}

func (r *mockReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		msg := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *mockReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *mockReader) Close() error {
	r.closed = true
	return nil
}

func newMockClient() (*KafkaClient, *mockWriter, *mockReader) {
	w := &mockWriter{}
	r := &mockReader{}
	client := NewKafkaClient([]string{"localhost:9092"}, testLogger())
	client.newWriter = func(string) messageWriter { return w }
	client.newReader = func(string, string) messageReader { return r }
	return client, w, r
}
