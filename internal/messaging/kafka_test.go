package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bardlex/blockgrave/internal/ledger"
	"github.com/bardlex/blockgrave/internal/ledger/ledgertest"
)

func TestNewKafkaClient(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, testLogger())

	if client == nil {
		t.Fatal("NewKafkaClient returned nil")
	}
	if len(client.brokers) != 1 || client.brokers[0] != "localhost:9092" {
		t.Errorf("Expected brokers [localhost:9092], got %v", client.brokers)
	}
	if client.writers == nil || client.readers == nil {
		t.Error("writer and reader maps should not be nil")
	}
}

func TestKafkaClient_GetProducer(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, testLogger())

	producer1 := client.GetProducer(TopicFeed)
	if producer1 == nil {
		t.Fatal("GetProducer returned nil")
	}
	if w, ok := producer1.(*kafka.Writer); !ok || w.Topic != TopicFeed {
		t.Errorf("Expected *kafka.Writer on %s, got %#v", TopicFeed, producer1)
	}

	producer2 := client.GetProducer(TopicFeed)
	if producer1 != producer2 {
		t.Error("Expected same producer instance from cache")
	}
	if len(client.writers) != 1 {
		t.Errorf("Expected 1 writer in map, got %d", len(client.writers))
	}
}

func TestKafkaClient_GetConsumer(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, testLogger())
	defer client.Close()

	consumer1 := client.GetConsumer(TopicFeed, "group-a")
	consumer2 := client.GetConsumer(TopicFeed, "group-a")
	if consumer1 != consumer2 {
		t.Error("Expected same consumer instance from cache")
	}

	consumer3 := client.GetConsumer(TopicFeed, "group-b")
	if consumer1 == consumer3 {
		t.Error("Expected different consumer for different group")
	}
	if len(client.readers) != 2 {
		t.Errorf("Expected 2 readers in map, got %d", len(client.readers))
	}
}

func TestEncodeDecodeEntries(t *testing.T) {
	entries := ledgertest.Entries(t, 3)

	for _, e := range entries {
		t.Run(string(e.Kind), func(t *testing.T) {
			msg, err := EncodeEntry("session-1", e)
			if err != nil {
				t.Fatalf("EncodeEntry() error = %v", err)
			}
			if string(msg.Key) == "" {
				t.Error("message key should carry the sequence number")
			}

			got, err := DecodeEntry(msg)
			if err != nil {
				t.Fatalf("DecodeEntry() error = %v", err)
			}
			if got.SessionID != "session-1" {
				t.Errorf("SessionID = %q", got.SessionID)
			}
			if !got.PublishedAt.Equal(e.Timestamp) {
				t.Errorf("PublishedAt = %v, want %v", got.PublishedAt, e.Timestamp)
			}
			if got.Entry.Seq != e.Seq || got.Entry.Kind != e.Kind {
				t.Errorf("entry = %d/%s, want %d/%s", got.Entry.Seq, got.Entry.Kind, e.Seq, e.Kind)
			}
		})
	}
}

func TestDecodedFeedReplays(t *testing.T) {
	entries := ledgertest.Entries(t, 4)

	decoded := make([]ledger.Entry, 0, len(entries))
	for _, e := range entries {
		msg, err := EncodeEntry("s", e)
		if err != nil {
			t.Fatalf("EncodeEntry() error = %v", err)
		}
		got, err := DecodeEntry(msg)
		if err != nil {
			t.Fatalf("DecodeEntry() error = %v", err)
		}
		decoded = append(decoded, got.Entry)
	}

	replayed, err := ledger.Replay(decoded, ledger.DefaultTolerance)
	if err != nil {
		t.Fatalf("Replay() of decoded feed error = %v", err)
	}
	if replayed.LinkCount() != 4 || replayed.Len() != len(entries) {
		t.Errorf("replayed %d links / %d entries", replayed.LinkCount(), replayed.Len())
	}
}

func TestDecodeEntryRejectsGarbage(t *testing.T) {
	if _, err := DecodeEntry(kafka.Message{Value: []byte{0xff, 0xff, 0xff}}); err == nil {
		t.Error("DecodeEntry() should fail on a non-protobuf body")
	}
}

func TestSinkWrite(t *testing.T) {
	client, w, _ := newMockClient()
	sink := NewSink(client, TopicFeed, "s")
	entries := ledgertest.Entries(t, 2)

	if err := sink.Write(context.Background(), entries); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if len(w.messages) != len(entries) {
		t.Fatalf("wrote %d messages, want %d", len(w.messages), len(entries))
	}
	for i, msg := range w.messages {
		got, err := DecodeEntry(msg)
		if err != nil {
			t.Fatal(err)
		}
		if got.Entry.Seq != entries[i].Seq {
			t.Errorf("message %d has seq %d, want %d", i, got.Entry.Seq, entries[i].Seq)
		}
	}

	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !w.closed {
		t.Error("Close() should close the producer")
	}
}

func TestPublishRetriesTransientErrors(t *testing.T) {
	client, w, _ := newMockClient()
	w.failures = 2
	w.err = errors.New("connection reset by peer")

	if err := client.PublishEntries(context.Background(), TopicFeed, "s", ledgertest.Entries(t, 1)); err != nil {
		t.Fatalf("PublishEntries() error = %v", err)
	}
	if len(w.messages) != 2 {
		t.Errorf("wrote %d messages, want 2", len(w.messages))
	}
}

func TestPublishEmptyIsNoop(t *testing.T) {
	client, w, _ := newMockClient()
	if err := client.Publish(context.Background(), TopicFeed); err != nil {
		t.Fatal(err)
	}
	if len(w.messages) != 0 || len(client.writers) != 0 {
		t.Error("empty publish should not touch the producer")
	}
}

func TestStartConsumer(t *testing.T) {
	client, _, r := newMockClient()
	r.pending = append(r.pending, kafka.Message{Offset: 99, Value: []byte{0xff}})
	for i, e := range ledgertest.Entries(t, 2) {
		msg, err := EncodeEntry("s", e)
		if err != nil {
			t.Fatal(err)
		}
		msg.Offset = int64(i)
		r.pending = append(r.pending, msg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var (
		mu   sync.Mutex
		seqs []uint64
	)
	handler := EntryHandlerFunc(func(_ context.Context, msg FeedMessage) error {
		mu.Lock()
		defer mu.Unlock()
		seqs = append(seqs, msg.Entry.Seq)
		if len(seqs) == 4 {
			cancel()
		}
		return nil
	})

	err := client.StartConsumer(ctx, TopicFeed, "recorder", handler)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("StartConsumer() error = %v, want context.Canceled", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seqs) != 4 {
		t.Fatalf("handled %v, want 4 entries", seqs)
	}
	for i, s := range seqs {
		if s != uint64(i+1) {
			t.Errorf("entry %d has seq %d", i, s)
		}
	}
	// The undecodable record is committed so it is not redelivered.
	if len(r.committed) != 5 {
		t.Errorf("committed offsets %v, want 5", r.committed)
	}
}
