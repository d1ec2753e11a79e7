package messaging

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/bardlex/blockgrave/internal/ledger"
	"github.com/bardlex/blockgrave/pkg/errors"
)

// FeedMessage is a decoded feed record.
type FeedMessage struct {
	SessionID string
	Entry     ledger.Entry
	// PublishedAt is the entry timestamp carried in the header.
	PublishedAt time.Time
	Partition   int
	Offset      int64
}

// EncodeEntry converts an entry into a Kafka message. The body is a
// protobuf Struct of the entry's JSON form keyed by sequence number; the
// timestamp travels separately as a protobuf Timestamp header.
func EncodeEntry(sessionID string, e ledger.Entry) (kafka.Message, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, errors.Wrap(err, errors.ErrorTypeValidation, "encode_entry",
			"failed to marshal entry").WithContext("seq", e.Seq)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return kafka.Message{}, errors.Wrap(err, errors.ErrorTypeValidation, "encode_entry",
			"failed to flatten entry").WithContext("seq", e.Seq)
	}
	body, err := structpb.NewStruct(fields)
	if err != nil {
		return kafka.Message{}, errors.Wrap(err, errors.ErrorTypeValidation, "encode_entry",
			"entry is not representable as a protobuf struct").WithContext("seq", e.Seq)
	}
	value, err := proto.Marshal(body)
	if err != nil {
		return kafka.Message{}, errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_marshal",
			"failed to marshal protobuf message").WithContext("seq", e.Seq)
	}
	ts, err := proto.Marshal(timestamppb.New(e.Timestamp))
	if err != nil {
		return kafka.Message{}, errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_marshal",
			"failed to marshal timestamp").WithContext("seq", e.Seq)
	}

	return kafka.Message{
		Key:   []byte(strconv.FormatUint(e.Seq, 10)),
		Value: value,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: HeaderKind, Value: []byte(e.Kind)},
			{Key: HeaderTimestamp, Value: ts},
			{Key: HeaderSession, Value: []byte(sessionID)},
		},
	}, nil
}

// DecodeEntry reverses EncodeEntry.
func DecodeEntry(msg kafka.Message) (FeedMessage, error) {
	var body structpb.Struct
	if err := proto.Unmarshal(msg.Value, &body); err != nil {
		return FeedMessage{}, errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_unmarshal",
			"failed to unmarshal protobuf message").
			WithContext("topic", msg.Topic).
			WithContext("message_size", len(msg.Value))
	}
	raw, err := json.Marshal(body.AsMap())
	if err != nil {
		return FeedMessage{}, errors.Wrap(err, errors.ErrorTypeValidation, "decode_entry",
			"failed to rebuild entry json")
	}

	out := FeedMessage{Partition: msg.Partition, Offset: msg.Offset}
	if err := json.Unmarshal(raw, &out.Entry); err != nil {
		return FeedMessage{}, errors.Wrap(err, errors.ErrorTypeValidation, "decode_entry",
			"failed to decode entry").WithContext("key", string(msg.Key))
	}

	for _, h := range msg.Headers {
		switch h.Key {
		case HeaderSession:
			out.SessionID = string(h.Value)
		case HeaderTimestamp:
			var ts timestamppb.Timestamp
			if err := proto.Unmarshal(h.Value, &ts); err != nil {
				return FeedMessage{}, errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_unmarshal",
					"failed to unmarshal timestamp header")
			}
			if err := ts.CheckValid(); err != nil {
				return FeedMessage{}, errors.Wrap(err, errors.ErrorTypeValidation, "decode_entry",
					"invalid timestamp header")
			}
			out.PublishedAt = ts.AsTime()
		}
	}
	return out, nil
}
