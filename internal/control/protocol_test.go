package control

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/bardlex/blockgrave/pkg/errors"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name       string
		data       []byte
		wantMethod string
		wantID     any
		wantErr    bool
	}{
		{
			name:       "request",
			data:       []byte(`{"id":1,"method":"upgrade.purchase","params":{"tier":"Server"}}`),
			wantMethod: MethodPurchase,
			wantID:     float64(1),
		},
		{
			name:       "request without params",
			data:       []byte(`{"id":"a","method":"state.snapshot"}`),
			wantMethod: MethodSnapshot,
			wantID:     "a",
		},
		{
			name:       "notification",
			data:       []byte(`{"id":null,"method":"feed.entry","params":{"seq":4}}`),
			wantMethod: NotifyFeedEntry,
		},
		{
			name:    "invalid json",
			data:    []byte(`{invalid json}`),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMessage(tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Method != tt.wantMethod || got.ID != tt.wantID {
				t.Errorf("ParseMessage() = %+v", got)
			}
		})
	}
}

func TestMessageTypes(t *testing.T) {
	tests := []struct {
		name           string
		msg            *Message
		isRequest      bool
		isResponse     bool
		isNotification bool
	}{
		{"request", &Message{ID: 1, Method: MethodRefreshJobs}, true, false, false},
		{"response", &Message{ID: 1, Result: true}, false, true, false},
		{"error response", &Message{ID: 1, Error: &Error{Code: ErrorRejected}}, false, true, false},
		{"notification", &Message{Method: NotifyFeedEntry}, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.IsRequest(); got != tt.isRequest {
				t.Errorf("IsRequest() = %v, want %v", got, tt.isRequest)
			}
			if got := tt.msg.IsResponse(); got != tt.isResponse {
				t.Errorf("IsResponse() = %v, want %v", got, tt.isResponse)
			}
			if got := tt.msg.IsNotification(); got != tt.isNotification {
				t.Errorf("IsNotification() = %v, want %v", got, tt.isNotification)
			}
		})
	}
}

func TestRentalParamsDuration(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    time.Duration
		wantErr bool
	}{
		{"string", `{"tier":"Rack","duration":"90s"}`, 90 * time.Second, false},
		{"seconds", `{"tier":"Rack","duration":1.5}`, 1500 * time.Millisecond, false},
		{"absent", `{"tier":"Rack"}`, 0, false},
		{"bad string", `{"tier":"Rack","duration":"soon"}`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &Message{Method: MethodToggleRental, Params: json.RawMessage(tt.data)}
			var p RentalParams
			err := msg.DecodeParams(&p)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeParams() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && time.Duration(p.Duration) != tt.want {
				t.Errorf("duration = %v, want %v", time.Duration(p.Duration), tt.want)
			}
		})
	}
}

func TestErrorFor(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantKind string
	}{
		{"funds", errors.Economy(errors.ErrInsufficientFunds, "purchase_upgrade", "too poor"), ErrorRejected, "insufficient_funds"},
		{"wrapped tier", fmt.Errorf("buy: %w", errors.ErrUnknownTier), ErrorRejected, "unknown_tier"},
		{"ledger", errors.ErrLedgerCorruption, ErrorLedger, "ledger_corruption"},
		{"validation", errors.New(errors.ErrorTypeValidation, "op", "bad"), ErrorInvalidParams, ""},
		{"other", fmt.Errorf("disk on fire"), ErrorInternal, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ErrorFor(tt.err)
			if got.Code != tt.wantCode || got.Kind != tt.wantKind {
				t.Errorf("ErrorFor() = %+v, want code %d kind %q", got, tt.wantCode, tt.wantKind)
			}
		})
	}
	if got := ErrorFor(fmt.Errorf("disk on fire")); got.Message != "internal error" {
		t.Errorf("internal errors should not leak: %q", got.Message)
	}
}

func TestNewRequestRoundTrip(t *testing.T) {
	msg, err := NewRequest(7, MethodSelectJob, SelectJobParams{JobID: "JQ"})
	if err != nil {
		t.Fatal(err)
	}
	data, err := MarshalMessage(msg)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParseMessage(data)
	if err != nil {
		t.Fatal(err)
	}
	var p SelectJobParams
	if err := parsed.DecodeParams(&p); err != nil || p.JobID != "JQ" {
		t.Errorf("params = %+v, err = %v", p, err)
	}
}
