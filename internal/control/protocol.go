// Package control implements the BLOCKGRAVE player command protocol:
// newline-delimited JSON-RPC over TCP. Requests drive session commands;
// subscribed connections also receive every ledger entry as a notification.
package control

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bardlex/blockgrave/pkg/errors"
)

// Methods
const (
	MethodSelectJob     = "job.select"
	MethodRefreshJobs   = "job.refresh"
	MethodPurchase      = "upgrade.purchase"
	MethodSubmitTrade   = "trade.submit"
	MethodToggleRental  = "rental.toggle"
	MethodSnapshot      = "state.snapshot"
	MethodSubscribeFeed = "feed.subscribe"

	// NotifyFeedEntry carries one ledger entry to subscribers.
	NotifyFeedEntry = "feed.entry"
)

// Message represents a control JSON-RPC message
type Message struct {
	ID     any             `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result any             `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error represents a control error response. Kind is set for simulation
// rejections and is stable across releases.
type Error struct {
	Code    int    `json:"code"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrorRejected       = 20
	ErrorLedger         = 21
	ErrorInternal       = 22
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
)

// SelectJobParams are the job.select parameters
type SelectJobParams struct {
	JobID string `json:"job_id"`
}

// PurchaseParams are the upgrade.purchase parameters
type PurchaseParams struct {
	Tier string `json:"tier"`
}

// RentalParams are the rental.toggle parameters. Terms are ignored when the
// call cancels a running rental.
type RentalParams struct {
	Tier       string   `json:"tier"`
	Units      int      `json:"units,omitempty"`
	Duration   Duration `json:"duration,omitempty"`
	CostPerSec float64  `json:"cost_per_sec,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("90s").
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string or seconds: %w", err)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// ParseMessage parses a JSON-RPC message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// MarshalMessage marshals a message to JSON bytes
func MarshalMessage(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// NewRequest creates a new request message
func NewRequest(id any, method string, params any) (*Message, error) {
	msg := &Message{ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = raw
	}
	return msg, nil
}

// NewResponse creates a new response message
func NewResponse(id any, result any) *Message {
	return &Message{
		ID:     id,
		Result: result,
	}
}

// NewErrorResponse creates a new error response message
func NewErrorResponse(id any, e *Error) *Message {
	return &Message{
		ID:    id,
		Error: e,
	}
}

// NewNotification creates a new notification message
func NewNotification(method string, params any) (*Message, error) {
	return NewRequest(nil, method, params)
}

// IsRequest returns true if the message is a request
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsResponse returns true if the message is a response
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.ID != nil && (m.Result != nil || m.Error != nil)
}

// IsNotification returns true if the message is a notification
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// DecodeParams unmarshals the request parameters into dst. Missing params
// leave dst untouched.
func (m *Message) DecodeParams(dst any) error {
	if len(m.Params) == 0 || string(m.Params) == "null" {
		return nil
	}
	if err := json.Unmarshal(m.Params, dst); err != nil {
		return fmt.Errorf("invalid params for %s: %w", m.Method, err)
	}
	return nil
}

// ErrorFor maps a command error to its wire form.
func ErrorFor(err error) *Error {
	kind := errors.KindOf(err)
	switch {
	case kind == errors.KindLedgerCorruption:
		return &Error{Code: ErrorLedger, Kind: string(kind), Message: err.Error()}
	case kind != errors.KindUnknown:
		return &Error{Code: ErrorRejected, Kind: string(kind), Message: err.Error()}
	case errors.IsType(err, errors.ErrorTypeValidation):
		return &Error{Code: ErrorInvalidParams, Message: err.Error()}
	default:
		return &Error{Code: ErrorInternal, Message: "internal error"}
	}
}
