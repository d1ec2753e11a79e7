// Package errors provides structured errors for BLOCKGRAVE services and the
// simulation error kinds returned by the command surface.
package errors

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"
	"syscall"
	"time"
)

// ErrorType groups errors by the subsystem that raised them.
type ErrorType string

const (
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeDatabase   ErrorType = "database"
	// ErrorTypeEconomy marks rejected player commands (funds, caps, spread).
	ErrorTypeEconomy ErrorType = "economy"
	// ErrorTypeLedger marks hash chain and replay failures.
	ErrorTypeLedger ErrorType = "ledger"
	ErrorTypeKafka  ErrorType = "kafka"
	// ErrorTypeStorage marks local pebble store failures.
	ErrorTypeStorage  ErrorType = "storage"
	ErrorTypeTimeout  ErrorType = "timeout"
	ErrorTypeInternal ErrorType = "internal"
)

// ServiceError is an error tagged with the subsystem, the operation and
// free-form context for logs.
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp time.Time
	Retryable bool
}

// Error renders "type op: message: cause".
func (e *ServiceError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Type))
	if e.Operation != "" {
		b.WriteByte(' ')
		b.WriteString(e.Operation)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the operation may succeed if repeated.
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// Kind returns the simulation kind of the cause chain.
func (e *ServiceError) Kind() Kind {
	return KindOf(e.Cause)
}

// WithContext attaches a key/value for logs and returns e.
func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a ServiceError whose retryability follows its type.
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: retryableType(errorType),
	}
}

// Wrap tags err. A wrapped ServiceError keeps its retryability; anything
// else is classified from the error itself. Wrap(nil, ...) is nil.
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}
	se := &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
	}
	var inner *ServiceError
	if errors.As(err, &inner) {
		se.Retryable = inner.Retryable
	} else {
		se.Retryable = isRetryableByDefault(err)
	}
	return se
}

func retryableType(t ErrorType) bool {
	switch t {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeKafka:
		return true
	}
	return false
}

// Driver errors that only carry a message.
var transientMessages = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"network unreachable",
	"timeout",
	"temporary failure",
	"too many connections",
}

func isRetryableByDefault(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Simulation kinds are deterministic rejections.
	if KindOf(err) != KindUnknown {
		return false
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// IsType reports whether the outermost ServiceError in err has errorType.
func IsType(err error, errorType ErrorType) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Type == errorType
	}
	return false
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return isRetryableByDefault(err)
}

// GetContext returns the context of the outermost ServiceError, or nil.
func GetContext(err error) map[string]any {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}

// Attrs flattens err into slog key/value pairs: the message, and for a
// ServiceError its type, operation, kind and context sorted by key.
func Attrs(err error) []any {
	if err == nil {
		return nil
	}
	attrs := []any{"error", err.Error()}
	var se *ServiceError
	if !errors.As(err, &se) {
		if k := KindOf(err); k != KindUnknown {
			attrs = append(attrs, "error_kind", string(k))
		}
		return attrs
	}
	attrs = append(attrs, "error_type", string(se.Type), "operation", se.Operation)
	if k := KindOf(err); k != KindUnknown {
		attrs = append(attrs, "error_kind", string(k))
	}
	keys := make([]string, 0, len(se.Context))
	for k := range se.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, k, se.Context[k])
	}
	return attrs
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
