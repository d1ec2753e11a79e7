// Package log provides structured logging utilities for BLOCKGRAVE services.
// It wraps the standard library's slog package with simulation-specific helpers.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/bardlex/blockgrave/pkg/errors"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a new logger writing to w
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	var handler slog.Handler

	// Parse log level
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	// Create handler based on format
	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	// Create base logger with service context
	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

type ctxKey int

const (
	connIDKey ctxKey = iota
	requestIDKey
)

// ContextWithConn tags ctx with a control connection id.
func ContextWithConn(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, connIDKey, connID)
}

// ContextWithRequest tags ctx with a request id.
func ContextWithRequest(ctx context.Context, requestID any) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithContext returns a logger carrying the connection and request ids
// found in ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var fields []any
	if id, ok := ctx.Value(connIDKey).(string); ok {
		fields = append(fields, "conn_id", id)
	}
	if id := ctx.Value(requestIDKey); id != nil {
		fields = append(fields, "request_id", id)
	}
	if len(fields) == 0 {
		return l
	}
	return l.WithFields(fields...)
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithJob returns a logger with link job fields
func (l *Logger) WithJob(jobID string, difficulty float64) *Logger {
	return l.WithFields("job_id", jobID, "difficulty", difficulty)
}

// WithLink returns a logger tagged with a minted link identifier and its ledger sequence.
func (l *Logger) WithLink(linkID string, seq uint64) *Logger {
	return l.WithFields("link_id", linkID, "ledger_seq", seq)
}

// WithTier returns a logger with upgrade tier fields
func (l *Logger) WithTier(tier string, owned int) *Logger {
	return l.WithFields("tier", tier, "owned", owned)
}

// WithError returns a logger with error context. ServiceError type,
// operation, kind and context become fields.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields(errors.Attrs(err)...)
}

// Performance logging helpers

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, duration int64) {
	l.Info("operation completed",
		"operation", operation,
		"duration_ns", duration,
		"duration_ms", float64(duration)/1e6,
	)
}

// LogThroughput logs throughput metrics
func (l *Logger) LogThroughput(operation string, count int64, duration int64) {
	throughput := float64(count) / (float64(duration) / 1e9) // ops per second
	l.Info("throughput metrics",
		"operation", operation,
		"count", count,
		"duration_ns", duration,
		"throughput_ops_sec", throughput,
	)
}

// Connection logging helpers

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogControlMessage logs control protocol messages (debug level)
func (l *Logger) LogControlMessage(direction, message string) {
	l.Debug("control message",
		"direction", direction,
		"message", message,
	)
}

// Simulation logging helpers

// LogTick logs the outcome of a simulation tick (debug level, one per tick)
func (l *Logger) LogTick(tick uint64, price, rate float64, solved int) {
	l.Debug("tick completed",
		"tick", tick,
		"price", price,
		"relink_rate", rate,
		"linklets_solved", solved,
	)
}

// LogLinkMinted logs a link appended to the ledger
func (l *Logger) LogLinkMinted(linkID string, seq uint64, difficulty, payout float64, headerHash string) {
	l.Info("link minted",
		"link_id", linkID,
		"ledger_seq", seq,
		"difficulty", difficulty,
		"payout", payout,
		"header_hash", headerHash,
	)
}

// LogTrade logs an executed trade
func (l *Logger) LogTrade(tradeID, side string, amount, price float64) {
	l.Info("trade executed",
		"trade_id", tradeID,
		"side", side,
		"amount", amount,
		"price", price,
	)
}

// LogMarketEvent logs a rolled market event
func (l *Logger) LogMarketEvent(kind, severity string, magnitude float64, tick uint64) {
	l.Info("market event",
		"kind", kind,
		"severity", severity,
		"magnitude", magnitude,
		"tick", tick,
	)
}

// LogCommand logs a player command and its outcome
func (l *Logger) LogCommand(command, status string, err error) {
	if err != nil {
		l.WithError(err).Warn("command rejected",
			"command", command,
			"status", status,
		)
		return
	}
	l.Info("command applied",
		"command", command,
		"status", status,
	)
}
