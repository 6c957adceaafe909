// Package logging provides audit logging for agent requests passing
// through the proxy.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog for structured audit logging.
type Logger struct {
	*slog.Logger
	client string
}

// New creates a new audit logger that writes JSON to stderr.
func New(level slog.Level, client string) *Logger {
	return NewWithWriter(os.Stderr, level, client)
}

// NewWithWriter creates an audit logger writing JSON to w.
func NewWithWriter(w io.Writer, level slog.Level, client string) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
		client: client,
	}
}

// WithClient returns a new Logger with the specified client name.
func (l *Logger) WithClient(client string) *Logger {
	return &Logger{
		Logger: l.Logger,
		client: client,
	}
}

// Client returns the client label attached to this logger.
func (l *Logger) Client() string {
	return l.client
}

// Entry describes one agent request and how it was handled.
type Entry struct {
	// MessageType is the agent message name, e.g. "sign_request".
	MessageType string
	// RequestID is set when the request went through approval.
	RequestID string
	// Fingerprint of the key a sign request referred to.
	Fingerprint string
	// Process is the formatted peer process chain.
	Process string
	// Result is "forwarded", "approved", "denied", "timed_out", "error"
	// or "forward_failed".
	Result string
}

// LogRequest logs an agent request with its result.
func (l *Logger) LogRequest(ctx context.Context, e Entry, err error) {
	attrs := []slog.Attr{
		slog.String("client", l.client),
		slog.String("type", e.MessageType),
		slog.String("result", e.Result),
	}
	if e.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", e.RequestID))
	}
	if e.Fingerprint != "" {
		attrs = append(attrs, slog.String("fingerprint", e.Fingerprint))
	}
	if e.Process != "" {
		attrs = append(attrs, slog.String("process", e.Process))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}

	l.LogAttrs(ctx, slog.LevelInfo, "agent_request", attrs...)
}
