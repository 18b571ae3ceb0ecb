// Package observability provides the structured logging and metrics
// handles shared by every DotBot component.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// ContextKey is the type for the correlation ids carried in contexts.
type ContextKey string

const (
	// RequestIDKey correlates one user prompt across components.
	RequestIDKey ContextKey = "request_id"

	// DeviceIDKey names the device a request arrived from.
	DeviceIDKey ContextKey = "device_id"

	// UserIDKey names the requesting user.
	UserIDKey ContextKey = "user_id"

	// AgentIDKey names the pipeline task doing the work.
	AgentIDKey ContextKey = "agent_id"
)

// correlationKeys is the order ids appear in emitted records.
var correlationKeys = []ContextKey{RequestIDKey, DeviceIDKey, UserIDKey, AgentIDKey}

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level is the minimum level: debug, info, warn, or error.
	Level string

	// Format selects json (default) or text output.
	Format string

	// Output receives the records; os.Stdout when nil.
	Output io.Writer

	// AddSource includes the caller's file and line.
	AddSource bool

	// RedactPatterns extends the built-in secret patterns.
	RedactPatterns []string
}

// DefaultRedactPatterns are the secret shapes this system actually
// handles: provider keys, vault blobs, invite tokens, and signed
// session material. Anything matching is masked before it can land in a
// log file.
var DefaultRedactPatterns = []string{
	// key=value style assignments of keys, secrets, and passwords
	`(?i)(api[_-]?key|apikey|secret|password|token)[\s:=]+["']?([^\s"']{8,})["']?`,
	// provider API keys by prefix
	`sk-ant-[a-zA-Z0-9_-]{16,}`,
	`sk-[a-zA-Z0-9]{32,}`,
	// vault blobs and invite tokens
	`srv:[A-Za-z0-9+/=_-]{16,}`,
	`dbot(-[A-Z2-9]{4}){4}`,
	// three-part JWTs
	`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`,
}

var levelNames = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// redactor masks secret-shaped substrings.
type redactor struct {
	patterns []*regexp.Regexp
}

func newRedactor(extra []string) *redactor {
	sources := append(append([]string{}, DefaultRedactPatterns...), extra...)
	r := &redactor{}
	for _, src := range sources {
		re, err := regexp.Compile(src)
		if err != nil {
			continue
		}
		r.patterns = append(r.patterns, re)
	}
	return r
}

func (r *redactor) apply(s string) string {
	for _, re := range r.patterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// correlatedHandler decorates records with whatever correlation ids the
// context carries, so call sites never thread them by hand.
type correlatedHandler struct {
	slog.Handler
}

func (h correlatedHandler) Handle(ctx context.Context, rec slog.Record) error {
	if ctx != nil {
		for _, key := range correlationKeys {
			if v, ok := ctx.Value(key).(string); ok && v != "" {
				rec.AddAttrs(slog.String(string(key), v))
			}
		}
	}
	return h.Handler.Handle(ctx, rec)
}

func (h correlatedHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return correlatedHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h correlatedHandler) WithGroup(name string) slog.Handler {
	return correlatedHandler{Handler: h.Handler.WithGroup(name)}
}

// Logger is the slog front-end the rest of the system receives: leveled,
// context-correlated, with secret redaction applied to every string
// attribute value.
type Logger struct {
	slog *slog.Logger
	red  *redactor
}

// NewLogger builds a logger from config. Zero-value config means
// info-level JSON on stdout.
func NewLogger(config LogConfig) *Logger {
	out := config.Output
	if out == nil {
		out = os.Stdout
	}
	level, ok := levelNames[strings.ToLower(config.Level)]
	if !ok {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: config.AddSource}
	var inner slog.Handler
	if strings.EqualFold(config.Format, "text") {
		inner = slog.NewTextHandler(out, opts)
	} else {
		inner = slog.NewJSONHandler(out, opts)
	}

	return &Logger{
		slog: slog.New(correlatedHandler{Handler: inner}),
		red:  newRedactor(config.RedactPatterns),
	}
}

// NewNopLogger discards everything. Used in tests.
func NewNopLogger() *Logger {
	return NewLogger(LogConfig{Output: io.Discard})
}

// With returns a logger carrying additional persistent attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(l.redactArgs(args)...), red: l.red}
}

// Redact masks secret-shaped substrings in s.
func (l *Logger) Redact(s string) string {
	return l.red.apply(s)
}

// redactArgs masks string values in an alternating key/value list.
func (l *Logger) redactArgs(args []any) []any {
	for i := 1; i < len(args); i += 2 {
		if s, ok := args[i].(string); ok {
			args[i] = l.red.apply(s)
		}
	}
	return args
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args []any) {
	if !l.slog.Enabled(ctx, level) {
		return
	}
	l.slog.Log(ctx, level, msg, l.redactArgs(args)...)
}

// Debug emits a debug record.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args)
}

// Info emits an info record.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args)
}

// Warn emits a warn record.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args)
}

// Error emits an error record.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args)
}

// WithRequestID stamps a request id into the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// WithDeviceID stamps a device id into the context.
func WithDeviceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, DeviceIDKey, id)
}

// WithUserID stamps a user id into the context.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, UserIDKey, id)
}

// WithAgentID stamps an agent task id into the context.
func WithAgentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, AgentIDKey, id)
}
