// Package logging provides the pgnodes logger and the two ways of attaching
// it to the host's output channel.
//
// Hosts with native leveled channels receive records through a slog.Handler
// and do their own filtering. Older hosts only expose a plain text channel;
// for those FilterLogger formats lines itself and filters against the
// configured minimum level, re-reading it whenever the host reports a change
// to that setting.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/pgnodes/internal/config"
	"github.com/dshills/pgnodes/internal/config/notify"
	"github.com/dshills/pgnodes/internal/features"
	"github.com/dshills/pgnodes/internal/host"
)

// Level represents the severity level of a log message.
type Level int32

const (
	// LevelDebug is for detailed debugging information.
	LevelDebug Level = iota
	// LevelInfo is for general informational messages.
	LevelInfo
	// LevelWarn is for warning messages.
	LevelWarn
	// LevelError is for error messages.
	LevelError
	// LevelOff disables output.
	LevelOff
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelOff:
		return "OFF"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a configured level name. Unknown names mean info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "off", "disable", "disabled", "none":
		return LevelOff
	default:
		return LevelInfo
	}
}

// slogLevel maps l onto slog's scale.
func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger records events with printf-style arguments.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Channel is the host output channel.
type Channel interface {
	io.Writer
}

// LeveledChannel is an output channel with native log levels.
type LeveledChannel interface {
	Channel
	Handler() slog.Handler
}

// LanguageChannel is an output channel that accepts a language id for
// highlighting.
type LanguageChannel interface {
	Channel
	SetLanguageID(id string)
}

// Settings is the part of the configuration store the logger reads.
type Settings interface {
	GetString(key string) (string, error)
	OnDidChange(section string, fn func(notify.Change)) host.Disposable
}

// New picks the logger implementation for the host. The returned
// Disposable releases the configuration subscription of the filtering
// logger; it is a no-op for native channels.
func New(flags features.Flags, ch Channel, settings Settings) (Logger, host.Disposable) {
	if leveled, ok := ch.(LeveledChannel); ok && flags.LeveledLogging {
		return NewChannelLogger(leveled.Handler()), host.DisposableFunc(nil)
	}

	if lc, ok := ch.(LanguageChannel); ok && flags.LogLanguageChannels {
		lc.SetLanguageID("log")
	}

	l := NewFilterLogger(ch, "", LevelInfo)
	if settings == nil {
		return l, host.DisposableFunc(nil)
	}
	return l, l.Follow(settings, config.KeyLogLevel)
}

// ChannelLogger forwards to a host slog.Handler. The handler owns level
// filtering.
type ChannelLogger struct {
	logger *slog.Logger
}

// NewChannelLogger creates a logger on top of h.
func NewChannelLogger(h slog.Handler) *ChannelLogger {
	return &ChannelLogger{logger: slog.New(h)}
}

// WithComponent returns a logger that tags every record with component.
func (l *ChannelLogger) WithComponent(component string) *ChannelLogger {
	return &ChannelLogger{logger: l.logger.With("component", component)}
}

// Debug logs a debug message.
func (l *ChannelLogger) Debug(msg string, args ...any) {
	l.log(LevelDebug, msg, args...)
}

// Info logs an info message.
func (l *ChannelLogger) Info(msg string, args ...any) {
	l.log(LevelInfo, msg, args...)
}

// Warn logs a warning message.
func (l *ChannelLogger) Warn(msg string, args ...any) {
	l.log(LevelWarn, msg, args...)
}

// Error logs an error message.
func (l *ChannelLogger) Error(msg string, args ...any) {
	l.log(LevelError, msg, args...)
}

func (l *ChannelLogger) log(level Level, msg string, args ...any) {
	ctx := context.Background()
	if !l.logger.Enabled(ctx, level.slogLevel()) {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	l.logger.Log(ctx, level.slogLevel(), msg)
}

// FilterLogger writes formatted lines to a plain channel, dropping those
// below its minimum level.
type FilterLogger struct {
	mu     sync.Mutex
	level  atomic.Int32
	output io.Writer
	prefix string
}

// NewFilterLogger creates a filtering logger writing to out.
func NewFilterLogger(out io.Writer, prefix string, level Level) *FilterLogger {
	l := &FilterLogger{output: out, prefix: prefix}
	l.level.Store(int32(level))
	return l
}

// Level returns the current minimum level.
func (l *FilterLogger) Level() Level {
	return Level(l.level.Load())
}

// SetLevel sets the minimum log level.
func (l *FilterLogger) SetLevel(level Level) {
	l.level.Store(int32(level))
}

// Follow reads the minimum level from key now and again on every change
// notification affecting key.
func (l *FilterLogger) Follow(settings Settings, key string) host.Disposable {
	read := func() {
		if v, err := settings.GetString(key); err == nil {
			l.SetLevel(ParseLevel(v))
		}
	}
	read()
	return settings.OnDidChange(key, func(notify.Change) {
		read()
	})
}

// Debug logs a debug message.
func (l *FilterLogger) Debug(msg string, args ...any) {
	l.log(LevelDebug, msg, args...)
}

// Info logs an info message.
func (l *FilterLogger) Info(msg string, args ...any) {
	l.log(LevelInfo, msg, args...)
}

// Warn logs a warning message.
func (l *FilterLogger) Warn(msg string, args ...any) {
	l.log(LevelWarn, msg, args...)
}

// Error logs an error message.
func (l *FilterLogger) Error(msg string, args ...any) {
	l.log(LevelError, msg, args...)
}

// log writes a log message if the level is enabled.
func (l *FilterLogger) log(level Level, msg string, args ...any) {
	if level < l.Level() {
		return
	}

	timestamp := time.Now().Format("2006-01-02T15:04:05.000")

	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}

	var line string
	if l.prefix != "" {
		line = fmt.Sprintf("%s [%s] %s: %s\n", timestamp, level.String(), l.prefix, msg)
	} else {
		line = fmt.Sprintf("%s [%s] %s\n", timestamp, level.String(), msg)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.output, line)
}

// Discard is a logger that drops everything.
var Discard Logger = discard{}

type discard struct{}

func (discard) Debug(string, ...any) {}
func (discard) Info(string, ...any)  {}
func (discard) Warn(string, ...any)  {}
func (discard) Error(string, ...any) {}
