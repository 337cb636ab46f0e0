// Package logging provides leveled, structured log output for the bus and
// the agents attached to it. Output is rendered by zerolog, either as
// human-readable console lines or as one JSON object per line.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Format selects how entries are rendered.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

var zerologLevels = map[Level]zerolog.Level{
	LevelDebug: zerolog.DebugLevel,
	LevelInfo:  zerolog.InfoLevel,
	LevelWarn:  zerolog.WarnLevel,
	LevelError: zerolog.ErrorLevel,
}

// ParseLevel converts a case-insensitive level name. Unknown names fall back
// to INFO and report false.
func ParseLevel(s string) (Level, bool) {
	lvl := Level(strings.ToUpper(strings.TrimSpace(s)))
	if lvl == "WARNING" {
		lvl = LevelWarn
	}
	if _, ok := zerologLevels[lvl]; !ok {
		return LevelInfo, false
	}
	return lvl, true
}

// ParseFormat converts a format name. Anything other than "json" is console.
func ParseFormat(s string) Format {
	if strings.EqualFold(strings.TrimSpace(s), string(FormatJSON)) {
		return FormatJSON
	}
	return FormatConsole
}

// Config configures a Logger.
type Config struct {
	Level  string `toml:"level" env:"LEVEL"`
	Format string `toml:"format" env:"FORMAT"`
}

// Logger writes structured entries tagged with an optional component and
// trace id. Loggers derived with WithComponent share the parent's output.
type Logger struct {
	mu        sync.Mutex
	output    io.Writer
	format    Format
	minLevel  Level
	component string
	traceID   string
	zl        zerolog.Logger
}

// New creates a console Logger writing INFO and above to stdout.
func New() *Logger {
	l := &Logger{
		output:   os.Stdout,
		format:   FormatConsole,
		minLevel: LevelInfo,
	}
	l.rebuild()
	return l
}

// NewWithConfig creates a Logger from configuration values.
func NewWithConfig(cfg Config, w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	lvl, _ := ParseLevel(cfg.Level)
	l := &Logger{
		output:   w,
		format:   ParseFormat(cfg.Format),
		minLevel: lvl,
	}
	l.rebuild()
	return l
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	l := &Logger{output: io.Discard, format: FormatJSON, minLevel: LevelError}
	l.rebuild()
	return l
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := &Logger{
		output:    l.output,
		format:    l.format,
		minLevel:  l.minLevel,
		component: component,
		traceID:   l.traceID,
	}
	c.rebuild()
	return c
}

// WithTraceID returns a new logger that tags entries with traceID.
func (l *Logger) WithTraceID(traceID string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := &Logger{
		output:    l.output,
		format:    l.format,
		minLevel:  l.minLevel,
		component: l.component,
		traceID:   traceID,
	}
	c.rebuild()
	return c
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	if _, ok := zerologLevels[level]; !ok {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
	l.rebuild()
}

// SetOutput sets the output writer.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
	l.rebuild()
}

// SetFormat switches between console and JSON rendering.
func (l *Logger) SetFormat(f Format) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.format = f
	l.rebuild()
}

// Level returns the minimum level currently logged.
func (l *Logger) Level() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.minLevel
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// rebuild recreates the zerolog backend. Caller holds l.mu or owns l.
func (l *Logger) rebuild() {
	out := l.output
	if out == nil {
		out = io.Discard
	}
	var w io.Writer = zerolog.SyncWriter(out)
	if l.format != FormatJSON {
		w = zerolog.ConsoleWriter{
			Out:        zerolog.SyncWriter(out),
			NoColor:    true,
			TimeFormat: "2006-01-02T15:04:05.000Z",
			FormatLevel: func(i interface{}) string {
				return fmt.Sprintf("%-5s", strings.ToUpper(fmt.Sprint(i)))
			},
			PartsOrder: []string{
				zerolog.LevelFieldName,
				zerolog.TimestampFieldName,
				zerolog.MessageFieldName,
			},
		}
	}

	ctx := zerolog.New(w).Level(zerologLevels[l.minLevel]).With().Timestamp()
	if l.format == FormatJSON && l.component != "" {
		ctx = ctx.Str("component", l.component)
	}
	if l.traceID != "" {
		ctx = ctx.Str("trace_id", l.traceID)
	}
	l.zl = ctx.Logger()
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	l.mu.Lock()
	zl := l.zl
	console := l.format != FormatJSON
	component := l.component
	l.mu.Unlock()

	var ev *zerolog.Event
	switch level {
	case LevelDebug:
		ev = zl.Debug()
	case LevelWarn:
		ev = zl.Warn()
	case LevelError:
		ev = zl.Error()
	default:
		ev = zl.Info()
	}
	if ev == nil {
		return
	}
	for _, f := range fields {
		if len(f) > 0 {
			ev = ev.Fields(f)
		}
	}
	if console && component != "" {
		msg = "[" + component + "] " + msg
	}
	ev.Msg(msg)
}

// --- Bus-derived logging helpers ---

// MessageEvent logs a message lifecycle step at debug level.
func (l *Logger) MessageEvent(event, messageID, msgType, source, target string) {
	l.Debug(event, map[string]interface{}{
		"message_id": messageID,
		"type":       msgType,
		"source":     source,
		"target":     target,
	})
}

// Rejected logs an admission rejection.
func (l *Logger) Rejected(messageID, target, code, reason string) {
	l.Warn("message_rejected", map[string]interface{}{
		"message_id": messageID,
		"target":     target,
		"code":       code,
		"reason":     reason,
	})
}

// HandlerFailure logs a handler error or panic.
func (l *Logger) HandlerFailure(messageID, target string, err error) {
	l.Error("handler_failed", map[string]interface{}{
		"message_id": messageID,
		"target":     target,
		"error":      err.Error(),
	})
}

// Transition logs a workflow stage transition.
func (l *Logger) Transition(workflowID, stage, from, to string) {
	l.Info("workflow_transition", map[string]interface{}{
		"workflow_id": workflowID,
		"stage":       stage,
		"from":        from,
		"to":          to,
	})
}

// Timed logs the completion of an operation with its duration.
func (l *Logger) Timed(msg string, start time.Time, fields map[string]interface{}) {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["duration"] = time.Since(start).String()
	l.Info(msg, out)
}
