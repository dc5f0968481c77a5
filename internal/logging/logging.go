// Package logging provides the level-gated structured logger shared by every
// component of the driver (instances, shards, topology holder, dispatcher,
// subscription FSMs). Components never call fmt.Println or the stdlib log
// package directly; they log through a Logger obtained at construction time.
package logging

import "fmt"

// Level describes the chosen log level.
type Level int

const (
	// NONE means no logging.
	NONE Level = iota
	// DEBUG turns on debug logs - generally too much for production but
	// helpful when investigating topology flapping or FSM transitions.
	DEBUG
	// INFO logs routine lifecycle events: instance connect/disconnect,
	// topology version bumps, rebalance runs.
	INFO
	// WARN logs recoverable anomalies: stray subscription replies, alien
	// messages, retryable server errors.
	WARN
	// ERROR logs failures that need operator attention: repeated ping
	// failures, quorum loss, protocol errors.
	ERROR
)

var levelToString = map[Level]string{
	NONE:  "none",
	DEBUG: "debug",
	INFO:  "info",
	WARN:  "warn",
	ERROR: "error",
}

// StringToLevel maps a configuration string to a Level.
var StringToLevel = map[string]Level{
	"none":  NONE,
	"debug": DEBUG,
	"info":  INFO,
	"warn":  WARN,
	"error": ERROR,
}

// LevelString transforms Level to its string representation.
func LevelString(l Level) string {
	if t, ok := levelToString[l]; ok {
		return t
	}
	return ""
}

// Entry represents one log entry.
type Entry struct {
	Level   Level
	Message string
	Fields  map[string]interface{}
}

// NewEntry helps to create an Entry.
func NewEntry(level Level, message string, fields ...map[string]interface{}) Entry {
	var f map[string]interface{}
	if len(fields) > 0 {
		f = fields[0]
	}
	return Entry{
		Level:   level,
		Message: message,
		Fields:  f,
	}
}

// Logger can log entries and report whether a level is enabled, so callers
// can skip building expensive Fields maps when the level is filtered out.
type Logger interface {
	Log(entry Entry)
	Enabled(Level) bool
}

// Handler handles log entries in whatever way it wants - write to stderr,
// ship to zerolog, push into a ring buffer for tests.
type Handler func(Entry)

// New creates a Logger with the selected Level and Handler.
func New(level Level, handler Handler) *HandlerLogger {
	return &HandlerLogger{
		level:   level,
		handler: handler,
	}
}

// HandlerLogger calls the provided Handler func for every Entry at or above
// its configured Level.
type HandlerLogger struct {
	level   Level
	handler Handler
}

// Log calls the log handler with the provided Entry, if enabled.
func (l *HandlerLogger) Log(entry Entry) {
	if l == nil {
		return
	}
	if entry.Level >= l.level && l.handler != nil {
		l.handler(entry)
	}
}

// Enabled returns whether the given level would be logged.
func (l *HandlerLogger) Enabled(level Level) bool {
	if l == nil {
		return false
	}
	return level >= l.level
}

// Debugf, Infof, Warnf and Errorf are convenience helpers mirroring the
// printf-style logging the event-loop components use at every call site.
func (l *HandlerLogger) Debugf(format string, args ...interface{}) { l.logf(DEBUG, format, args...) }
func (l *HandlerLogger) Infof(format string, args ...interface{})  { l.logf(INFO, format, args...) }
func (l *HandlerLogger) Warnf(format string, args ...interface{})  { l.logf(WARN, format, args...) }
func (l *HandlerLogger) Errorf(format string, args ...interface{}) { l.logf(ERROR, format, args...) }

func (l *HandlerLogger) logf(level Level, format string, args ...interface{}) {
	if l == nil || !l.Enabled(level) {
		return
	}
	l.Log(NewEntry(level, sprintf(format, args...)))
}

func sprintf(format string, args ...interface{}) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
