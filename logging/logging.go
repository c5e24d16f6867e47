// Package logging provides component-scoped, leveled runtime logging.
//
// Output is produced by a zap core using a console encoder so lines read as
// LEVEL TIMESTAMP [component] message key=value. Every runtime package takes a
// *Logger through its constructor; NewNop is the default when none is given.
package logging

import (
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var zapLevels = map[Level]zapcore.Level{
	LevelDebug: zapcore.DebugLevel,
	LevelInfo:  zapcore.InfoLevel,
	LevelWarn:  zapcore.WarnLevel,
	LevelError: zapcore.ErrorLevel,
}

// ParseLevel maps a config string ("debug", "info", ...) to a Level.
// Unknown values map to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is a component logger. Loggers derived with WithComponent share
// output and level with their parent.
type Logger struct {
	shared    *sink
	component string
	traceID   string
}

type sink struct {
	mu     sync.Mutex
	level  zap.AtomicLevel
	output zapcore.WriteSyncer
	z      *zap.Logger
	nop    bool
}

// New creates a new Logger writing to stdout at INFO.
func New() *Logger {
	s := &sink{
		level:  zap.NewAtomicLevelAt(zapcore.InfoLevel),
		output: zapcore.Lock(os.Stdout),
	}
	s.rebuild()
	return &Logger{shared: s}
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{shared: &sink{z: zap.NewNop(), nop: true, level: zap.NewAtomicLevel()}}
}

func (s *sink) rebuild() {
	if s.nop {
		return
	}
	encCfg := zapcore.EncoderConfig{
		LevelKey:       "level",
		TimeKey:        "ts",
		NameKey:        "component",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName: func(name string, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString("[" + name + "]")
		},
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), s.output, s.level)
	s.z = zap.New(core)
}

func (s *sink) logger() *zap.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.z
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{shared: l.shared, component: component, traceID: l.traceID}
}

// WithTraceID returns a new logger that tags every line with trace_id.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return &Logger{shared: l.shared, component: l.component, traceID: traceID}
}

// Component returns the component name.
func (l *Logger) Component() string {
	return l.component
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	if zl, ok := zapLevels[level]; ok {
		l.shared.level.SetLevel(zl)
	}
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.shared.mu.Lock()
	defer l.shared.mu.Unlock()
	l.shared.output = zapcore.Lock(zapcore.AddSync(w))
	l.shared.rebuild()
}

// Enabled reports whether level would be written.
func (l *Logger) Enabled(level Level) bool {
	zl, ok := zapLevels[level]
	return ok && !l.shared.nop && l.shared.level.Enabled(zl)
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(zapcore.DebugLevel, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(zapcore.InfoLevel, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(zapcore.WarnLevel, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(zapcore.ErrorLevel, msg, fields...)
}

// Sync flushes buffered output.
func (l *Logger) Sync() error {
	return l.shared.logger().Sync()
}

func (l *Logger) log(level zapcore.Level, msg string, fields ...map[string]interface{}) {
	z := l.shared.logger()
	ce := z.Check(level, msg)
	if ce == nil {
		return
	}
	if l.component != "" {
		ce.LoggerName = l.component
	}

	var zf []zap.Field
	if l.traceID != "" {
		zf = append(zf, zap.String("trace_id", l.traceID))
	}
	if len(fields) > 0 && fields[0] != nil {
		keys := make([]string, 0, len(fields[0]))
		for k := range fields[0] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			zf = append(zf, zap.Any(k, fields[0][k]))
		}
	}
	ce.Write(zf...)
}

// --- Runtime event helpers ---

// PhaseChanged logs an extension lifecycle transition.
func (l *Logger) PhaseChanged(extension, from, to string) {
	l.Debug("phase_changed", map[string]interface{}{
		"extension": extension,
		"from":      from,
		"to":        to,
	})
}

// PhaseOverdue logs a lifecycle acknowledgment that has not arrived in time.
func (l *Logger) PhaseOverdue(extension, phase string, waited time.Duration) {
	l.Warn("phase_ack_overdue", map[string]interface{}{
		"extension": extension,
		"phase":     phase,
		"waited":    waited.String(),
	})
}

// MessageDropped logs a message that could not be delivered.
func (l *Logger) MessageDropped(kind, name, reason string) {
	l.Debug("message_dropped", map[string]interface{}{
		"kind":   kind,
		"name":   name,
		"reason": reason,
	})
}

// NotConnected logs a rate-limited not-connected occurrence.
func (l *Logger) NotConnected(name string, occurrences int) {
	l.Warn("not_connected", map[string]interface{}{
		"name":        name,
		"occurrences": occurrences,
	})
}

// PathTimeout logs a force-closed path.
func (l *Logger) PathTimeout(cmdID, cmdName string, age time.Duration) {
	l.Warn("path_timeout", map[string]interface{}{
		"cmd_id": cmdID,
		"cmd":    cmdName,
		"age":    age.String(),
	})
}

// GraphStarted logs a started graph.
func (l *Logger) GraphStarted(graphID string, nodes int, duration time.Duration) {
	l.Info("graph_started", map[string]interface{}{
		"graph_id": graphID,
		"nodes":    nodes,
		"duration": duration.String(),
	})
}

// GraphStopped logs a graph whose engine has been destroyed.
func (l *Logger) GraphStopped(graphID string) {
	l.Info("graph_stopped", map[string]interface{}{
		"graph_id": graphID,
	})
}
