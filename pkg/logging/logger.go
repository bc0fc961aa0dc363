package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	CRITICAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// zapLevel maps our levels onto zap's. CRITICAL has no zap counterpart that
// does not panic, so it is written at error level with a severity field.
func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case INFO:
		return zapcore.InfoLevel
	case WARN:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

// Logger provides structured logging with file output support
type Logger struct {
	level     Level
	z         *zap.Logger
	logFile   *os.File
	component string
}

// NewLogger creates a logger writing to stdout
func NewLogger(level Level, jsonFormat bool) *Logger {
	return NewLoggerTo(os.Stdout, level, jsonFormat)
}

// NewLoggerTo creates a logger writing to w
func NewLoggerTo(w io.Writer, level Level, jsonFormat bool) *Logger {
	return &Logger{
		level: level,
		z:     zap.New(newCore(w, level, jsonFormat)),
	}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{level: CRITICAL + 1, z: zap.NewNop()}
}

func newCore(w io.Writer, level Level, jsonFormat bool) zapcore.Core {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.MessageKey = "message"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var enc zapcore.Encoder
	if jsonFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	return zapcore.NewCore(enc, zapcore.AddSync(w), zap.NewAtomicLevelAt(level.zapLevel()))
}

// NewFileLogger creates a logger that writes to /var/log/fortress/<component>/<subcomponent>.log
// and stdout. Falls back to ./logs/<component>/ if /var/log is not writable.
func NewFileLogger(component, subComponent string, level Level, jsonFormat bool) (*Logger, error) {
	logPath := GetLogPath(component, subComponent)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", filepath.Dir(logPath), err)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", logPath, err)
	}

	logger := NewLoggerTo(io.MultiWriter(logFile, os.Stdout), level, jsonFormat)
	logger.logFile = logFile
	logger.component = component + "/" + subComponent
	logger.z = logger.z.With(zap.String("component", logger.component))

	logger.Debug("File logging enabled", map[string]interface{}{"path": logPath})
	return logger, nil
}

func (l *Logger) log(level Level, message string, fields map[string]interface{}) {
	if l == nil || level < l.level {
		return
	}

	zf := make([]zap.Field, 0, len(fields)+1)
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	if level == CRITICAL {
		zf = append(zf, zap.String("severity", "critical"))
	}

	if ce := l.z.Check(level.zapLevel(), message); ce != nil {
		ce.Write(zf...)
	}
}

func firstFields(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...map[string]interface{}) {
	l.log(DEBUG, message, firstFields(fields))
}

// Info logs an info message
func (l *Logger) Info(message string, fields ...map[string]interface{}) {
	l.log(INFO, message, firstFields(fields))
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields ...map[string]interface{}) {
	l.log(WARN, message, firstFields(fields))
}

// Error logs an error message
func (l *Logger) Error(message string, fields ...map[string]interface{}) {
	l.log(ERROR, message, firstFields(fields))
}

// Critical logs a message that precedes a destructive action such as a kill
// or an exit. It never exits; callers decide what happens next.
func (l *Logger) Critical(message string, fields ...map[string]interface{}) {
	l.log(CRITICAL, message, firstFields(fields))
}

// WithField returns a child logger carrying key=value on every entry
func (l *Logger) WithField(key string, value interface{}) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{
		level:     l.level,
		z:         l.z.With(zap.Any(key, value)),
		component: l.component,
	}
}

// ParseLevel maps a case-insensitive level name to a Level. Unknown names
// fall back to INFO.
func ParseLevel(level string) Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "CRITICAL", "FATAL":
		return CRITICAL
	default:
		return INFO
	}
}

// Sync flushes buffered entries
func (l *Logger) Sync() error {
	if l == nil {
		return nil
	}
	return l.z.Sync()
}

// Close closes the log file if opened
func (l *Logger) Close() error {
	if l != nil && l.logFile != nil {
		l.Info("Logger closing")
		_ = l.z.Sync()
		return l.logFile.Close()
	}
	return nil
}

// Log directories tried in order by GetLogPath.
var logRoots = []string{"/var/log/fortress", "./logs"}

// writableDir reports whether files can be created under dir, creating it
// when missing.
func writableDir(dir string) bool {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	probe, err := os.CreateTemp(dir, ".fortress-probe-*")
	if err != nil {
		return false
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name) == nil
}

// GetLogPath returns <root>/<component>/<name>.log where name is the
// subcomponent when set. The last root is used when none is writable.
func GetLogPath(component, subComponent string) string {
	root := logRoots[len(logRoots)-1]
	for _, dir := range logRoots {
		if writableDir(dir) {
			root = dir
			break
		}
	}

	name := component
	if subComponent != "" {
		name = subComponent
	}
	return filepath.Join(root, component, name+".log")
}
