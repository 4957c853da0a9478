// Package log provides structured logging for fisim using zap.
package log

import (
	"encoding/hex"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with fisim-specific helpers.
type Logger struct {
	*zap.Logger
	onVerdict func(state, detail string) // verdict callback for UI collectors
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// Get returns the global logger, or a no-op logger before Init.
func Get() *Logger {
	if L == nil {
		return NewNop()
	}
	return L
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	// Shorter timestamps in development
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		// Fallback to no-op if config fails
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// SetOnVerdict sets a callback invoked for every run verdict.
func (l *Logger) SetOnVerdict(fn func(state, detail string)) {
	l.onVerdict = fn
}

// Verdict logs the end of a run and calls the verdict callback if set.
func (l *Logger) Verdict(state fmt.Stringer, detail string, fields ...zap.Field) {
	if l.onVerdict != nil {
		l.onVerdict(state.String(), detail)
	}

	fields = append(fields, State(state), zap.String("detail", detail))
	l.Debug("verdict", fields...)
}

// HookInstall logs when a hook is installed over an address range.
func (l *Logger) HookInstall(kind string, begin, end uint64) {
	l.Debug("hook installed",
		zap.String("kind", kind),
		Ptr("begin", begin),
		Ptr("end", end),
	)
}

// HookRelease logs when a hook is removed.
func (l *Logger) HookRelease(kind string, begin uint64) {
	l.Debug("hook released",
		zap.String("kind", kind),
		Ptr("begin", begin),
	)
}

// WithCategory returns a logger with the category field preset.
func (l *Logger) WithCategory(category string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(zap.String("cat", category)),
		onVerdict: l.onVerdict,
	}
}

// Hex formats a uint64 as hex string for logging.
func Hex(addr uint64) string {
	return fmt.Sprintf("0x%x", addr)
}

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Size creates a size field.
func Size(size uint64) zap.Field {
	return zap.Uint64("size", size)
}

// Ptr creates a pointer field.
func Ptr(name string, ptr uint64) zap.Field {
	return zap.String(name, Hex(ptr))
}

// State creates a run state field.
func State(s fmt.Stringer) zap.Field {
	return zap.Stringer("state", s)
}

// Fault creates a fault descriptor field.
func Fault(f fmt.Stringer) zap.Field {
	return zap.Stringer("fault", f)
}

// Bytes creates a hex-encoded byte field.
func Bytes(name string, b []byte) zap.Field {
	return zap.String(name, hex.EncodeToString(b))
}
