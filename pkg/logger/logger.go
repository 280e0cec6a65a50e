// Package logger builds the zap loggers for both binaries. The operator
// trace owns stdout, so structured logs go to stderr unless told otherwise.
package logger

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	global *zap.Logger
)

// Config selects level, encoding and destinations.
type Config struct {
	Level    string   // debug, info, warn, error
	Encoding string   // console or json
	Outputs  []string // "stderr", "stdout", file paths or zap sink URLs
	Service  string
	Host     string
}

// DefaultConfig is a console logger on stderr at info.
func DefaultConfig(service string) Config {
	return Config{
		Level:    "info",
		Encoding: "console",
		Outputs:  []string{"stderr"},
		Service:  service,
	}
}

// Init builds a logger from cfg and installs it as the process-wide logger,
// including zap.L(). A failed Init leaves the previous logger in place.
func Init(cfg Config) (*zap.Logger, error) {
	l, err := New(cfg)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	global = l
	mu.Unlock()
	zap.ReplaceGlobals(l)
	return l, nil
}

// New builds a standalone logger.
func New(cfg Config) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var encoder zapcore.Encoder
	switch cfg.Encoding {
	case "", "console":
		ec := encoderConfig()
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(ec)
	case "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig())
	default:
		return nil, fmt.Errorf("unknown log encoding %q", cfg.Encoding)
	}

	outputs := cfg.Outputs
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}
	sink, _, err := zap.Open(outputs...)
	if err != nil {
		return nil, fmt.Errorf("failed to open log outputs %v: %w", outputs, err)
	}

	fields := []zap.Field{zap.String("service", cfg.Service)}
	if cfg.Host != "" {
		fields = append(fields, zap.String("host", cfg.Host))
	}

	return zap.New(zapcore.NewCore(encoder, sink, level),
		zap.AddCaller(),
		zap.ErrorOutput(sink),
		zap.Fields(fields...),
	), nil
}

func encoderConfig() zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "timestamp"
	ec.MessageKey = "message"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeDuration = zapcore.StringDurationEncoder
	return ec
}

// ParseLevel accepts zap level names plus "warning". Empty means info.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "":
		return zapcore.InfoLevel, nil
	case "warning":
		return zapcore.WarnLevel, nil
	}
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		return l, fmt.Errorf("invalid log level %q", level)
	}
	return l, nil
}

// Get returns the installed logger, or a no-op logger before Init.
func Get() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if global == nil {
		return zap.NewNop()
	}
	return global
}

// Sync flushes the installed logger. Errors from syncing a terminal are
// expected and dropped by callers.
func Sync() error {
	return Get().Sync()
}
