package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Output formats.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Config contains configuration for the logger.
type Config struct {
	// Level is the minimum log level ("debug", "info", "warn", "error").
	Level string

	// Format is "json" or "console".
	Format string

	// AddSource includes the caller in every entry.
	AddSource bool

	// Development enables stack traces on warnings.
	Development bool

	// Redact scrubs secrets from string fields and messages.
	Redact bool

	// Writer is the output writer (defaults to os.Stdout).
	Writer io.Writer
}

// New creates a logger with the given configuration.
func New(cfg Config) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.StringDurationEncoder

	var enc zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "", FormatJSON:
		enc = zapcore.NewJSONEncoder(encCfg)
	case FormatConsole, "text":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("invalid log format %q: must be 'json' or 'console'", cfg.Format)
	}

	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}

	var core zapcore.Core = zapcore.NewCore(enc, zapcore.AddSync(w), level)
	if cfg.Redact {
		core = NewRedactingCore(core, NewRedactor())
	}

	opts := []zap.Option{zap.ErrorOutput(zapcore.AddSync(os.Stderr))}
	if cfg.AddSource {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.Development {
		opts = append(opts, zap.Development(), zap.AddStacktrace(zapcore.WarnLevel))
	} else {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	return zap.New(core, opts...), nil
}

// ParseLevel parses a level name. An empty name is info.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: must be 'debug', 'info', 'warn', or 'error'", s)
	}
}
