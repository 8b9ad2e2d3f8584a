// Package observability holds the process-wide CLI logger.
package observability

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger used by command handlers.
//
// It starts as a no-op so packages that log before InitCLILogger runs
// (tests, init-time helpers) never dereference nil.
var CLILogger = zap.NewNop()

// InitCLILogger configures CLILogger for the given service name.
//
// Output goes to stderr so stdout stays reserved for command results
// (job ids, --json output). verbose lowers the level to debug.
func InitCLILogger(service string, verbose bool) {
	CLILogger = NewLogger(service, Options{Verbose: verbose})
}

// Options tunes NewLogger.
type Options struct {
	// Level is a zap level name (debug, info, warn, error). Empty means info.
	Level string

	// Format is "console" or "json". Empty means console.
	Format string

	// Verbose forces debug level regardless of Level.
	Verbose bool
}

// NewLogger builds a zap logger writing to stderr.
func NewLogger(service string, opts Options) *zap.Logger {
	level := zapcore.InfoLevel
	if lvl := strings.TrimSpace(opts.Level); lvl != "" {
		if parsed, err := zapcore.ParseLevel(lvl); err == nil {
			level = parsed
		}
	}
	if opts.Verbose {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "json":
		encoder = zapcore.NewJSONEncoder(encCfg)
	default:
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	logger := zap.New(core)
	if service != "" {
		logger = logger.With(zap.String("service", service))
	}
	return logger
}

// Sync flushes CLILogger, ignoring the EINVAL stderr returns on some platforms.
func Sync() {
	_ = CLILogger.Sync()
}
