package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		name  string
		opts  Options
		debug bool
		info  bool
	}{
		{name: "default is info", opts: Options{}, info: true},
		{name: "explicit warn", opts: Options{Level: "warn"}},
		{name: "unknown level falls back to info", opts: Options{Level: "chatty"}, info: true},
		{name: "verbose wins", opts: Options{Level: "error", Verbose: true}, debug: true, info: true},
		{name: "json format", opts: Options{Format: "json", Level: "debug"}, debug: true, info: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core := NewLogger("kernelcron", tt.opts).Core()
			assert.Equal(t, tt.debug, core.Enabled(zapcore.DebugLevel))
			assert.Equal(t, tt.info, core.Enabled(zapcore.InfoLevel))
			assert.True(t, core.Enabled(zapcore.ErrorLevel))
		})
	}
}

func TestInitCLILogger(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	InitCLILogger("kernelcron", true)
	assert.True(t, CLILogger.Core().Enabled(zapcore.DebugLevel))
	assert.NotPanics(t, Sync)
}
