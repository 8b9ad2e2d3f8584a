package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
)

func TestExitError(t *testing.T) {
	base := errors.New("boom")
	err := exitError(int(foundry.ExitInvalidArgument), "Invalid manifest", base)

	assert.True(t, errors.Is(err, base))
	assert.Contains(t, err.Error(), "Invalid manifest: boom (exit code")
	assert.Equal(t, int(foundry.ExitInvalidArgument), exitCode(err))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "plain error", err: errors.New("x"), want: 1},
		{name: "poll load", err: exitError(exitPollLoadFailed, "load", nil), want: 1},
		{name: "wrapped", err: fmt.Errorf("outer: %w", exitError(int(foundry.ExitFileNotFound), "m", nil)), want: int(foundry.ExitFileNotFound)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}
