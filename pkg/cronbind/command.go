package cronbind

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kballard/go-shellquote"
)

// PollCommand describes the shell line cron runs on every tick.
type PollCommand struct {
	// Executable is the absolute path of the kernelcron binary.
	Executable string

	JobID string

	// ConfigFile, when set, is forwarded as --config so the poll sees the
	// same settings as the submission.
	ConfigFile string

	// LogFile receives stdout and stderr of every poll (appended).
	LogFile string

	// Env is prepended as NAME=value assignments.
	Env map[string]string
}

// LogFilePath returns the per-job poll log location under dir.
func LogFilePath(dir, jobID string) string {
	return filepath.Join(dir, jobID+".log")
}

// String renders the command with every argument shell-quoted.
func (c PollCommand) String() (string, error) {
	if strings.TrimSpace(c.Executable) == "" {
		return "", fmt.Errorf("poll executable is required")
	}
	if strings.TrimSpace(c.JobID) == "" {
		return "", fmt.Errorf("job_id is required")
	}

	var parts []string

	keys := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		if strings.TrimSpace(k) == "" || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+shellquote.Join(c.Env[k]))
	}

	args := []string{c.Executable}
	if c.ConfigFile != "" {
		args = append(args, "--config", c.ConfigFile)
	}
	args = append(args, "poll", "--job-id", c.JobID)
	parts = append(parts, shellquote.Join(args...))

	if c.LogFile != "" {
		parts = append(parts, ">>", shellquote.Join(c.LogFile), "2>&1")
	}
	return strings.Join(parts, " "), nil
}
