package cronbind

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// Table reads and replaces a whole crontab.
//
// Scheduler does read-modify-write on top of it without locking; callers
// running two kernelcron processes at once can lose an update.
type Table interface {
	Read(ctx context.Context) (string, error)
	Write(ctx context.Context, content string) error
}

// CrontabTable drives the system crontab binary.
type CrontabTable struct {
	// Binary defaults to "crontab".
	Binary string

	// User, when set, is passed as "-u <user>" (requires privileges).
	User string
}

func (t *CrontabTable) binary() string {
	if strings.TrimSpace(t.Binary) == "" {
		return "crontab"
	}
	return t.Binary
}

func (t *CrontabTable) args(extra ...string) []string {
	var args []string
	if t.User != "" {
		args = append(args, "-u", t.User)
	}
	return append(args, extra...)
}

func (t *CrontabTable) Read(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, t.binary(), t.args("-l")...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		// crontab -l exits non-zero when the user has no table yet.
		if strings.Contains(strings.ToLower(stderr.String()), "no crontab") {
			return "", nil
		}
		return "", fmt.Errorf("crontab -l: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (t *CrontabTable) Write(ctx context.Context, content string) error {
	cmd := exec.CommandContext(ctx, t.binary(), t.args("-")...)
	cmd.Stdin = strings.NewReader(content)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("crontab -: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// FileTable keeps the crontab in a plain file. It backs tests and hosts
// where a cron daemon reads a spool file directly.
type FileTable struct {
	Path string
}

func (t *FileTable) Read(_ context.Context) (string, error) {
	b, err := os.ReadFile(t.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read crontab file: %w", err)
	}
	return string(b), nil
}

func (t *FileTable) Write(_ context.Context, content string) error {
	dir := filepath.Dir(t.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create crontab dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(t.Path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp crontab: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp crontab: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp crontab: %w", err)
	}
	return os.Rename(tmpName, t.Path)
}

// MemoryTable is an in-process Table.
type MemoryTable struct {
	mu      sync.Mutex
	content string
	writes  int
}

func NewMemoryTable(initial string) *MemoryTable {
	return &MemoryTable{content: initial}
}

func (t *MemoryTable) Read(_ context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.content, nil
}

func (t *MemoryTable) Write(_ context.Context, content string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.content = content
	t.writes++
	return nil
}

// Writes reports how many times the table was replaced.
func (t *MemoryTable) Writes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writes
}
