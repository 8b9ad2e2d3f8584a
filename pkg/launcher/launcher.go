// Package launcher submits a script as a remote kernel run and arranges for
// it to be polled.
//
// Submit performs, in order: validate, stage, push, persist, schedule. The
// record is persisted only after the push succeeds, so a record on disk
// always refers to a run that exists remotely.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/kernelcron/pkg/cronbind"
	"github.com/3leaps/kernelcron/pkg/jobregistry"
	"github.com/3leaps/kernelcron/pkg/kaggle"
	"github.com/3leaps/kernelcron/pkg/match"
)

var (
	// ErrInvalidRequest is returned before any side effect when a request
	// cannot be submitted.
	ErrInvalidRequest = errors.New("invalid submission")

	// ErrScheduleFailed is returned, together with the job id, when the run
	// was submitted and recorded but its poll could not be scheduled.
	ErrScheduleFailed = errors.New("poll schedule registration failed")
)

// Remote pushes staged kernels.
type Remote interface {
	Username() string
	Push(ctx context.Context, dir string, timeout time.Duration) (*kaggle.PushResult, error)
}

// RecordStore persists job records.
type RecordStore interface {
	Write(record *jobregistry.JobRecord) error
}

// Scheduler registers recurring polls.
type Scheduler interface {
	Register(ctx context.Context, b cronbind.Binding) (bool, error)
}

// CommandFunc renders the poll command line for a job. env carries the
// notification variables to forward.
type CommandFunc func(jobID string, env map[string]string) (string, error)

// Config holds launcher settings.
type Config struct {
	// ArtifactsDir is the parent of per-job staging folders.
	ArtifactsDir string

	// DefaultTimeout (seconds) applies when a request has none.
	DefaultTimeout int

	// Command renders the scheduled poll command.
	Command CommandFunc
}

// Request describes one submission.
type Request struct {
	KernelName   string
	ScriptPath   string
	OutputFolder string

	// Timeout is the submission timeout in seconds; zero uses the default.
	Timeout int

	Interval     cronbind.Interval
	KernelKwargs map[string]any

	// Includes/Excludes select which output files the poll downloads.
	Includes []string
	Excludes []string

	// SkipHidden drops dot-files and files under dot-directories on download.
	SkipHidden bool

	// PollEnv is prepended to the scheduled command as NAME=value pairs.
	PollEnv map[string]string
}

// Result reports a submission.
type Result struct {
	JobID     string
	Record    *jobregistry.JobRecord
	Push      *kaggle.PushResult
	Scheduled bool
}

// Launcher wires the remote, the record store and the scheduler together.
type Launcher struct {
	remote Remote
	store  RecordStore
	sched  Scheduler
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New returns a Launcher.
func New(remote Remote, store RecordStore, sched Scheduler, cfg Config, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = jobregistry.DefaultTimeoutSeconds
	}
	return &Launcher{remote: remote, store: store, sched: sched, cfg: cfg, logger: logger, now: time.Now}
}

// Validate checks a request without touching the filesystem beyond a stat
// of the script.
func (r Request) Validate() error {
	name := strings.TrimSpace(r.KernelName)
	if name == "" {
		return fmt.Errorf("%w: kernel name is required", ErrInvalidRequest)
	}
	if strings.ContainsAny(name, "/ \t\n") {
		return fmt.Errorf("%w: kernel name %q must be a bare slug", ErrInvalidRequest, name)
	}
	if strings.TrimSpace(r.ScriptPath) == "" {
		return fmt.Errorf("%w: script path is required", ErrInvalidRequest)
	}
	info, err := os.Stat(r.ScriptPath)
	if err != nil {
		return fmt.Errorf("%w: script %s: %w", ErrInvalidRequest, r.ScriptPath, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: script %s is not a regular file", ErrInvalidRequest, r.ScriptPath)
	}
	if strings.TrimSpace(r.OutputFolder) == "" {
		return fmt.Errorf("%w: output folder is required", ErrInvalidRequest)
	}
	if r.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidRequest)
	}
	if err := r.Interval.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err := match.Validate(r.Includes); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err := match.Validate(r.Excludes); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

// Submit runs the whole submission. On ErrScheduleFailed the returned Result
// is non-nil and carries the job id.
func (l *Launcher) Submit(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if l.cfg.Command == nil {
		return nil, fmt.Errorf("launcher has no poll command configured")
	}

	script, err := filepath.Abs(req.ScriptPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	output, err := filepath.Abs(req.OutputFolder)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	artifacts, err := filepath.Abs(l.cfg.ArtifactsDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = l.cfg.DefaultTimeout
	}

	record := jobregistry.NewRecord(jobregistry.NewRecordParams{
		KernelName:   req.KernelName,
		ScriptPath:   script,
		OutputFolder: output,
		ArtifactsDir: artifacts,
		Timeout:      timeout,
		KernelKwargs: req.KernelKwargs,
	}, l.now())
	record.IntervalAmount = req.Interval.Amount
	record.IntervalUnit = string(req.Interval.Unit)
	record.IncludePatterns = req.Includes
	record.ExcludePatterns = req.Excludes
	record.SkipHidden = req.SkipHidden

	if overlaps(record.OutputFolder, record.TempFolder) {
		return nil, fmt.Errorf("%w: output folder %s overlaps staging folder %s",
			ErrInvalidRequest, record.OutputFolder, record.TempFolder)
	}

	log := l.logger.With(zap.String("job_id", record.JobID), zap.String("kernel", record.KernelName))

	if err := os.MkdirAll(record.OutputFolder, 0o755); err != nil {
		return nil, fmt.Errorf("create output folder: %w", err)
	}
	if err := os.MkdirAll(record.TempFolder, 0o755); err != nil {
		return nil, fmt.Errorf("create staging folder: %w", err)
	}

	if err := l.stage(record, log); err != nil {
		l.discardStaging(record, log)
		return nil, err
	}

	push, err := l.remote.Push(ctx, record.TempFolder, time.Duration(record.Timeout)*time.Second)
	if err != nil {
		l.discardStaging(record, log)
		log.Error("Kernel push failed", zap.Error(err))
		return nil, fmt.Errorf("push kernel %s: %w", kaggle.Ref(l.remote.Username(), record.KernelName), err)
	}
	log.Info("Kernel pushed",
		zap.String("ref", push.Ref),
		zap.String("url", push.URL),
		zap.Int("version", push.VersionNumber))

	if err := l.store.Write(record); err != nil {
		l.discardStaging(record, log)
		log.Error("Job record not persisted, remote run will not be polled", zap.String("url", push.URL), zap.Error(err))
		return nil, fmt.Errorf("persist job record: %w", err)
	}

	res := &Result{JobID: record.JobID, Record: record, Push: push}

	command, err := l.cfg.Command(record.JobID, req.PollEnv)
	if err != nil {
		log.Error("Poll command not built", zap.Error(err))
		return res, fmt.Errorf("%w: %w", ErrScheduleFailed, err)
	}
	if _, err := l.sched.Register(ctx, cronbind.Binding{
		JobID:    record.JobID,
		Interval: req.Interval,
		Command:  command,
	}); err != nil {
		log.Error("Poll not scheduled", zap.Error(err))
		return res, fmt.Errorf("%w: %w", ErrScheduleFailed, err)
	}
	res.Scheduled = true

	log.Info("Job submitted", zap.String("interval", req.Interval.String()))
	return res, nil
}

// stage writes main.py and kernel-metadata.json into the staging folder and
// drops reserved keys from the record's kwargs so only what was pushed is kept.
func (l *Launcher) stage(record *jobregistry.JobRecord, log *zap.Logger) error {
	if err := copyFile(record.ScriptPath, filepath.Join(record.TempFolder, kaggle.CodeFile)); err != nil {
		return fmt.Errorf("stage script: %w", err)
	}
	meta := BuildMetadata(l.remote.Username(), record.KernelName, record.KernelKwargs, log)
	for _, k := range jobregistry.ReservedKwargs {
		delete(record.KernelKwargs, k)
	}
	if err := kaggle.WriteMetadata(record.TempFolder, meta); err != nil {
		return fmt.Errorf("stage metadata: %w", err)
	}
	return nil
}

// BuildMetadata merges caller kwargs over the platform defaults. Reserved
// keys keep their default value; a differing caller value is logged and
// dropped.
func BuildMetadata(username, kernel string, kwargs map[string]any, log *zap.Logger) map[string]any {
	if log == nil {
		log = zap.NewNop()
	}
	meta := kaggle.DefaultMetadata(username, kernel)
	reserved := make(map[string]bool, len(jobregistry.ReservedKwargs))
	for _, k := range jobregistry.ReservedKwargs {
		reserved[k] = true
	}
	for k, v := range kwargs {
		if reserved[k] {
			if !reflect.DeepEqual(v, meta[k]) {
				log.Warn("Discarding reserved kernel kwarg",
					zap.String("key", k),
					zap.Any("given", v),
					zap.Any("kept", meta[k]))
			}
			continue
		}
		meta[k] = v
	}
	return meta
}

func (l *Launcher) discardStaging(record *jobregistry.JobRecord, log *zap.Logger) {
	if err := os.RemoveAll(record.TempFolder); err != nil {
		log.Warn("Staging folder not removed", zap.String("path", record.TempFolder), zap.Error(err))
	}
}

// overlaps reports whether either path contains the other.
func overlaps(a, b string) bool {
	a, b = filepath.Clean(a), filepath.Clean(b)
	return a == b || within(a, b) || within(b, a)
}

func within(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
