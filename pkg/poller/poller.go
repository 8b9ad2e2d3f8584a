package poller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/kernelcron/pkg/archive"
	"github.com/3leaps/kernelcron/pkg/jobregistry"
	"github.com/3leaps/kernelcron/pkg/kaggle"
	"github.com/3leaps/kernelcron/pkg/match"
	"github.com/3leaps/kernelcron/pkg/metrics"
	"github.com/3leaps/kernelcron/pkg/notify"
)

// Remote queries run status and fetches output.
type Remote interface {
	Status(ctx context.Context, kernel string) (*kaggle.KernelStatus, error)
	DownloadOutput(ctx context.Context, kernel, dest string, keep func(name string) bool) ([]string, error)
	KernelURL(kernel string) string
}

// Unreachable is a Remote whose every call fails with Err. A poll that
// cannot build a real client runs against it, so the failure goes through
// the status error policy instead of stranding the job.
type Unreachable struct {
	Err error
}

func (u Unreachable) Status(context.Context, string) (*kaggle.KernelStatus, error) {
	return nil, u.Err
}

func (u Unreachable) DownloadOutput(context.Context, string, string, func(string) bool) ([]string, error) {
	return nil, u.Err
}

func (u Unreachable) KernelURL(kernel string) string {
	return kernel
}

// RecordStore loads, updates and deletes job records.
type RecordStore interface {
	Get(jobID string) (*jobregistry.JobRecord, error)
	Write(record *jobregistry.JobRecord) error
	Delete(jobID string) (bool, error)
}

// Unscheduler removes a job's recurring poll.
type Unscheduler interface {
	Remove(ctx context.Context, jobID string) (bool, error)
}

// Archiver copies downloaded output elsewhere.
type Archiver interface {
	ArchiveDir(ctx context.Context, kernel, jobID, dir string) (*archive.Result, error)
}

// Deps are the poller's collaborators. Notifier, Archiver and Metrics are
// optional.
type Deps struct {
	Remote    Remote
	Store     RecordStore
	Scheduler Unscheduler
	Notifier  notify.Notifier
	Archiver  Archiver
	Metrics   metrics.Sink
	Logger    *zap.Logger
}

// Poller runs single poll transitions.
type Poller struct {
	deps   Deps
	policy Policy
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// New returns a Poller.
func New(deps Deps, policy Policy) *Poller {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	return &Poller{deps: deps, policy: policy.withDefaults(), now: time.Now, sleep: sleepCtx}
}

// Poll runs one transition for jobID. The only error it returns is a record
// load failure (jobregistry.ErrJobNotFound or ErrMalformedRecord), in which
// case nothing else was touched. Every other problem is reflected in the
// report and logged.
func (p *Poller) Poll(ctx context.Context, jobID string) (*Report, error) {
	log := p.deps.Logger.With(zap.String("job_id", jobID))

	rec, err := p.deps.Store.Get(jobID)
	if err != nil {
		log.Error("Job record could not be loaded", zap.Error(err))
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	log = log.With(zap.String("kernel", rec.KernelName))

	start := p.now()
	report := &Report{JobID: rec.JobID, Kernel: rec.KernelName}

	st, err := p.deps.Remote.Status(ctx, rec.KernelName)
	if err != nil {
		p.statusUnavailable(ctx, rec, report, err, log)
	} else {
		p.transition(ctx, rec, report, jobregistry.Normalize(st.Status), st.FailureMessage, log)
	}

	report.Duration = p.now().Sub(start)
	p.observe(rec, report, log)
	return report, nil
}

func (p *Poller) transition(ctx context.Context, rec *jobregistry.JobRecord, report *Report, status jobregistry.Status, failure string, log *zap.Logger) {
	report.Status = string(status)
	log.Info("Fetched kernel status", zap.String("status", report.Status))

	details := fmt.Sprintf("Kernel %s reported status %s.", p.deps.Remote.KernelURL(rec.KernelName), status)
	if failure != "" {
		details += "\nFailure: " + failure
	}
	p.notify(ctx, rec.JobID, report.Status, details)

	switch {
	case status.IsActive():
		report.Outcome = OutcomeRunning
		p.resetStatusErrors(rec, log)
		log.Info("Kernel still running, nothing to do")
		return

	case status == jobregistry.StatusComplete:
		report.Terminal = true
		p.download(ctx, rec, report, log)

	case status.IsTerminal():
		report.Terminal = true
		report.Outcome = OutcomeCleanedUp
		log.Info("Kernel ended without output to download", zap.String("status", report.Status))

	default:
		report.Outcome = OutcomeIgnored
		p.resetStatusErrors(rec, log)
		log.Warn("Unrecognized kernel status, no action taken", zap.String("status", report.Status))
		return
	}

	report.Cleanup = p.Cleanup(ctx, rec.JobID, rec.TempFolder)
	p.notify(ctx, rec.JobID, report.Status, p.terminalDetails(rec, report))
}

func (p *Poller) statusUnavailable(ctx context.Context, rec *jobregistry.JobRecord, report *Report, err error, log *zap.Logger) {
	report.Outcome = OutcomeStatusUnavailable
	report.StatusErr = err
	log.Warn("Kernel status query failed", zap.Error(err), zap.String("policy", string(p.policy.StatusErrors)))

	if p.policy.StatusErrors == PolicyRetry {
		rec.StatusErrors++
		now := p.now().UTC()
		rec.LastStatusError = &now
		report.StatusErrors = rec.StatusErrors

		if rec.StatusErrors < p.policy.MaxStatusErrors {
			if werr := p.deps.Store.Write(rec); werr != nil {
				log.Error("Status error counter not saved", zap.Error(werr))
			}
			p.notify(ctx, rec.JobID, string(OutcomeStatusUnavailable), fmt.Sprintf(
				"Status query failed (%d of %d allowed): %v", rec.StatusErrors, p.policy.MaxStatusErrors, err))
			return
		}
		log.Warn("Status error budget exhausted, treating job as terminal",
			zap.Int("status_errors", rec.StatusErrors))
	}

	report.Terminal = true
	p.notify(ctx, rec.JobID, string(OutcomeStatusUnavailable), fmt.Sprintf("Status query failed: %v", err))
	report.Cleanup = p.Cleanup(ctx, rec.JobID, rec.TempFolder)
	p.notify(ctx, rec.JobID, string(OutcomeStatusUnavailable), p.terminalDetails(rec, report))
}

func (p *Poller) resetStatusErrors(rec *jobregistry.JobRecord, log *zap.Logger) {
	if rec.StatusErrors == 0 {
		return
	}
	rec.StatusErrors = 0
	rec.LastStatusError = nil
	if err := p.deps.Store.Write(rec); err != nil {
		log.Error("Status error counter not reset", zap.Error(err))
	}
}

func (p *Poller) download(ctx context.Context, rec *jobregistry.JobRecord, report *Report, log *zap.Logger) {
	m, err := match.New(match.Config{
		Includes:   rec.IncludePatterns,
		Excludes:   rec.ExcludePatterns,
		SkipHidden: rec.SkipHidden,
	})
	if err != nil {
		log.Warn("Stored output patterns are invalid, downloading everything", zap.Error(err))
		m, _ = match.New(match.Config{SkipHidden: rec.SkipHidden})
	}

	if err := os.MkdirAll(rec.OutputFolder, 0o755); err != nil {
		report.DownloadErr = fmt.Errorf("create output folder: %w", err)
		report.Outcome = OutcomeDownloadFailed
		log.Error("Output folder not available", zap.Error(err))
		return
	}

	attempts := p.policy.DownloadAttempts
	for attempt := 1; attempt <= attempts; attempt++ {
		files, err := p.deps.Remote.DownloadOutput(ctx, rec.KernelName, rec.OutputFolder, m.Match)
		if err == nil {
			report.Downloaded = files
			report.DownloadErr = nil
			report.Outcome = OutcomeDownloaded
			log.Info("Kernel output downloaded",
				zap.String("output_path", rec.OutputFolder),
				zap.Int("files", len(files)),
				zap.Int("attempt", attempt))
			p.archive(ctx, rec, report, log)
			return
		}
		report.DownloadErr = err
		log.Warn("Kernel output download failed",
			zap.Int("attempt", attempt),
			zap.Int("attempts", attempts),
			zap.Error(err))
		if attempt == attempts || ctx.Err() != nil {
			break
		}
		if err := p.sleep(ctx, time.Duration(attempt)*p.policy.DownloadBackoff); err != nil {
			break
		}
	}
	report.Outcome = OutcomeDownloadFailed
	log.Error("Giving up on kernel output download", zap.Error(report.DownloadErr))
}

func (p *Poller) archive(ctx context.Context, rec *jobregistry.JobRecord, report *Report, log *zap.Logger) {
	if p.deps.Archiver == nil {
		return
	}
	res, err := p.deps.Archiver.ArchiveDir(ctx, rec.KernelName, rec.JobID, rec.OutputFolder)
	if res != nil {
		report.ArchivedKeys = len(res.Keys)
	}
	if err != nil {
		report.ArchiveErr = err
		log.Error("Output archive failed", zap.Error(err))
	}
}

// Cleanup deletes the staging folder, the job record and the cron entry.
// Steps run independently; failures are logged and reported, never
// returned. An empty tempFolder skips the staging step.
func (p *Poller) Cleanup(ctx context.Context, jobID, tempFolder string) *CleanupReport {
	log := p.deps.Logger.With(zap.String("job_id", jobID))
	r := &CleanupReport{}

	if tempFolder != "" {
		r.TempFolder = removeDir(tempFolder)
		logStep(log, "staging folder", r.TempFolder, zap.String("path", tempFolder))
	}

	removed, err := p.deps.Store.Delete(jobID)
	r.Record = Step{Removed: removed, Err: err}
	logStep(log, "job record", r.Record)

	removed, err = p.deps.Scheduler.Remove(ctx, jobID)
	r.Binding = Step{Removed: removed, Err: err}
	logStep(log, "cron entry", r.Binding)

	return r
}

func removeDir(path string) Step {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Step{}
		}
		return Step{Err: err}
	}
	if err := os.RemoveAll(path); err != nil {
		return Step{Err: err}
	}
	return Step{Removed: true}
}

func logStep(log *zap.Logger, what string, s Step, fields ...zap.Field) {
	switch {
	case s.Err != nil:
		log.Error("Cleanup step failed", append(fields, zap.String("step", what), zap.Error(s.Err))...)
	case s.Removed:
		log.Info("Cleanup step done", append(fields, zap.String("step", what))...)
	default:
		log.Info("Cleanup step skipped, nothing to remove", append(fields, zap.String("step", what))...)
	}
}

func (p *Poller) terminalDetails(rec *jobregistry.JobRecord, report *Report) string {
	lines := []string{
		"Kernel: " + rec.KernelName,
		"Outcome: " + string(report.Outcome),
	}
	if report.StatusErr != nil {
		lines = append(lines, "Status error: "+report.StatusErr.Error())
	}
	switch report.Outcome {
	case OutcomeDownloaded:
		lines = append(lines, fmt.Sprintf("Downloaded %d file(s) to %s", len(report.Downloaded), rec.OutputFolder))
		if report.ArchiveErr != nil {
			lines = append(lines, "Archive failed: "+report.ArchiveErr.Error())
		} else if report.ArchivedKeys > 0 {
			lines = append(lines, fmt.Sprintf("Archived %d file(s)", report.ArchivedKeys))
		}
	case OutcomeDownloadFailed:
		lines = append(lines, fmt.Sprintf("Download failed after %d attempt(s): %v", p.policy.DownloadAttempts, report.DownloadErr))
	}
	if report.Cleanup != nil {
		lines = append(lines, "Cleanup: "+report.Cleanup.String())
	}
	return strings.Join(lines, "\n")
}

func (p *Poller) notify(ctx context.Context, jobID, status, details string) {
	p.deps.Notifier.Notify(ctx, notify.Message{JobID: jobID, Status: status, Details: details, Time: p.now()})
}

func (p *Poller) observe(rec *jobregistry.JobRecord, report *Report, log *zap.Logger) {
	err := p.deps.Metrics.Observe(metrics.Observation{
		JobID:           rec.JobID,
		Kernel:          rec.KernelName,
		Outcome:         string(report.Outcome),
		Status:          report.Status,
		Time:            p.now(),
		Duration:        report.Duration,
		JobAge:          p.now().Sub(rec.SubmittedAt),
		FilesDownloaded: len(report.Downloaded),
		StatusErrors:    report.StatusErrors,
	})
	if err != nil {
		log.Warn("Poll metrics not written", zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
