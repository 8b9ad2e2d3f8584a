// Package poller implements the poll entrypoint: a resumable transition
// function that is invoked by cron once per interval with a job id.
//
// Each call loads the job record, asks the remote for the run status and
// acts on it. Active runs are left alone; a complete run has its output
// downloaded; every terminal run is cleaned up (staging folder, record and
// cron entry). Calls are safe to repeat: cleanup steps tolerate resources
// that are already gone.
package poller

import (
	"fmt"
	"strings"
	"time"
)

// Outcome classifies what a poll did.
type Outcome string

const (
	// OutcomeRunning means the run is still active; nothing changed.
	OutcomeRunning Outcome = "running"

	// OutcomeDownloaded means the run completed, output was downloaded and
	// the job was cleaned up.
	OutcomeDownloaded Outcome = "downloaded"

	// OutcomeDownloadFailed means the run completed but every download
	// attempt failed; the job was cleaned up anyway.
	OutcomeDownloadFailed Outcome = "download_failed"

	// OutcomeCleanedUp means the run ended without output to fetch
	// (cancelled, errored or unknown) and the job was cleaned up.
	OutcomeCleanedUp Outcome = "cleaned_up"

	// OutcomeStatusUnavailable means the status query itself failed. It is
	// terminal or retried depending on StatusErrorPolicy.
	OutcomeStatusUnavailable Outcome = "status_unavailable"

	// OutcomeIgnored means the remote reported a status with no action
	// attached; the record is kept.
	OutcomeIgnored Outcome = "ignored"
)

// StatusErrorPolicy decides what a failed status query means.
type StatusErrorPolicy string

const (
	// PolicyTerminal treats a failed query like an unknown status: the job
	// is cleaned up without download.
	PolicyTerminal StatusErrorPolicy = "terminal"

	// PolicyRetry keeps the job and counts consecutive failures; the job
	// becomes terminal after MaxStatusErrors.
	PolicyRetry StatusErrorPolicy = "retry"
)

// ParseStatusErrorPolicy accepts "terminal" or "retry" (case-insensitive).
func ParseStatusErrorPolicy(s string) (StatusErrorPolicy, error) {
	switch p := StatusErrorPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyTerminal, PolicyRetry:
		return p, nil
	case "":
		return PolicyTerminal, nil
	default:
		return "", fmt.Errorf("unknown status error policy %q (want terminal or retry)", s)
	}
}

// Policy tunes failure handling.
type Policy struct {
	StatusErrors StatusErrorPolicy

	// MaxStatusErrors is the consecutive failure budget under PolicyRetry.
	MaxStatusErrors int

	// DownloadAttempts is the total number of download tries.
	DownloadAttempts int

	// DownloadBackoff is multiplied by the attempt number between tries.
	DownloadBackoff time.Duration
}

// Default policy values.
const (
	DefaultMaxStatusErrors  = 3
	DefaultDownloadAttempts = 3
	DefaultDownloadBackoff  = 5 * time.Second
)

// DefaultPolicy returns the out-of-the-box policy.
func DefaultPolicy() Policy {
	return Policy{
		StatusErrors:     PolicyTerminal,
		MaxStatusErrors:  DefaultMaxStatusErrors,
		DownloadAttempts: DefaultDownloadAttempts,
		DownloadBackoff:  DefaultDownloadBackoff,
	}
}

func (p Policy) withDefaults() Policy {
	if p.StatusErrors == "" {
		p.StatusErrors = PolicyTerminal
	}
	if p.MaxStatusErrors <= 0 {
		p.MaxStatusErrors = DefaultMaxStatusErrors
	}
	if p.DownloadAttempts <= 0 {
		p.DownloadAttempts = DefaultDownloadAttempts
	}
	if p.DownloadBackoff < 0 {
		p.DownloadBackoff = 0
	}
	return p
}

// Step is the result of one cleanup action.
type Step struct {
	// Removed is true when something existed and was deleted.
	Removed bool
	Err     error
}

func (s Step) describe(what string) string {
	switch {
	case s.Err != nil:
		return fmt.Sprintf("%s not removed: %v", what, s.Err)
	case s.Removed:
		return what + " removed"
	default:
		return what + " already absent"
	}
}

// CleanupReport lists what terminal cleanup did. Each step is independent.
type CleanupReport struct {
	TempFolder Step
	Record     Step
	Binding    Step
}

// OK reports whether every step succeeded (absent counts as success).
func (r *CleanupReport) OK() bool {
	return r.TempFolder.Err == nil && r.Record.Err == nil && r.Binding.Err == nil
}

func (r *CleanupReport) String() string {
	return strings.Join([]string{
		r.TempFolder.describe("staging folder"),
		r.Record.describe("job record"),
		r.Binding.describe("cron entry"),
	}, "; ")
}

// Report describes one poll.
type Report struct {
	JobID  string
	Kernel string

	// Status is the lower-cased remote status; empty when the query failed.
	Status string

	Outcome  Outcome
	Terminal bool

	StatusErr    error
	StatusErrors int

	Downloaded  []string
	DownloadErr error

	ArchivedKeys int
	ArchiveErr   error

	Cleanup *CleanupReport

	Duration time.Duration
}
