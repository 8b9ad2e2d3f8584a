package jobregistry

import (
	"strings"
	"time"
)

// Status is the last known remote status of a job.
//
// The remote platform reports free-form strings, so Status is not a closed
// enum. The constants below are the values kernelcron itself acts on.
//
// NOTE: Status values are persisted in <job_id>.json and are part of the
// stable on-disk contract.
type Status string

const (
	StatusRunning            Status = "running"
	StatusQueued             Status = "queued"
	StatusNewScript          Status = "new_script"
	StatusComplete           Status = "complete"
	StatusCancelRequested    Status = "cancel_requested"
	StatusCancelAcknowledged Status = "cancel_acknowledged"
	StatusError              Status = "error"
	StatusUnknown            Status = "unknown"
)

// DefaultStatus is written for freshly submitted jobs and applied to records
// that carry no status.
const DefaultStatus Status = "RUNNING"

// DefaultTimeoutSeconds bounds the submission call when nothing else is configured (9h).
const DefaultTimeoutSeconds = 9 * 60 * 60

// Normalize lower-cases and trims a remote status string.
func Normalize(s string) Status {
	return Status(strings.ToLower(strings.TrimSpace(s)))
}

// IsTerminal reports whether no further polling happens after this status.
func (s Status) IsTerminal() bool {
	switch Normalize(string(s)) {
	case StatusComplete, StatusCancelAcknowledged, StatusError, StatusUnknown:
		return true
	}
	return false
}

// IsActive reports whether the remote run is still progressing.
func (s Status) IsActive() bool {
	switch Normalize(string(s)) {
	case StatusRunning, StatusQueued, StatusNewScript:
		return true
	}
	return false
}

// Reserved kernel_kwargs keys. The launcher always overwrites them.
const (
	KwargLanguage   = "language"
	KwargKernelType = "kernel_type"
	KwargCodeFile   = "code_file"
	KwargID         = "id"
)

// ReservedKwargs lists the kernel_kwargs keys that callers cannot set.
var ReservedKwargs = []string{KwargLanguage, KwargKernelType, KwargCodeFile, KwargID}

// JobRecord is the persistent record written to <job_id>.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type JobRecord struct {
	JobID        string         `json:"job_id"`
	KernelName   string         `json:"kernel_name"`
	ScriptPath   string         `json:"script_path"`
	OutputFolder string         `json:"output_path"`
	TempFolder   string         `json:"temp_folder"`
	Status       Status         `json:"status"`
	SubmittedAt  time.Time      `json:"submitted_at"`
	Timeout      int            `json:"timeout"`
	KernelKwargs map[string]any `json:"kernel_kwargs"`

	IntervalAmount  int      `json:"interval_amount,omitempty"`
	IntervalUnit    string   `json:"interval_unit,omitempty"`
	IncludePatterns []string `json:"include_patterns,omitempty"`
	ExcludePatterns []string `json:"exclude_patterns,omitempty"`
	SkipHidden      bool     `json:"skip_hidden,omitempty"`

	// StatusErrors counts consecutive failed status queries. It is only
	// written when the poller runs with the retry status-error policy.
	StatusErrors    int        `json:"status_errors,omitempty"`
	LastStatusError *time.Time `json:"last_status_error,omitempty"`
}
