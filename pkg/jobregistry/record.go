package jobregistry

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewJobID returns a fresh 32-character hex identifier.
func NewJobID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// NewRecordParams are the caller-supplied fields of a new record.
type NewRecordParams struct {
	KernelName   string
	ScriptPath   string
	OutputFolder string

	// ArtifactsDir is the parent of the per-job staging folder.
	ArtifactsDir string

	Timeout      int
	KernelKwargs map[string]any
}

// NewRecord builds an unsaved record with a fresh job id and a fresh,
// independently generated staging folder under ArtifactsDir.
//
// No directories are created here; the launcher owns filesystem effects.
func NewRecord(p NewRecordParams, now time.Time) *JobRecord {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeoutSeconds
	}
	kwargs := make(map[string]any, len(p.KernelKwargs))
	for k, v := range p.KernelKwargs {
		kwargs[k] = v
	}
	return &JobRecord{
		JobID:        NewJobID(),
		KernelName:   strings.TrimSpace(p.KernelName),
		ScriptPath:   p.ScriptPath,
		OutputFolder: p.OutputFolder,
		TempFolder:   filepath.Join(p.ArtifactsDir, NewJobID()),
		Status:       DefaultStatus,
		SubmittedAt:  now.UTC(),
		Timeout:      timeout,
		KernelKwargs: kwargs,
	}
}

// Encode renders a record the way it is stored on disk: 2-space indented
// JSON with a trailing newline.
func Encode(record *JobRecord) ([]byte, error) {
	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal job record: %w", err)
	}
	return append(b, '\n'), nil
}

// Decode parses a stored record and fills defaults for absent fields:
// status, timeout and kernel_kwargs. The identity and path fields are
// required; a record without them is malformed.
func Decode(data []byte, defaultTimeout int) (*JobRecord, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty file", ErrMalformedRecord)
	}

	var record JobRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}

	missing := make([]string, 0, 5)
	for key, val := range map[string]string{
		"job_id":      record.JobID,
		"kernel_name": record.KernelName,
		"script_path": record.ScriptPath,
		"output_path": record.OutputFolder,
		"temp_folder": record.TempFolder,
	} {
		if strings.TrimSpace(val) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: missing required fields %s", ErrMalformedRecord, strings.Join(missing, ", "))
	}

	if record.Status == "" {
		record.Status = DefaultStatus
	}
	if record.Timeout <= 0 {
		record.Timeout = defaultTimeout
		if record.Timeout <= 0 {
			record.Timeout = DefaultTimeoutSeconds
		}
	}
	if record.KernelKwargs == nil {
		record.KernelKwargs = map[string]any{}
	}
	return &record, nil
}
