package jobregistry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrJobNotFound is returned when no record file exists for a job id.
	ErrJobNotFound = errors.New("job record not found")

	// ErrMalformedRecord is returned when a record file exists but cannot be decoded.
	ErrMalformedRecord = errors.New("malformed job record")

	// ErrInvalidJobID is returned for empty ids or ids that would escape the store root.
	ErrInvalidJobID = errors.New("invalid job_id")
)

// Store persists and loads JobRecords from an on-disk directory.
//
// Directory layout:
//
//	<root>/<job_id>.json
//
// Writes go through a temp file and rename so a poll never observes a
// half-written record. There is no locking: concurrent writers for the same
// job id race, and the last rename wins.
type Store struct {
	root           string
	defaultTimeout int
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithDefaultTimeout sets the timeout applied to records that carry none.
func WithDefaultTimeout(seconds int) StoreOption {
	return func(s *Store) {
		if seconds > 0 {
			s.defaultTimeout = seconds
		}
	}
}

func NewStore(root string, opts ...StoreOption) *Store {
	s := &Store{root: strings.TrimSpace(root), defaultTimeout: DefaultTimeoutSeconds}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) JobPath(jobID string) string {
	return filepath.Join(s.root, jobID+".json")
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("job registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// ValidateJobID rejects ids that are empty or contain path elements.
func ValidateJobID(jobID string) error {
	id := strings.TrimSpace(jobID)
	if id == "" {
		return fmt.Errorf("%w: job_id is required", ErrInvalidJobID)
	}
	if id != jobID || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	return nil
}

func (s *Store) Write(record *JobRecord) error {
	if record == nil {
		return fmt.Errorf("job record is nil")
	}
	if err := ValidateJobID(record.JobID); err != nil {
		return err
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	b, err := Encode(record)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.root, record.JobID+".json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}

	if err := os.Rename(tmpName, s.JobPath(record.JobID)); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

// Get loads a record, applying defaults for absent optional fields.
//
// A missing file yields ErrJobNotFound; an unreadable or undecodable file
// yields ErrMalformedRecord.
func (s *Store) Get(jobID string) (*JobRecord, error) {
	if err := ValidateJobID(jobID); err != nil {
		return nil, err
	}
	path := s.JobPath(jobID)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, path)
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrMalformedRecord, path, err)
	}

	record, err := Decode(b, s.defaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return record, nil
}

// Exists reports whether a record file is present for jobID.
func (s *Store) Exists(jobID string) bool {
	if ValidateJobID(jobID) != nil {
		return false
	}
	_, err := os.Stat(s.JobPath(jobID))
	return err == nil
}

// Delete removes the record file. Deleting a missing record is not an error;
// the returned bool reports whether a file was actually removed.
func (s *Store) Delete(jobID string) (bool, error) {
	if err := ValidateJobID(jobID); err != nil {
		return false, err
	}
	err := os.Remove(s.JobPath(jobID))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("remove job file: %w", err)
	}
}

// IDs returns the job id of every record file, decodable or not, sorted.
func (s *Store) IDs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs root: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// List returns every decodable record, newest submission first.
// Malformed files are skipped.
func (s *Store) List() ([]JobRecord, error) {
	ids, err := s.IDs()
	if err != nil {
		return nil, err
	}

	out := make([]JobRecord, 0, len(ids))
	for _, id := range ids {
		r, err := s.Get(id)
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})

	return out, nil
}
