package cronbind

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/kernelcron/pkg/jobregistry"
)

// TagPrefix prefixes every comment tag kernelcron writes.
const TagPrefix = "kernelcron-job-"

// Tag returns the comment tag for a job id.
func Tag(jobID string) string {
	return TagPrefix + jobID
}

// Binding is a request to poll one job on an interval.
type Binding struct {
	JobID    string
	Interval Interval
	Command  string
}

// Entry is one kernelcron-managed crontab line.
type Entry struct {
	JobID    string `json:"job_id"`
	Schedule string `json:"schedule"`
	Command  string `json:"command"`
	Line     string `json:"line"`
}

// Scheduler registers and removes polling entries in a Table.
type Scheduler struct {
	table  Table
	logger *zap.Logger
}

func NewScheduler(table Table, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{table: table, logger: logger}
}

// Register adds a crontab line for b unless one tagged with the same job id
// already exists. It returns false when the existing entry was kept.
func (s *Scheduler) Register(ctx context.Context, b Binding) (bool, error) {
	if err := jobregistry.ValidateJobID(b.JobID); err != nil {
		return false, err
	}
	schedule, err := b.Interval.Schedule()
	if err != nil {
		return false, err
	}
	command := strings.TrimSpace(b.Command)
	if command == "" {
		return false, fmt.Errorf("poll command is required")
	}
	if strings.ContainsAny(command, "\n\r") {
		return false, fmt.Errorf("poll command must be a single line")
	}

	content, err := s.table.Read(ctx)
	if err != nil {
		return false, err
	}
	lines := splitLines(content)

	tag := Tag(b.JobID)
	for _, line := range lines {
		if lineTag(line) == tag {
			s.logger.Warn("Cron entry for job already exists, skipping",
				zap.String("job_id", b.JobID))
			return false, nil
		}
	}

	lines = append(lines, fmt.Sprintf("%s %s # %s", schedule, escapePercent(command), tag))
	if err := s.table.Write(ctx, joinLines(lines)); err != nil {
		return false, err
	}

	s.logger.Info("Initialized polling cron",
		zap.String("job_id", b.JobID),
		zap.String("interval", b.Interval.String()),
		zap.String("schedule", schedule))
	return true, nil
}

// Remove deletes every line tagged with jobID. The table is only rewritten
// when something matched; a job without an entry is not an error.
func (s *Scheduler) Remove(ctx context.Context, jobID string) (bool, error) {
	if err := jobregistry.ValidateJobID(jobID); err != nil {
		return false, err
	}
	content, err := s.table.Read(ctx)
	if err != nil {
		return false, err
	}

	tag := Tag(jobID)
	lines := splitLines(content)
	kept := lines[:0:0]
	removed := 0
	for _, line := range lines {
		if lineTag(line) == tag {
			removed++
			continue
		}
		kept = append(kept, line)
	}

	if removed == 0 {
		s.logger.Warn("No cron entry found for job", zap.String("job_id", jobID))
		return false, nil
	}
	if err := s.table.Write(ctx, joinLines(kept)); err != nil {
		return false, err
	}
	s.logger.Info("Removed cron entry for job",
		zap.String("job_id", jobID),
		zap.Int("entries", removed))
	return true, nil
}

// Lookup returns the entry for jobID, if any.
func (s *Scheduler) Lookup(ctx context.Context, jobID string) (*Entry, bool, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return nil, false, err
	}
	for i := range entries {
		if entries[i].JobID == jobID {
			return &entries[i], true, nil
		}
	}
	return nil, false, nil
}

// List returns every kernelcron-managed entry in table order.
func (s *Scheduler) List(ctx context.Context) ([]Entry, error) {
	content, err := s.table.Read(ctx)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, line := range splitLines(content) {
		tag := lineTag(line)
		if !strings.HasPrefix(tag, TagPrefix) {
			continue
		}
		entry := Entry{JobID: strings.TrimPrefix(tag, TagPrefix), Line: line}
		body := strings.TrimSpace(line[:strings.LastIndex(line, " #")])
		fields := strings.Fields(body)
		if len(fields) >= 5 {
			entry.Schedule = strings.Join(fields[:5], " ")
			entry.Command = strings.TrimSpace(strings.Join(fields[5:], " "))
		}
		out = append(out, entry)
	}
	return out, nil
}

// lineTag extracts the trailing "# tag" comment of a crontab line.
func lineTag(line string) string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return ""
	}
	idx := strings.LastIndex(line, " #")
	if idx < 0 {
		return ""
	}
	return strings.TrimSpace(line[idx+2:])
}

func splitLines(content string) []string {
	content = strings.TrimRight(content, "\n")
	if content == "" {
		return nil
	}
	return strings.Split(content, "\n")
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// escapePercent protects '%' which cron otherwise turns into a newline.
func escapePercent(command string) string {
	return strings.ReplaceAll(command, "%", `\%`)
}
