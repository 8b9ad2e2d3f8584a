// Package metrics exports poll results in the Prometheus text format.
//
// Each poll is a separate short-lived process, so nothing is served over
// HTTP. Instead every poll rewrites a per-job textfile that node_exporter's
// textfile collector picks up:
//
//	<dir>/kernelcron_job_<job_id>.prom
//
// All series are gauges describing the latest poll.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace  = "kernelcron"
	filePrefix = "kernelcron_job_"
	fileSuffix = ".prom"
)

// Observation describes one poll.
type Observation struct {
	JobID   string
	Kernel  string
	Outcome string
	Status  string

	Time     time.Time
	Duration time.Duration

	// JobAge is the time since submission.
	JobAge time.Duration

	FilesDownloaded int
	StatusErrors    int
}

// Sink records observations.
type Sink interface {
	Observe(obs Observation) error
}

// Nop discards observations.
type Nop struct{}

func (Nop) Observe(Observation) error { return nil }

// Textfile writes one .prom file per job into Dir.
type Textfile struct {
	Dir string
}

// NewTextfile returns a textfile sink rooted at dir.
func NewTextfile(dir string) *Textfile {
	return &Textfile{Dir: dir}
}

// Path returns the textfile for a job.
func (t *Textfile) Path(jobID string) string {
	return filepath.Join(t.Dir, filePrefix+jobID+fileSuffix)
}

// Observe renders obs into a fresh registry and atomically replaces the
// job's textfile.
func (t *Textfile) Observe(obs Observation) error {
	if err := os.MkdirAll(t.Dir, 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	reg, err := buildRegistry(obs)
	if err != nil {
		return err
	}
	if err := prometheus.WriteToTextfile(t.Path(obs.JobID), reg); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

func buildRegistry(obs Observation) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"job_id": obs.JobID, "kernel": obs.Kernel}

	gauge := func(name, help string, value float64) error {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
		g.Set(value)
		return reg.Register(g)
	}

	ts := obs.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	outcome := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "poll_outcome",
		Help:        "Outcome of the latest poll (1 for the observed outcome and remote status).",
		ConstLabels: labels,
	}, []string{"outcome", "status"})
	outcome.WithLabelValues(obs.Outcome, obs.Status).Set(1)
	if err := reg.Register(outcome); err != nil {
		return nil, err
	}

	for _, g := range []struct {
		name, help string
		value      float64
	}{
		{"poll_timestamp_seconds", "Unix time of the latest poll.", float64(ts.UnixNano()) / 1e9},
		{"poll_duration_seconds", "Wall time spent in the latest poll.", obs.Duration.Seconds()},
		{"job_age_seconds", "Seconds since the job was submitted.", obs.JobAge.Seconds()},
		{"downloaded_files", "Output files downloaded by the latest poll.", float64(obs.FilesDownloaded)},
		{"status_errors", "Consecutive failed status queries.", float64(obs.StatusErrors)},
	} {
		if err := gauge(g.name, g.help, g.value); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Remove deletes a job's textfile. A missing file is not an error.
func (t *Textfile) Remove(jobID string) error {
	err := os.Remove(t.Path(jobID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Stale returns the job ids whose textfile was not modified within maxAge.
func (t *Textfile) Stale(maxAge time.Duration, now time.Time) ([]string, error) {
	entries, err := os.ReadDir(t.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var stale []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < maxAge {
			continue
		}
		stale = append(stale, strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix))
	}
	return stale, nil
}

// Prune removes stale job textfiles and returns the removed job ids.
func (t *Textfile) Prune(maxAge time.Duration, now time.Time) ([]string, error) {
	stale, err := t.Stale(maxAge, now)
	if err != nil {
		return nil, err
	}
	removed := make([]string, 0, len(stale))
	for _, id := range stale {
		if err := t.Remove(id); err != nil {
			return removed, err
		}
		removed = append(removed, id)
	}
	return removed, nil
}
