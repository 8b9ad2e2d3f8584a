package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/kernelcron/internal/observability"
	"github.com/3leaps/kernelcron/pkg/jobregistry"
	"github.com/3leaps/kernelcron/pkg/metrics"
)

type jobsGCResult struct {
	StagingFolders []string `json:"staging_folders"`
	CronEntries    []string `json:"cron_entries"`
	MetricsFiles   []string `json:"metrics_files"`
	DryRun         bool     `json:"dry_run"`
	MaxAgeString   string   `json:"max_age"`
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	maxAgeStr = strings.TrimSpace(maxAgeStr)
	if maxAgeStr == "" {
		maxAgeStr = "168h"
	}
	maxAge, err := time.ParseDuration(maxAgeStr)
	if err != nil {
		return fmt.Errorf("invalid --max-age: %w", err)
	}
	if maxAge <= 0 {
		return fmt.Errorf("--max-age must be > 0")
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	log := observability.CLILogger

	store := jobStore()
	ids, err := store.IDs()
	if err != nil {
		return err
	}
	live := make(map[string]bool, len(ids))
	for _, id := range ids {
		live[id] = true
	}
	jobs, err := store.List()
	if err != nil {
		return err
	}
	staging := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		staging[filepath.Clean(j.TempFolder)] = true
	}
	// An unreadable record still owns a staging folder we cannot identify.
	unreadable := len(jobs) < len(ids)
	if unreadable {
		log.Warn("Unreadable job records found, keeping their cron entries and all staging folders",
			zap.Int("unreadable", len(ids)-len(jobs)))
	}
	now := time.Now()

	res := jobsGCResult{
		StagingFolders: []string{},
		CronEntries:    []string{},
		MetricsFiles:   []string{},
		DryRun:         dryRun,
		MaxAgeString:   maxAgeStr,
	}

	// Staging folders with no decodable record. A submit creates its folder
	// before the record is written, so young folders are left alone.
	entries, err := os.ReadDir(appConfig.Paths.ArtifactsDir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read artifacts dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || unreadable {
			continue
		}
		path := filepath.Join(appConfig.Paths.ArtifactsDir, e.Name())
		if staging[filepath.Clean(path)] {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < maxAge {
			continue
		}
		if !dryRun {
			if err := os.RemoveAll(path); err != nil {
				return fmt.Errorf("remove staging folder: %w", err)
			}
		}
		res.StagingFolders = append(res.StagingFolders, path)
	}

	// Cron entries whose record is gone; the poll would only exit 1 forever.
	sched := newScheduler()
	bindings, err := sched.List(cmd.Context())
	if err != nil {
		log.Warn("Cron table could not be read, skipping cron entries", zap.Error(err))
	}
	for _, b := range bindings {
		if live[b.JobID] || jobregistry.ValidateJobID(b.JobID) != nil {
			continue
		}
		if !dryRun {
			if _, err := sched.Remove(cmd.Context(), b.JobID); err != nil {
				return fmt.Errorf("remove cron entry: %w", err)
			}
		}
		res.CronEntries = append(res.CronEntries, b.JobID)
	}

	// Metrics files outlive their jobs so the last outcome stays scrapeable.
	// Any file not rewritten within max-age goes, live job or not.
	if dir := appConfig.Metrics.TextfileDir; dir != "" {
		sink := metrics.NewTextfile(dir)
		var stale []string
		if dryRun {
			stale, err = sink.Stale(maxAge, now)
		} else {
			stale, err = sink.Prune(maxAge, now)
		}
		if err != nil {
			return fmt.Errorf("prune metrics files: %w", err)
		}
		res.MetricsFiles = append(res.MetricsFiles, stale...)
	}

	log.Info("Garbage collection finished",
		zap.Bool("dry_run", dryRun),
		zap.Int("staging_folders", len(res.StagingFolders)),
		zap.Int("cron_entries", len(res.CronEntries)),
		zap.Int("metrics_files", len(res.MetricsFiles)))

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	verb := "deleted"
	if dryRun {
		verb = "would_delete"
	}
	_, _ = fmt.Fprintf(out, "%s_staging_folders=%d\n", verb, len(res.StagingFolders))
	_, _ = fmt.Fprintf(out, "%s_cron_entries=%d\n", verb, len(res.CronEntries))
	_, _ = fmt.Fprintf(out, "%s_metrics_files=%d\n", verb, len(res.MetricsFiles))
	return nil
}
