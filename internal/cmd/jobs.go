package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/kernelcron/internal/observability"
	"github.com/3leaps/kernelcron/pkg/cronbind"
	"github.com/3leaps/kernelcron/pkg/jobregistry"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage submitted jobs",
	Long: `Manage job records of submitted kernels.

This command group is designed to be agent-friendly:

- stable job ids (a unique prefix is accepted)
- predictable on-disk locations
- optional JSON output for machine parsing`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live jobs",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show the record and cron entry of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Show the poll log of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLogs,
}

var jobsCleanupCmd = &cobra.Command{
	Use:   "cleanup <job_id>",
	Short: "Remove a job's staging folder, record and cron entry",
	Long: `Run terminal cleanup by hand, for jobs whose poll can no longer finish
(for example a kernel deleted on Kaggle). The remote run is not touched.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsCleanup,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove orphaned staging folders, cron entries and metrics files",
	Long: `Remove what no job record accounts for:

  staging folders     not referenced by any record and older than --max-age
  cron entries        whose job has no record file at all
  metrics files       not rewritten within --max-age

A record file that exists but cannot be decoded still counts as live, so
its cron entry keeps retrying.`,
	RunE: runJobsGC,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsLogsCmd)
	jobsCmd.AddCommand(jobsCleanupCmd)
	jobsCmd.AddCommand(jobsGCCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsLogsCmd.Flags().Int("tail", 200, "Show last N lines (0 = whole file)")
	jobsLogsCmd.Flags().Bool("follow", false, "Follow log output")
	jobsCleanupCmd.Flags().Bool("json", false, "Output as JSON")
	jobsGCCmd.Flags().String("max-age", "168h", "Only delete staging folders and metrics files older than this duration")
	jobsGCCmd.Flags().Bool("dry-run", false, "Show what would be deleted")
	jobsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

type jobView struct {
	jobregistry.JobRecord
	Schedule string `json:"schedule,omitempty"`
	Command  string `json:"command,omitempty"`
	LogFile  string `json:"log_file"`
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()

	jobs, err := jobStore().List()
	if err != nil {
		return err
	}
	if len(jobs) == 0 && !jsonOutput {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}

	entries := cronEntries(cmd)

	if jsonOutput {
		views := make([]jobView, 0, len(jobs))
		for _, j := range jobs {
			views = append(views, newJobView(j, entries[j.JobID]))
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tKERNEL\tSTATUS\tSUBMITTED\tSCHEDULE\tOUTPUT")
	for _, j := range jobs {
		schedule := "-"
		if e, ok := entries[j.JobID]; ok {
			schedule = e.Schedule
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortJobID(j.JobID),
			j.KernelName,
			j.Status,
			j.SubmittedAt.UTC().Format(time.RFC3339),
			schedule,
			j.OutputFolder,
		)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()
	store := jobStore()

	resolvedID, err := resolveJobID(store, args[0])
	if err != nil {
		return err
	}
	rec, err := store.Get(resolvedID)
	if err != nil {
		return err
	}

	entry, ok, err := newScheduler().Lookup(cmd.Context(), rec.JobID)
	if err != nil {
		observability.CLILogger.Warn("Cron table could not be read", zap.Error(err))
	}
	var e cronbind.Entry
	if ok {
		e = *entry
	}
	view := newJobView(*rec, e)

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}

	_, _ = fmt.Fprintf(out, "job_id=%s\n", rec.JobID)
	_, _ = fmt.Fprintf(out, "kernel_name=%s\n", rec.KernelName)
	_, _ = fmt.Fprintf(out, "status=%s\n", rec.Status)
	_, _ = fmt.Fprintf(out, "submitted_at=%s\n", rec.SubmittedAt.UTC().Format(time.RFC3339))
	_, _ = fmt.Fprintf(out, "script_path=%s\n", rec.ScriptPath)
	_, _ = fmt.Fprintf(out, "output_path=%s\n", rec.OutputFolder)
	_, _ = fmt.Fprintf(out, "temp_folder=%s\n", rec.TempFolder)
	_, _ = fmt.Fprintf(out, "timeout=%d\n", rec.Timeout)
	if rec.IntervalAmount > 0 {
		_, _ = fmt.Fprintf(out, "interval=%d %s\n", rec.IntervalAmount, rec.IntervalUnit)
	}
	if rec.StatusErrors > 0 {
		_, _ = fmt.Fprintf(out, "status_errors=%d\n", rec.StatusErrors)
	}
	if view.Schedule != "" {
		_, _ = fmt.Fprintf(out, "schedule=%s\n", view.Schedule)
	} else {
		_, _ = fmt.Fprintln(out, "schedule=-")
	}
	_, _ = fmt.Fprintf(out, "log_file=%s\n", view.LogFile)
	return nil
}

func newJobView(rec jobregistry.JobRecord, e cronbind.Entry) jobView {
	return jobView{
		JobRecord: rec,
		Schedule:  e.Schedule,
		Command:   e.Command,
		LogFile:   cronbind.LogFilePath(appConfig.Paths.CronLogDir, rec.JobID),
	}
}

// cronEntries indexes managed cron entries by job id. An unreadable table
// is logged and treated as empty so listing still works without cron.
func cronEntries(cmd *cobra.Command) map[string]cronbind.Entry {
	entries, err := newScheduler().List(cmd.Context())
	if err != nil {
		observability.CLILogger.Warn("Cron table could not be read", zap.Error(err))
		return map[string]cronbind.Entry{}
	}
	out := make(map[string]cronbind.Entry, len(entries))
	for _, e := range entries {
		out[e.JobID] = e
	}
	return out
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

func resolveJobID(store *jobregistry.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("job_id is required")
	}

	// Exact match first.
	if store.Exists(input) {
		return input, nil
	}

	// Prefix match (allows table-friendly short IDs).
	jobs, err := store.List()
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, j := range jobs {
		if strings.HasPrefix(j.JobID, input) {
			matches = append(matches, j.JobID)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s", jobregistry.ErrJobNotFound, input)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("job id prefix is ambiguous (%d matches); use full job_id or --json", len(matches))
	}
	return matches[0], nil
}
