package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/kernelcron/internal/observability"
	"github.com/3leaps/kernelcron/pkg/poller"
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run one poll transition for a job (invoked by cron)",
	Long: `Load the job record, query the kernel status and act on it:

  running, queued     nothing changes
  complete            download output, then clean up
  error, cancelled    clean up
  status query fails  clean up, or count and retry (poll.status_error_policy);
                      missing credentials count as a failed query

Cleanup removes the staging folder, the job record and the crontab entry.
Exits 0 for every handled outcome and 1 when the job record cannot be loaded.`,
	Args: cobra.NoArgs,
	RunE: runPoll,
}

func init() {
	rootCmd.AddCommand(pollCmd)
	pollCmd.Flags().String("job-id", "", "Job id to poll")
	pollCmd.Flags().Bool("json", false, "Print the poll report as JSON")
	_ = pollCmd.MarkFlagRequired("job-id")
}

type pollReport struct {
	JobID        string   `json:"job_id"`
	Kernel       string   `json:"kernel"`
	Status       string   `json:"status,omitempty"`
	Outcome      string   `json:"outcome"`
	Terminal     bool     `json:"terminal"`
	StatusError  string   `json:"status_error,omitempty"`
	StatusErrors int      `json:"status_errors,omitempty"`
	Downloaded   []string `json:"downloaded,omitempty"`
	Download     string   `json:"download_error,omitempty"`
	Archived     int      `json:"archived,omitempty"`
	Cleanup      string   `json:"cleanup,omitempty"`
	DurationMS   int64    `json:"duration_ms"`
}

func runPoll(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	jobID, _ := cmd.Flags().GetString("job-id")
	jobID = strings.TrimSpace(jobID)
	log := observability.CLILogger.With(zap.String("job_id", jobID))

	// Load before touching credentials or the network: a missing or
	// malformed record ends the poll with no other effect.
	if _, err := jobStore().Get(jobID); err != nil {
		log.Error("Job record could not be loaded", zap.Error(err))
		return exitError(exitPollLoadFailed, "Failed to load job record", err)
	}

	var remote poller.Remote
	if client, err := newKaggleClient(); err != nil {
		log.Error("Kaggle client unavailable, handling as a failed status query", zap.Error(err))
		remote = poller.Unreachable{Err: err}
	} else {
		remote = client
	}

	p := newPoller(ctx, remote, log.Named("poller"))
	report, err := p.Poll(ctx, jobID)
	if err != nil {
		return exitError(exitPollLoadFailed, "Failed to load job record", err)
	}

	log.Info("Poll finished",
		zap.String("outcome", string(report.Outcome)),
		zap.Bool("terminal", report.Terminal),
		zap.Duration("duration", report.Duration))

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(toPollReport(report))
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "job_id=%s outcome=%s\n", report.JobID, report.Outcome)
	return err
}

func toPollReport(r *poller.Report) pollReport {
	out := pollReport{
		JobID:        r.JobID,
		Kernel:       r.Kernel,
		Status:       r.Status,
		Outcome:      string(r.Outcome),
		Terminal:     r.Terminal,
		StatusErrors: r.StatusErrors,
		Downloaded:   r.Downloaded,
		Archived:     r.ArchivedKeys,
		DurationMS:   r.Duration.Milliseconds(),
	}
	if r.StatusErr != nil {
		out.StatusError = r.StatusErr.Error()
	}
	if r.DownloadErr != nil {
		out.Download = r.DownloadErr.Error()
	}
	if r.Cleanup != nil {
		out.Cleanup = r.Cleanup.String()
	}
	return out
}
