package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/kernelcron/internal/observability"
	"github.com/3leaps/kernelcron/pkg/jobregistry"
	"github.com/3leaps/kernelcron/pkg/poller"
)

type cleanupResult struct {
	JobID      string `json:"job_id"`
	TempFolder string `json:"temp_folder,omitempty"`
	Summary    string `json:"summary"`
	OK         bool   `json:"ok"`
}

func runJobsCleanup(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	store := jobStore()
	log := observability.CLILogger

	jobID, err := resolveJobID(store, args[0])
	tempFolder := ""
	switch {
	case err == nil:
		rec, err := store.Get(jobID)
		if err != nil {
			// A malformed record is exactly what manual cleanup is for.
			log.Warn("Job record unreadable, staging folder left in place", zap.String("job_id", jobID), zap.Error(err))
		} else {
			tempFolder = rec.TempFolder
		}
	case errors.Is(err, jobregistry.ErrJobNotFound) && jobregistry.ValidateJobID(args[0]) == nil:
		// No record; a stray cron entry may still exist.
		jobID = args[0]
	default:
		return exitError(int(foundry.ExitFileNotFound), "Job not found", err)
	}

	p := poller.New(poller.Deps{
		Store:     store,
		Scheduler: newScheduler(),
		Logger:    log.Named("cleanup"),
	}, appConfig.PollPolicy())
	report := p.Cleanup(cmd.Context(), jobID, tempFolder)

	res := cleanupResult{JobID: jobID, TempFolder: tempFolder, Summary: report.String(), OK: report.OK()}
	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "job_id=%s\n%s\n", jobID, res.Summary)
	}

	if !report.OK() {
		return exitError(int(foundry.ExitExternalServiceUnavailable), "Cleanup incomplete", errors.New(report.String()))
	}
	return nil
}
