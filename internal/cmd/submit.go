package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/kernelcron/internal/observability"
	"github.com/3leaps/kernelcron/pkg/cronbind"
	"github.com/3leaps/kernelcron/pkg/kaggle"
	"github.com/3leaps/kernelcron/pkg/launcher"
	"github.com/3leaps/kernelcron/pkg/manifest"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Push a script as a Kaggle kernel and schedule its poll",
	Long: `Push a Python script to Kaggle, persist a job record and register a
crontab entry that polls the run every N minutes or hours.

The job id is printed on stdout. Flags override values from --job.

Examples:
  kernelcron submit -k titanic -s train.py -o ./results
  kernelcron submit -k titanic -s train.py -o ./results --every 2 --unit hour \
      --kwargs '{"enable_gpu": true, "dataset_sources": ["alice/titanic"]}'
  kernelcron submit --job titanic.yaml --exclude '**/*.ckpt'`,
	Args: cobra.NoArgs,
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)

	f := submitCmd.Flags()
	f.String("job", "", "Submission manifest (YAML or JSON)")
	f.StringP("kernel", "k", "", "Kernel name (slug under your account)")
	f.StringP("script", "s", "", "Python script to run")
	f.StringP("output", "o", "", "Local folder for downloaded output")
	f.Int("timeout", 0, "Submission timeout in seconds (default: kaggle.default_timeout)")
	f.Int("every", 0, "Poll interval amount, 1-60 (default: schedule.default_interval)")
	f.String("unit", "", "Poll interval unit: minute or hour (default: schedule.default_unit)")
	f.String("kwargs", "", "Extra kernel metadata as a JSON object")
	f.StringSlice("include", nil, "Only download output matching these glob patterns")
	f.StringSlice("exclude", nil, "Skip output matching these glob patterns")
	f.Bool("skip-hidden", false, "Skip hidden output files")
	f.Bool("no-slack", false, "Do not forward Slack settings to the poll")
	f.Bool("json", false, "Output as JSON")
}

type submitResult struct {
	JobID      string `json:"job_id"`
	Kernel     string `json:"kernel"`
	URL        string `json:"url,omitempty"`
	Version    int    `json:"version,omitempty"`
	OutputPath string `json:"output_path"`
	TempFolder string `json:"temp_folder"`
	Interval   string `json:"interval"`
	Scheduled  bool   `json:"scheduled"`
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger

	req, slack, err := buildSubmitRequest(cmd)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return exitError(int(foundry.ExitFileNotFound), "Failed to read submission manifest", err)
		}
		return exitError(int(foundry.ExitInvalidArgument), "Invalid submission", err)
	}
	if err := req.Validate(); err != nil {
		return exitError(int(foundry.ExitInvalidArgument), "Invalid submission", err)
	}
	req.PollEnv = forwardedEnv(slack, os.Environ())

	client, err := newKaggleClient()
	if err != nil {
		if errors.Is(err, kaggle.ErrNoCredentials) {
			return exitError(int(foundry.ExitFileNotFound), "Kaggle credentials not found", err)
		}
		return exitError(int(foundry.ExitInvalidArgument), "Invalid Kaggle configuration", err)
	}

	command, err := pollCommand()
	if err != nil {
		return exitError(int(foundry.ExitFileNotFound), "Cannot build poll command", err)
	}
	if err := os.MkdirAll(appConfig.Paths.CronLogDir, 0o755); err != nil {
		return exitError(int(foundry.ExitFileNotFound), "Cannot create cron log directory", err)
	}

	l := launcher.New(client, jobStore(), newScheduler(), launcher.Config{
		ArtifactsDir:   appConfig.Paths.ArtifactsDir,
		DefaultTimeout: appConfig.Kaggle.DefaultTimeout,
		Command:        command,
	}, log.Named("launcher"))

	res, err := l.Submit(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, launcher.ErrScheduleFailed) && res != nil:
		// The remote run exists and its record is on disk; report the id so
		// the job can be polled or cleaned up by hand.
		_ = printSubmitResult(cmd, client, req, res)
		return exitError(int(foundry.ExitExternalServiceUnavailable), "Kernel submitted but poll not scheduled", err)
	case errors.Is(err, launcher.ErrInvalidRequest):
		return exitError(int(foundry.ExitInvalidArgument), "Invalid submission", err)
	default:
		return exitError(int(foundry.ExitExternalServiceUnavailable), "Submission failed", err)
	}

	log.Info("Kernel submitted",
		zap.String("job_id", res.JobID),
		zap.String("url", client.KernelURL(req.KernelName)),
		zap.String("interval", req.Interval.String()))
	return printSubmitResult(cmd, client, req, res)
}

func printSubmitResult(cmd *cobra.Command, client *kaggle.Client, req launcher.Request, res *launcher.Result) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()
	if !jsonOutput {
		_, err := fmt.Fprintln(out, res.JobID)
		return err
	}

	r := submitResult{
		JobID:      res.JobID,
		Kernel:     res.Record.KernelName,
		URL:        client.KernelURL(res.Record.KernelName),
		OutputPath: res.Record.OutputFolder,
		TempFolder: res.Record.TempFolder,
		Interval:   req.Interval.String(),
		Scheduled:  res.Scheduled,
	}
	if res.Push != nil {
		r.Version = res.Push.VersionNumber
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// buildSubmitRequest merges the manifest (if any), explicit flags and
// config defaults, in that order of increasing precedence for flags.
// The second return reports whether Slack settings are forwarded.
func buildSubmitRequest(cmd *cobra.Command) (launcher.Request, bool, error) {
	f := cmd.Flags()
	var req launcher.Request
	slack := true

	interval, err := appConfig.DefaultInterval()
	if err != nil {
		return req, false, err
	}

	if path, _ := f.GetString("job"); strings.TrimSpace(path) != "" {
		m, err := manifest.Load(path)
		if err != nil {
			return req, false, err
		}
		unit, err := cronbind.ParseUnit(m.Schedule.Unit)
		if err != nil {
			return req, false, err
		}
		req = launcher.Request{
			KernelName:   m.Kernel.Name,
			ScriptPath:   m.Kernel.Script,
			OutputFolder: m.Output.Path,
			Timeout:      m.Kernel.Timeout,
			KernelKwargs: m.Kernel.Kwargs,
			Includes:     m.Output.Includes,
			Excludes:     m.Output.Excludes,
			SkipHidden:   m.Output.SkipHidden,
		}
		interval = cronbind.Interval{Amount: m.Schedule.Every, Unit: unit}
		slack = m.Notify.SlackEnabled()
	}

	if f.Changed("kernel") {
		req.KernelName, _ = f.GetString("kernel")
	}
	if f.Changed("script") {
		req.ScriptPath, _ = f.GetString("script")
	}
	if f.Changed("output") {
		req.OutputFolder, _ = f.GetString("output")
	}
	if f.Changed("timeout") {
		req.Timeout, _ = f.GetInt("timeout")
	}
	if f.Changed("every") {
		interval.Amount, _ = f.GetInt("every")
	}
	if f.Changed("unit") {
		raw, _ := f.GetString("unit")
		unit, err := cronbind.ParseUnit(raw)
		if err != nil {
			return req, false, err
		}
		interval.Unit = unit
	}
	if f.Changed("kwargs") {
		raw, _ := f.GetString("kwargs")
		kwargs, err := parseKwargs(raw)
		if err != nil {
			return req, false, err
		}
		req.KernelKwargs = kwargs
	}
	if f.Changed("include") {
		req.Includes, _ = f.GetStringSlice("include")
	}
	if f.Changed("exclude") {
		req.Excludes, _ = f.GetStringSlice("exclude")
	}
	if f.Changed("skip-hidden") {
		req.SkipHidden, _ = f.GetBool("skip-hidden")
	}
	if noSlack, _ := f.GetBool("no-slack"); noSlack {
		slack = false
	}

	req.Interval = interval
	return req, slack, nil
}

func parseKwargs(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var kwargs map[string]any
	if err := json.Unmarshal([]byte(raw), &kwargs); err != nil {
		return nil, fmt.Errorf("--kwargs must be a JSON object: %w", err)
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return kwargs, nil
}
