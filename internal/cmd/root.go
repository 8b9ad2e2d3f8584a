// Package cmd implements the kernelcron command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/kernelcron/internal/config"
	"github.com/3leaps/kernelcron/internal/observability"
)

var (
	cfgFile string
	verbose bool

	// appConfig is loaded before every command runs.
	appConfig *config.Config

	appIdentity *config.Identity

	versionInfo = struct {
		Version   string
		Commit    string
		BuildDate string
	}{Version: "dev", Commit: "HEAD", BuildDate: "unknown"}
)

var rootCmd = &cobra.Command{
	Use:   "kernelcron",
	Short: "Submit Kaggle kernels and poll them from cron",
	Long: `kernelcron pushes a Python script to Kaggle as a kernel run, writes a job
record, and registers a crontab entry that polls the run. When the run
completes the poll downloads its output; any terminal state removes the
staging folder, the job record and the crontab entry.

Examples:
  kernelcron submit -k titanic -s train.py -o ./results --every 10
  kernelcron submit --job titanic.yaml
  kernelcron jobs list
  kernelcron poll --job-id 3f2a...      # normally run by cron`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

func init() {
	config.SetIdentity(config.DefaultIdentity)
	appIdentity = config.GetIdentity()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: kernelcron.yaml in the user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// SetVersionInfo records build metadata injected by main.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", version, commit, buildDate)
}

// GetAppIdentity returns the application identity, or nil before init.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

func binaryName() string {
	if id := GetAppIdentity(); id != nil && id.BinaryName != "" {
		return id.BinaryName
	}
	return "kernelcron"
}

func initRuntime(cmd *cobra.Command, _ []string) error {
	var overrides []map[string]any
	if verbose {
		overrides = append(overrides, map[string]any{"logging": map[string]any{"level": "debug"}})
	}
	cfg, err := config.LoadFile(cmd.Context(), cfgFile, overrides...)
	if err != nil {
		return exitError(int(foundry.ExitInvalidArgument), "Invalid configuration", err)
	}
	appConfig = cfg

	observability.CLILogger = observability.NewLogger(binaryName(), observability.Options{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Verbose: verbose,
	})
	return nil
}

// configFileForPoll returns the absolute --config path so the cron line
// reads the same settings regardless of its working directory.
func configFileForPoll() string {
	if cfgFile == "" {
		return ""
	}
	abs, err := filepath.Abs(cfgFile)
	if err != nil {
		return cfgFile
	}
	return abs
}

// Execute runs the root command and exits with the code carried by any
// returned ExitError.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	observability.Sync()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
