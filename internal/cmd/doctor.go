package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/kernelcron/internal/observability"
	"github.com/3leaps/kernelcron/pkg/kaggle"
	"github.com/3leaps/kernelcron/pkg/notify"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment kernelcron needs and suggest
fixes for common issues.

Examples:
  kernelcron doctor
  kernelcron doctor --config /etc/kernelcron.yaml`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

type doctorCheck struct {
	name string
	run  func(ctx context.Context) (detail string, err error)

	// warnOnly checks report problems without failing the run.
	warnOnly bool
}

func doctorChecks() []doctorCheck {
	checks := []doctorCheck{
		{name: "Go runtime", run: checkRuntime},
		{name: "data directories", run: checkDataDirs},
		{name: "Kaggle credentials", run: checkKaggleCredentials},
		{name: "cron table", run: checkCronTable},
		{name: "Slack notifications", run: checkSlack, warnOnly: true},
	}
	if appConfig.Archive.URI != "" {
		checks = append(checks, doctorCheck{name: "archive credentials", run: checkArchiveCredentials})
	}
	if appConfig.Metrics.TextfileDir != "" {
		checks = append(checks, doctorCheck{name: "metrics directory", run: checkMetricsDir})
	}
	return checks
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	log := observability.CLILogger
	bannerName := binaryName() + " doctor"
	log.Info("=== " + bannerName + " ===")
	log.Info("Running diagnostic checks...")

	checks := doctorChecks()
	failed := 0
	for i, c := range checks {
		prefix := fmt.Sprintf("[%d/%d] Checking %s...", i+1, len(checks), c.name)
		detail, err := c.run(cmd.Context())
		switch {
		case err == nil:
			log.Info(prefix+" ✅ "+detail, zap.String("check", c.name))
		case c.warnOnly:
			log.Warn(prefix+" ⚠️  "+err.Error(), zap.String("check", c.name))
		default:
			log.Error(prefix+" ❌ "+err.Error(), zap.String("check", c.name))
			printDoctorHelp(c.name)
			failed++
		}
	}

	if failed > 0 {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
		return exitError(int(foundry.ExitExternalServiceUnavailable), "doctor found problems", fmt.Errorf("%d check(s) failed", failed))
	}
	log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", binaryName()))
	return nil
}

func checkRuntime(context.Context) (string, error) {
	return fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH), nil
}

func checkDataDirs(context.Context) (string, error) {
	dirs := []string{appConfig.Paths.JobsDir, appConfig.Paths.ArtifactsDir, appConfig.Paths.CronLogDir}
	for _, dir := range dirs {
		if err := checkWritableDir(dir); err != nil {
			return "", err
		}
	}
	return filepath.Dir(appConfig.Paths.JobsDir), nil
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", dir, err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func checkKaggleCredentials(context.Context) (string, error) {
	creds, err := kaggle.ResolveCredentials(appConfig.CredentialSources())
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("user %s, key %s", creds.Username, maskSecret(creds.Key)), nil
}

func checkCronTable(ctx context.Context) (string, error) {
	entries, err := newScheduler().List(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s backend, %d kernelcron entries", appConfig.Schedule.Backend, len(entries)), nil
}

func checkSlack(context.Context) (string, error) {
	if !appConfig.Notify.Slack {
		return "disabled in config", nil
	}
	env := notify.Env(os.Getenv)
	if len(env) < 2 {
		return "", errors.New("SLACK_BOT_TOKEN and SLACK_CHANNEL_ID not both set; notifications will be skipped")
	}
	return "token " + maskSecret(env[notify.EnvToken]) + ", channel " + env[notify.EnvChannel], nil
}

func checkArchiveCredentials(ctx context.Context) (string, error) {
	ac := appConfig.ArchiveSettings()
	if err := ac.Validate(); err != nil {
		return "", err
	}
	var opts []func(*awsconfig.LoadOptions) error
	if ac.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(ac.Profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return "", fmt.Errorf("cannot load AWS config: %w", err)
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return "", fmt.Errorf("cannot retrieve credentials: %w", err)
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	return fmt.Sprintf("%s via %s", maskSecret(creds.AccessKeyID), source), nil
}

func checkMetricsDir(context.Context) (string, error) {
	if err := checkWritableDir(appConfig.Metrics.TextfileDir); err != nil {
		return "", err
	}
	return appConfig.Metrics.TextfileDir, nil
}

// maskSecret masks all but the last 4 characters of a key or token.
func maskSecret(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printDoctorHelp(check string) {
	log := observability.CLILogger
	switch check {
	case "Kaggle credentials":
		log.Info("To configure Kaggle credentials:")
		log.Info("  1. Download kaggle.json from your Kaggle account settings to ~/.kaggle/kaggle.json, or")
		log.Info("  2. Set KAGGLE_USERNAME and KAGGLE_KEY, or")
		log.Info("  3. Set kaggle.secret_file to a mounted secret that is copied into place")
	case "cron table":
		log.Info("kernelcron needs the crontab binary (schedule.backend: crontab) or a")
		log.Info("writable schedule.file (schedule.backend: file).")
	case "archive credentials":
		log.Info("To configure AWS credentials:")
		log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
		log.Info("  2. Run 'aws configure' to set up a profile (archive.profile), or")
		log.Info("  3. Use IAM role when running on AWS infrastructure")
	}
}
