package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/kernelcron/internal/config"
	"github.com/3leaps/kernelcron/internal/observability"
	"github.com/3leaps/kernelcron/pkg/archive"
	"github.com/3leaps/kernelcron/pkg/cronbind"
	"github.com/3leaps/kernelcron/pkg/jobregistry"
	"github.com/3leaps/kernelcron/pkg/kaggle"
	"github.com/3leaps/kernelcron/pkg/launcher"
	"github.com/3leaps/kernelcron/pkg/metrics"
	"github.com/3leaps/kernelcron/pkg/notify"
	"github.com/3leaps/kernelcron/pkg/poller"
)

func jobStore() *jobregistry.Store {
	return jobregistry.NewStore(appConfig.Paths.JobsDir,
		jobregistry.WithDefaultTimeout(appConfig.Kaggle.DefaultTimeout))
}

func cronTable() cronbind.Table {
	if appConfig.Schedule.Backend == config.BackendFile {
		return &cronbind.FileTable{Path: appConfig.Schedule.File}
	}
	return &cronbind.CrontabTable{Binary: appConfig.Schedule.CrontabBinary}
}

func newScheduler() *cronbind.Scheduler {
	return cronbind.NewScheduler(cronTable(), observability.CLILogger.Named("cron"))
}

func newKaggleClient() (*kaggle.Client, error) {
	creds, err := kaggle.ResolveCredentials(appConfig.CredentialSources())
	if err != nil {
		return nil, err
	}
	return kaggle.New(kaggle.Config{
		BaseURL:        appConfig.Kaggle.BaseURL,
		Credentials:    creds,
		RequestTimeout: appConfig.Kaggle.RequestTimeout,
		RateLimit:      appConfig.Kaggle.RateLimit,
		UserAgent:      binaryName() + "/" + versionInfo.Version,
	}, observability.CLILogger.Named("kaggle"))
}

// newNotifier reads the Slack settings from the environment, which for a
// cron-driven poll is whatever the submission forwarded into the cron line.
func newNotifier() notify.Notifier {
	if !appConfig.Notify.Slack {
		return notify.Nop{}
	}
	return notify.FromEnv(appConfig.Notify.SlackBaseURL, observability.CLILogger.Named("slack"))
}

// newArchiver returns nil when no archive destination is configured.
func newArchiver(ctx context.Context) (poller.Archiver, error) {
	ac := appConfig.ArchiveSettings()
	if !ac.Enabled() {
		return nil, nil
	}
	a, err := archive.New(ctx, ac, observability.CLILogger.Named("archive"))
	if err != nil {
		return nil, err
	}
	return a, nil
}

func newMetricsSink() metrics.Sink {
	if appConfig.Metrics.TextfileDir == "" {
		return metrics.Nop{}
	}
	return metrics.NewTextfile(appConfig.Metrics.TextfileDir)
}

func newPoller(ctx context.Context, remote poller.Remote, log *zap.Logger) *poller.Poller {
	deps := poller.Deps{
		Remote:    remote,
		Store:     jobStore(),
		Scheduler: newScheduler(),
		Notifier:  newNotifier(),
		Metrics:   newMetricsSink(),
		Logger:    log,
	}
	// A broken archive setup must not block downloads or cleanup.
	if a, err := newArchiver(ctx); err != nil {
		log.Warn("Output archiving disabled", zap.Error(err))
	} else if a != nil {
		deps.Archiver = a
	}
	return poller.New(deps, appConfig.PollPolicy())
}

// pollCommand builds the cron line body for a job: the absolute path of this
// binary, the config file in use, and a per-job log file.
func pollCommand() (launcher.CommandFunc, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate kernelcron executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	logDir, err := filepath.Abs(appConfig.Paths.CronLogDir)
	if err != nil {
		return nil, err
	}
	configFile := configFileForPoll()

	return func(jobID string, env map[string]string) (string, error) {
		return cronbind.PollCommand{
			Executable: exe,
			JobID:      jobID,
			ConfigFile: configFile,
			LogFile:    cronbind.LogFilePath(logDir, jobID),
			Env:        env,
		}.String()
	}, nil
}

// forwardedEnv collects the variables copied into the cron line. cron starts
// the poll with an almost empty environment, so everything that shaped this
// submission's settings travels with it: Kaggle credential variables, every
// KERNELCRON_* override, the Slack settings when enabled and the
// schedule.forward_env names.
func forwardedEnv(slack bool, environ []string) map[string]string {
	vars := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}
	getenv := func(k string) string { return vars[k] }

	env := map[string]string{}
	keep := func(name string) {
		if v := getenv(name); v != "" {
			env[name] = v
		}
	}
	for _, name := range kaggle.CredentialEnv {
		keep(name)
	}
	prefix := config.EnvPrefix()
	for name := range vars {
		if strings.HasPrefix(name, prefix) {
			keep(name)
		}
	}
	if slack {
		for k, v := range notify.Env(getenv) {
			env[k] = v
		}
	}
	for _, name := range appConfig.Schedule.ForwardEnv {
		keep(name)
	}
	return env
}
