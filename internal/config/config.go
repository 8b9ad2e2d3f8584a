// Package config loads kernelcron settings.
//
// Sources, lowest to highest precedence: built-in defaults, the config file
// (kernelcron.yaml in the user config dir, or an explicit --config path),
// KERNELCRON_* environment variables, and runtime overrides.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/kernelcron/pkg/archive"
	"github.com/3leaps/kernelcron/pkg/cronbind"
	"github.com/3leaps/kernelcron/pkg/jobregistry"
	"github.com/3leaps/kernelcron/pkg/kaggle"
	"github.com/3leaps/kernelcron/pkg/notify"
	"github.com/3leaps/kernelcron/pkg/poller"
)

// Identity names the application for config, data and env lookups.
type Identity struct {
	BinaryName string
	ConfigName string
	EnvPrefix  string
}

// DefaultIdentity is used until SetIdentity is called.
var DefaultIdentity = Identity{
	BinaryName: "kernelcron",
	ConfigName: "kernelcron",
	EnvPrefix:  "KERNELCRON_",
}

// Schedule backends.
const (
	BackendCrontab = "crontab"
	BackendFile    = "file"
)

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
)

// Config is the decoded configuration.
type Config struct {
	Paths    PathsConfig    `mapstructure:"paths"`
	Kaggle   KaggleConfig   `mapstructure:"kaggle"`
	Poll     PollConfig     `mapstructure:"poll"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type PathsConfig struct {
	JobsDir      string `mapstructure:"jobs_dir"`
	ArtifactsDir string `mapstructure:"artifacts_dir"`
	CronLogDir   string `mapstructure:"cron_log_dir"`
}

type KaggleConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	CredentialsFile string        `mapstructure:"credentials_file"`
	SecretFile      string        `mapstructure:"secret_file"`
	Username        string        `mapstructure:"username"`
	Key             string        `mapstructure:"key"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	RateLimit       float64       `mapstructure:"rate_limit"`

	// DefaultTimeout is the submission timeout in seconds.
	DefaultTimeout int `mapstructure:"default_timeout"`
}

type PollConfig struct {
	StatusErrorPolicy string        `mapstructure:"status_error_policy"`
	MaxStatusErrors   int           `mapstructure:"max_status_errors"`
	DownloadAttempts  int           `mapstructure:"download_attempts"`
	DownloadBackoff   time.Duration `mapstructure:"download_backoff"`
}

type ScheduleConfig struct {
	Backend       string `mapstructure:"backend"`
	File          string `mapstructure:"file"`
	CrontabBinary string `mapstructure:"crontab_binary"`

	DefaultInterval int    `mapstructure:"default_interval"`
	DefaultUnit     string `mapstructure:"default_unit"`

	// ForwardEnv names extra environment variables copied into the cron
	// line, since cron does not inherit the submitting shell's environment.
	ForwardEnv []string `mapstructure:"forward_env"`
}

type NotifyConfig struct {
	Slack        bool   `mapstructure:"slack"`
	SlackBaseURL string `mapstructure:"slack_base_url"`
}

type ArchiveConfig struct {
	URI            string `mapstructure:"uri"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
	DetectRegion   bool   `mapstructure:"detect_region"`
}

type MetricsConfig struct {
	TextfileDir string `mapstructure:"textfile_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// EnvSpec maps a short environment variable onto a config key.
type EnvSpec struct {
	Name string
	Path string
}

// SetIdentity overrides the application identity.
func SetIdentity(id Identity) {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = &id
}

// GetIdentity returns the active identity, or nil before Load/SetIdentity.
func GetIdentity() *Identity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

func ensureIdentity() *Identity {
	configMu.Lock()
	defer configMu.Unlock()
	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}
	return appIdentity
}

// EnvPrefix returns the prefix shared by every kernelcron environment variable.
func EnvPrefix() string {
	return ensureIdentity().EnvPrefix
}

// DataDir returns the root under which jobs, staging folders and logs live.
func DataDir() string {
	id := GetIdentity()
	name := DefaultIdentity.ConfigName
	if id != nil && strings.TrimSpace(id.ConfigName) != "" {
		name = id.ConfigName
	}
	return gfconfig.GetAppDataDir(name)
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	data := DataDir()

	v.SetDefault("paths.jobs_dir", filepath.Join(data, "jobs"))
	v.SetDefault("paths.artifacts_dir", filepath.Join(data, "artifacts"))
	v.SetDefault("paths.cron_log_dir", filepath.Join(data, "logs"))

	v.SetDefault("kaggle.base_url", kaggle.DefaultBaseURL)
	v.SetDefault("kaggle.credentials_file", kaggle.DefaultCredentialsFile())
	v.SetDefault("kaggle.secret_file", "")
	v.SetDefault("kaggle.username", "")
	v.SetDefault("kaggle.key", "")
	v.SetDefault("kaggle.request_timeout", "60s")
	v.SetDefault("kaggle.rate_limit", 2.0)
	v.SetDefault("kaggle.default_timeout", jobregistry.DefaultTimeoutSeconds)

	v.SetDefault("poll.status_error_policy", string(poller.PolicyTerminal))
	v.SetDefault("poll.max_status_errors", poller.DefaultMaxStatusErrors)
	v.SetDefault("poll.download_attempts", poller.DefaultDownloadAttempts)
	v.SetDefault("poll.download_backoff", poller.DefaultDownloadBackoff.String())

	v.SetDefault("schedule.backend", BackendCrontab)
	v.SetDefault("schedule.file", "")
	v.SetDefault("schedule.crontab_binary", "crontab")
	v.SetDefault("schedule.default_interval", 5)
	v.SetDefault("schedule.default_unit", string(cronbind.UnitMinute))
	v.SetDefault("schedule.forward_env", []string{})

	v.SetDefault("notify.slack", true)
	v.SetDefault("notify.slack_base_url", notify.DefaultSlackBaseURL)

	v.SetDefault("archive.uri", "")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.profile", "")
	v.SetDefault("archive.force_path_style", false)
	v.SetDefault("archive.detect_region", false)

	v.SetDefault("metrics.textfile_dir", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// getEnvSpecs lists the short env aliases. Every key is also reachable as
// KERNELCRON_<SECTION>_<KEY> through automatic env binding.
func getEnvSpecs() []EnvSpec {
	id := GetIdentity()
	if id == nil {
		return []EnvSpec{}
	}
	p := id.EnvPrefix
	return []EnvSpec{
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_FORMAT", Path: "logging.format"},
		{Name: p + "JOBS_DIR", Path: "paths.jobs_dir"},
		{Name: p + "ARTIFACTS_DIR", Path: "paths.artifacts_dir"},
		{Name: p + "CRON_LOG_DIR", Path: "paths.cron_log_dir"},
		{Name: p + "KAGGLE_BASE_URL", Path: "kaggle.base_url"},
		{Name: p + "STATUS_ERROR_POLICY", Path: "poll.status_error_policy"},
		{Name: p + "SCHEDULE_BACKEND", Path: "schedule.backend"},
		{Name: p + "SCHEDULE_FILE", Path: "schedule.file"},
		{Name: p + "ARCHIVE_URI", Path: "archive.uri"},
		{Name: p + "METRICS_DIR", Path: "metrics.textfile_dir"},
	}
}

// getUserConfigPaths lists the directories searched for kernelcron.yaml.
func getUserConfigPaths() []string {
	id := GetIdentity()
	if id == nil {
		return []string{}
	}
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, id.ConfigName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "."+id.ConfigName))
	}
	return paths
}

// Configure prepares v: defaults, env bindings and the config file. An
// explicit file must exist; the searched default file is optional.
func Configure(v *viper.Viper, file string) error {
	id := ensureIdentity()

	SetDefaults(v)

	v.SetEnvPrefix(strings.TrimSuffix(id.EnvPrefix, "_"))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	if strings.TrimSpace(file) != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", file, err)
		}
		return nil
	}

	v.SetConfigName(id.ConfigName)
	v.SetConfigType("yaml")
	for _, p := range getUserConfigPaths() {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

// Decode unmarshals v into a Config and validates it.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Schedule.ForwardEnv = trimAll(cfg.Schedule.ForwardEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load builds a Config from defaults, the searched config file, env and the
// given overrides (nested maps keyed like the YAML file).
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	return LoadFile(ctx, "", overrides...)
}

// LoadFile is Load with an explicit config file.
func LoadFile(ctx context.Context, file string, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v := viper.New()
	if err := Configure(v, file); err != nil {
		return nil, err
	}
	for _, o := range overrides {
		applyOverrides(v, "", o)
	}

	cfg, err := Decode(v)
	if err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = cfg
	configMu.Unlock()
	return cfg, nil
}

// GetConfig returns the most recently loaded Config.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// applyOverrides flattens nested maps into dotted keys and sets them at
// viper's override level, above env and file.
func applyOverrides(v *viper.Viper, prefix string, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := m[k].(map[string]any); ok {
			applyOverrides(v, key, nested)
			continue
		}
		v.Set(key, m[k])
	}
}

// Validate checks enumerations and cross-field requirements.
func (c *Config) Validate() error {
	if _, err := poller.ParseStatusErrorPolicy(c.Poll.StatusErrorPolicy); err != nil {
		return fmt.Errorf("poll.status_error_policy: %w", err)
	}
	if c.Poll.MaxStatusErrors < 1 {
		return fmt.Errorf("poll.max_status_errors must be >= 1")
	}
	if c.Poll.DownloadAttempts < 1 {
		return fmt.Errorf("poll.download_attempts must be >= 1")
	}
	if c.Poll.DownloadBackoff < 0 {
		return fmt.Errorf("poll.download_backoff must not be negative")
	}

	switch c.Schedule.Backend {
	case BackendCrontab:
	case BackendFile:
		if strings.TrimSpace(c.Schedule.File) == "" {
			return fmt.Errorf("schedule.file is required when schedule.backend is %q", BackendFile)
		}
	default:
		return fmt.Errorf("schedule.backend must be %q or %q, got %q", BackendCrontab, BackendFile, c.Schedule.Backend)
	}
	if _, err := c.DefaultInterval(); err != nil {
		return fmt.Errorf("schedule defaults: %w", err)
	}

	if c.Kaggle.DefaultTimeout < 1 {
		return fmt.Errorf("kaggle.default_timeout must be >= 1")
	}
	if c.Kaggle.RateLimit < 0 {
		return fmt.Errorf("kaggle.rate_limit must not be negative")
	}

	if c.Archive.URI != "" {
		ac := c.ArchiveSettings()
		if err := ac.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// DefaultInterval is the poll interval used when submit gives none.
func (c *Config) DefaultInterval() (cronbind.Interval, error) {
	unit, err := cronbind.ParseUnit(c.Schedule.DefaultUnit)
	if err != nil {
		return cronbind.Interval{}, err
	}
	iv := cronbind.Interval{Amount: c.Schedule.DefaultInterval, Unit: unit}
	return iv, iv.Validate()
}

// PollPolicy converts the poll section.
func (c *Config) PollPolicy() poller.Policy {
	policy, _ := poller.ParseStatusErrorPolicy(c.Poll.StatusErrorPolicy)
	return poller.Policy{
		StatusErrors:     policy,
		MaxStatusErrors:  c.Poll.MaxStatusErrors,
		DownloadAttempts: c.Poll.DownloadAttempts,
		DownloadBackoff:  c.Poll.DownloadBackoff,
	}
}

// ArchiveSettings converts the archive section. Static keys are read from
// the standard AWS env vars by the SDK, not from here.
func (c *Config) ArchiveSettings() archive.Config {
	return archive.Config{
		URI:            c.Archive.URI,
		Region:         c.Archive.Region,
		Endpoint:       c.Archive.Endpoint,
		Profile:        c.Archive.Profile,
		ForcePathStyle: c.Archive.ForcePathStyle,
		DetectRegion:   c.Archive.DetectRegion,
	}
}

// CredentialSources converts the kaggle section.
func (c *Config) CredentialSources() kaggle.CredentialSources {
	return kaggle.CredentialSources{
		Username:   c.Kaggle.Username,
		Key:        c.Kaggle.Key,
		File:       c.Kaggle.CredentialsFile,
		SecretFile: c.Kaggle.SecretFile,
	}
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
