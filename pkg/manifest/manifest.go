// Package manifest loads submission manifests for `kernelcron submit --job`.
//
// A manifest is a YAML or JSON file describing one kernel run: what to push,
// where its output goes, and how often to poll it. Manifests are validated
// against an embedded JSON Schema that rejects unknown properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	kernel:
//	  name: titanic-baseline
//	  script: ./train.py
//	  timeout: 7200
//	  kwargs:
//	    enable_gpu: true
//	    dataset_sources: [alice/titanic-clean]
//	output:
//	  path: ./results
//	  excludes:
//	    - "**/*.ckpt"
//	schedule:
//	  every: 10
//	  unit: minute
package manifest

import (
	"path/filepath"
)

// Manifest represents a validated submission manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	Kernel   KernelConfig   `json:"kernel" yaml:"kernel"`
	Output   OutputConfig   `json:"output" yaml:"output"`
	Schedule ScheduleConfig `json:"schedule" yaml:"schedule,omitempty"`
	Notify   NotifyConfig   `json:"notify" yaml:"notify,omitempty"`
}

// KernelConfig describes the remote run.
type KernelConfig struct {
	// Name is the kernel slug under the authenticated account.
	Name string `json:"name" yaml:"name"`

	// Script is the local Python file staged as main.py.
	// Relative paths resolve against the manifest's directory.
	Script string `json:"script" yaml:"script"`

	// Timeout is the submission timeout in seconds. Zero uses the configured default.
	Timeout int `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Kwargs are extra kernel-metadata.json entries.
	Kwargs map[string]any `json:"kwargs,omitempty" yaml:"kwargs,omitempty"`
}

// OutputConfig selects where and which output files are downloaded.
type OutputConfig struct {
	// Path is the local download folder, created if absent.
	Path string `json:"path" yaml:"path"`

	Includes   []string `json:"includes,omitempty" yaml:"includes,omitempty"`
	Excludes   []string `json:"excludes,omitempty" yaml:"excludes,omitempty"`
	SkipHidden bool     `json:"skip_hidden,omitempty" yaml:"skip_hidden,omitempty"`
}

// ScheduleConfig sets the poll interval.
type ScheduleConfig struct {
	// Every is the interval amount, 1..60.
	Every int `json:"every,omitempty" yaml:"every,omitempty"`

	// Unit is "minute" or "hour".
	Unit string `json:"unit,omitempty" yaml:"unit,omitempty"`
}

// NotifyConfig controls whether Slack settings are forwarded to the poll.
type NotifyConfig struct {
	// Slack forwards SLACK_BOT_TOKEN/SLACK_CHANNEL_ID into the cron command.
	// Default: true.
	Slack *bool `json:"slack,omitempty" yaml:"slack,omitempty"`
}

// Default values for optional fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	// DefaultEvery is the default poll interval amount.
	DefaultEvery = 5

	// DefaultUnit is the default poll interval unit.
	DefaultUnit = "minute"

	// DefaultSlack is the default for Notify.Slack.
	DefaultSlack = true
)

// ApplyDefaults fills in optional fields.
func (m *Manifest) ApplyDefaults() {
	if m.Schedule.Every == 0 {
		m.Schedule.Every = DefaultEvery
	}
	if m.Schedule.Unit == "" {
		m.Schedule.Unit = DefaultUnit
	}
	if m.Notify.Slack == nil {
		v := DefaultSlack
		m.Notify.Slack = &v
	}
	if m.Kernel.Kwargs == nil {
		m.Kernel.Kwargs = map[string]any{}
	}
}

// ResolvePaths makes relative script and output paths absolute against baseDir.
func (m *Manifest) ResolvePaths(baseDir string) {
	m.Kernel.Script = resolve(baseDir, m.Kernel.Script)
	m.Output.Path = resolve(baseDir, m.Output.Path)
}

// SlackEnabled returns the configured value, or DefaultSlack if unset.
func (n *NotifyConfig) SlackEnabled() bool {
	if n.Slack == nil {
		return DefaultSlack
	}
	return *n.Slack
}

func resolve(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) || baseDir == "" {
		return p
	}
	return filepath.Join(baseDir, p)
}
