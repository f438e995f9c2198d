// Package config holds the canon node's startup configuration: YAML with
// environment-variable substitution, loaded via Loader, matching the
// teacher's config-file-plus-functional-defaults idiom.
package config

import "time"

// Config is the top-level configuration for one canon node process.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	PoliciesDir string            `yaml:"policies_dir"`
	Nodes       []NodeConfig      `yaml:"nodes"`
	ActionRun   ActionRunConfig   `yaml:"action_run"`
	Determinism DeterminismConfig `yaml:"determinism"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	KillSwitch  KillSwitchConfig  `yaml:"kill_switch"`
	Events      EventsConfig      `yaml:"events"`
}

// ServerConfig controls the ingest/admin HTTP surface.
type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	CORS     bool   `yaml:"cors"`
	// FailMode is loaded and defaulted to "closed" but is not read by the
	// server or the pipeline: an internal pipeline error always fails the
	// ingest call, and there is no "open" behavior.
	FailMode string `yaml:"fail_mode"`
}

// EventsConfig controls the optional real-time fan-out surface
// (internal/eventstream), a non-core collaborator; disabling it (the
// default) leaves the pipeline and its tests unaffected.
type EventsConfig struct {
	Enabled         bool `yaml:"enabled"`
	AllowAllOrigins bool `yaml:"allow_all_origins"`
}

// StorageConfig selects and locates the canon store backend.
type StorageConfig struct {
	Driver string `yaml:"driver"` // "sqlite" is the only driver shipped
	Path   string `yaml:"path"`
}

// NodeConfig seeds a Node at startup, so a fresh store has the principals
// a deployment's policies and delegations reference from the first
// observation onward.
type NodeConfig struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"` // subject, agent, object
	Name string `yaml:"name"`
}

// ActionRunConfig controls the action-run lifecycle's defaults.
type ActionRunConfig struct {
	AutoApproveLowRisk bool          `yaml:"auto_approve_low_risk"`
	ExecutionTimeout   time.Duration `yaml:"execution_timeout"`
}

// DeterminismConfig controls the determinism checker's defaults.
type DeterminismConfig struct {
	BehavioralRuns int           `yaml:"behavioral_runs"`
	PolicyTimeout  time.Duration `yaml:"policy_timeout"`
}

// AlertsConfig configures the out-of-band channels used to surface
// pending high-risk ActionRuns and detected non-determinism.
type AlertsConfig struct {
	Slack   SlackAlertConfig   `yaml:"slack"`
	Webhook WebhookAlertConfig `yaml:"webhook"`
}

type SlackAlertConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type WebhookAlertConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// KillSwitchConfig controls the node-scoped kill switch.
type KillSwitchConfig struct {
	Enabled bool `yaml:"enabled"`
	// FileWatchPath is loaded but not passed to the kill switch: the
	// running node always polls ~/.canon/KILL (killswitch.New's path) for
	// the sentinel file that trips the global kill switch, whatever this
	// field says.
	FileWatchPath string `yaml:"file_watch_path"`
}

// DefaultConfig returns a config with sensible defaults for zero-config
// startup against a local SQLite store.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     6777,
			LogLevel: "info",
			CORS:     false,
			FailMode: "closed",
		},
		PoliciesDir: "./policies",
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "./canon.db",
		},
		ActionRun: ActionRunConfig{
			AutoApproveLowRisk: true,
			ExecutionTimeout:   30 * time.Second,
		},
		Determinism: DeterminismConfig{
			BehavioralRuns: 3,
			PolicyTimeout:  5 * time.Second,
		},
		KillSwitch: KillSwitchConfig{
			Enabled: true,
		},
	}
}
