// Package config loads the daemon configuration from the well-known YAML
// file and the environment.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Config is the root daemon configuration.
type Config struct {
	// ServerURL is the central server endpoint the local agent connects to.
	ServerURL string `yaml:"server_url"`

	// InstallDir is the root of the local state tree (~/.bot by default).
	InstallDir string `yaml:"install_dir"`

	Log       LogConfig       `yaml:"log"`
	LLM       LLMConfig       `yaml:"llm"`
	Dot       DotConfig       `yaml:"dot"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Auth      AuthConfig      `yaml:"auth"`
}

// LogConfig mirrors observability.LogConfig in YAML form.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LLMConfig holds provider credentials and tuning. Keys come from the
// environment; the YAML file may override base URLs for self-hosted
// gateways.
type LLMConfig struct {
	APIKeys  map[string]string `yaml:"-"`
	BaseURLs map[string]string `yaml:"base_urls"`
	Offline  bool              `yaml:"offline"`
}

// DotConfig tunes the orchestrator.
type DotConfig struct {
	// ForceDispatchThreshold is the tailor complexity at or above which Dot
	// must hand off to the pipeline instead of answering inline.
	ForceDispatchThreshold float64 `yaml:"force_dispatch_threshold"`

	// MaxIterations bounds Dot's own tool loop.
	MaxIterations int `yaml:"max_iterations"`
}

// PipelineConfig tunes the agent pipeline.
type PipelineConfig struct {
	MaxStepIterations  int           `yaml:"max_step_iterations"`
	WorkspaceRetention time.Duration `yaml:"workspace_retention"`
}

// SchedulerConfig tunes the scheduler family.
type SchedulerConfig struct {
	CheckInterval    time.Duration `yaml:"check_interval"`
	GracePeriod      time.Duration `yaml:"grace_period"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
	ResponseTimeout  time.Duration `yaml:"response_timeout"`
	MaxFailures      int           `yaml:"max_failures"`
	DeferredPoll     time.Duration `yaml:"deferred_poll"`
	DeferredMaxConc  int           `yaml:"deferred_max_concurrent"`
	UpdateCheckEvery time.Duration `yaml:"update_check_every"`
}

// AuthConfig tunes device authentication.
type AuthConfig struct {
	SessionTTL     time.Duration `yaml:"session_ttl"`
	InviteTokenTTL time.Duration `yaml:"invite_token_ttl"`
	JWTSecret      string        `yaml:"jwt_secret"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{
		ServerURL:  "wss://dot.druidia.net/ws",
		InstallDir: defaultInstallDir(),
		Log:        LogConfig{Level: "info", Format: "json"},
		LLM: LLMConfig{
			APIKeys:  map[string]string{},
			BaseURLs: map[string]string{},
		},
		Dot: DotConfig{
			ForceDispatchThreshold: 7,
			MaxIterations:          12,
		},
		Pipeline: PipelineConfig{
			MaxStepIterations:  30,
			WorkspaceRetention: 24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			CheckInterval:    60 * time.Second,
			GracePeriod:      2 * time.Hour,
			MaxConcurrent:    2,
			ResponseTimeout:  5 * time.Minute,
			MaxFailures:      3,
			DeferredPoll:     30 * time.Second,
			DeferredMaxConc:  2,
			UpdateCheckEvery: 24 * time.Hour,
		},
		Auth: AuthConfig{
			SessionTTL:     30 * 24 * time.Hour,
			InviteTokenTTL: 7 * 24 * time.Hour,
		},
	}
	return cfg
}

// Normalize fills zero values with defaults. Called after every load so a
// sparse YAML file still yields a complete config.
func (c *Config) Normalize() {
	d := Default()
	if c.ServerURL == "" {
		c.ServerURL = d.ServerURL
	}
	if c.InstallDir == "" {
		c.InstallDir = d.InstallDir
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.LLM.APIKeys == nil {
		c.LLM.APIKeys = map[string]string{}
	}
	if c.LLM.BaseURLs == nil {
		c.LLM.BaseURLs = map[string]string{}
	}
	if c.Dot.ForceDispatchThreshold <= 0 {
		c.Dot.ForceDispatchThreshold = d.Dot.ForceDispatchThreshold
	}
	if c.Dot.MaxIterations <= 0 {
		c.Dot.MaxIterations = d.Dot.MaxIterations
	}
	if c.Pipeline.MaxStepIterations <= 0 {
		c.Pipeline.MaxStepIterations = d.Pipeline.MaxStepIterations
	}
	if c.Pipeline.WorkspaceRetention <= 0 {
		c.Pipeline.WorkspaceRetention = d.Pipeline.WorkspaceRetention
	}
	if c.Scheduler.CheckInterval <= 0 {
		c.Scheduler.CheckInterval = d.Scheduler.CheckInterval
	}
	if c.Scheduler.GracePeriod <= 0 {
		c.Scheduler.GracePeriod = d.Scheduler.GracePeriod
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		c.Scheduler.MaxConcurrent = d.Scheduler.MaxConcurrent
	}
	if c.Scheduler.ResponseTimeout <= 0 {
		c.Scheduler.ResponseTimeout = d.Scheduler.ResponseTimeout
	}
	if c.Scheduler.MaxFailures <= 0 {
		c.Scheduler.MaxFailures = d.Scheduler.MaxFailures
	}
	if c.Scheduler.DeferredPoll <= 0 {
		c.Scheduler.DeferredPoll = d.Scheduler.DeferredPoll
	}
	if c.Scheduler.DeferredMaxConc <= 0 {
		c.Scheduler.DeferredMaxConc = d.Scheduler.DeferredMaxConc
	}
	if c.Scheduler.UpdateCheckEvery <= 0 {
		c.Scheduler.UpdateCheckEvery = d.Scheduler.UpdateCheckEvery
	}
	if c.Auth.SessionTTL <= 0 {
		c.Auth.SessionTTL = d.Auth.SessionTTL
	}
	if c.Auth.InviteTokenTTL <= 0 {
		c.Auth.InviteTokenTTL = d.Auth.InviteTokenTTL
	}
}

func defaultInstallDir() string {
	home := os.Getenv("HOME")
	if runtime.GOOS == "windows" {
		if p := os.Getenv("USERPROFILE"); p != "" {
			home = p
		}
	}
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".bot")
}
