// Package config loads goalflow's runtime configuration.
package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/rogers-f/goalflow/internal/agentproc"
	"github.com/rogers-f/goalflow/internal/domain"
)

// EnvPrefix prefixes environment overrides, e.g. GOALFLOW_LISTEN_ADDR or
// GOALFLOW_WORKER_TIMEOUT_RETRIES.
const EnvPrefix = "GOALFLOW"

// ProfileConfig defines how to launch one class of worker process.
type ProfileConfig struct {
	Command         string            `mapstructure:"command"`
	Args            []string          `mapstructure:"args"`
	Env             map[string]string `mapstructure:"env"`
	Model           string            `mapstructure:"model"`
	TimeoutSec      int               `mapstructure:"timeout_sec"`
	AllowedTools    []string          `mapstructure:"allowed_tools"`
	DisallowedTools []string          `mapstructure:"disallowed_tools"`
	MediaTools      map[string]string `mapstructure:"media_tools"`
}

// LogConfig selects the log level and formatter.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// WorkerConfig is the engine-wide worker invocation policy.
type WorkerConfig struct {
	TimeoutRetries    int    `mapstructure:"timeout_retries"`
	DefaultTimeoutSec int    `mapstructure:"default_timeout_sec"`
	Interactive       bool   `mapstructure:"interactive"`
	WorkDir           string `mapstructure:"work_dir"`
	MediaDir          string `mapstructure:"media_dir"`
}

// WorkflowConfig tunes the execution engine.
type WorkflowConfig struct {
	ParseRetries   int     `mapstructure:"parse_retries"`
	MaxAttachments int     `mapstructure:"max_attachments"`
	MaxCostUSD     float64 `mapstructure:"max_cost_usd"`
}

// RecoveryConfig controls active-request records.
type RecoveryConfig struct {
	Dir              string `mapstructure:"dir"`
	MaxAgeSec        int    `mapstructure:"max_age_sec"`
	SweepIntervalSec int    `mapstructure:"sweep_interval_sec"`
}

// GuardConfig holds submission limits and the tool policy.
type GuardConfig struct {
	SubmissionsPerMinute int      `mapstructure:"submissions_per_minute"`
	Burst                int      `mapstructure:"burst"`
	MaxActivePerUser     int      `mapstructure:"max_active_per_user"`
	AllowedTools         []string `mapstructure:"allowed_tools"`
	DeniedTools          []string `mapstructure:"denied_tools"`
	AllowedPaths         []string `mapstructure:"allowed_paths"`
}

// BlobConfig configures the blob store and artifact fetcher.
type BlobConfig struct {
	Dir             string `mapstructure:"dir"`
	BaseURL         string `mapstructure:"base_url"`
	MaxBytes        int64  `mapstructure:"max_bytes"`
	FetchTimeoutSec int    `mapstructure:"fetch_timeout_sec"`
	AllowLocal      bool   `mapstructure:"allow_local"`
}

// Config holds the engine's runtime configuration.
type Config struct {
	DataDir    string                   `mapstructure:"data_dir"`
	DBPath     string                   `mapstructure:"db_path"`
	ListenAddr string                   `mapstructure:"listen_addr"`
	Log        LogConfig                `mapstructure:"log"`
	Profiles   map[string]ProfileConfig `mapstructure:"profiles"`
	Worker     WorkerConfig             `mapstructure:"worker"`
	Workflow   WorkflowConfig           `mapstructure:"workflow"`
	Recovery   RecoveryConfig           `mapstructure:"recovery"`
	Guard      GuardConfig              `mapstructure:"guard"`
	Blobs      BlobConfig               `mapstructure:"blobs"`
}

// envKeys are the scalar keys that may be set purely from the environment.
var envKeys = []string{
	"data_dir", "db_path", "listen_addr",
	"log.level", "log.format",
	"worker.timeout_retries", "worker.default_timeout_sec", "worker.interactive", "worker.work_dir", "worker.media_dir",
	"workflow.parse_retries", "workflow.max_attachments", "workflow.max_cost_usd",
	"recovery.dir", "recovery.max_age_sec", "recovery.sweep_interval_sec",
	"guard.submissions_per_minute", "guard.burst", "guard.max_active_per_user",
	"blobs.dir", "blobs.base_url", "blobs.max_bytes", "blobs.fetch_timeout_sec", "blobs.allow_local",
}

// Load reads the config file at path (JSON, YAML or TOML by extension),
// applies GOALFLOW_* environment overrides, fills defaults and validates.
// An empty path loads from the environment alone.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	v.SetDefault("worker.timeout_retries", 1)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "goalflow.db")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":9800"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if len(c.Profiles) == 0 {
		c.Profiles = map[string]ProfileConfig{
			agentproc.ProfilePlanner: {Command: "claude"},
			agentproc.ProfileWorker:  {Command: "claude"},
		}
	}
	if c.Worker.DefaultTimeoutSec == 0 {
		c.Worker.DefaultTimeoutSec = 300
	}
	if c.Worker.MediaDir == "" {
		c.Worker.MediaDir = filepath.Join(c.DataDir, "media")
	}
	if c.Workflow.MaxAttachments == 0 {
		c.Workflow.MaxAttachments = 4
	}
	if c.Recovery.Dir == "" {
		c.Recovery.Dir = filepath.Join(c.DataDir, "active")
	}
	if c.Recovery.MaxAgeSec == 0 {
		c.Recovery.MaxAgeSec = 1800
	}
	if c.Recovery.SweepIntervalSec == 0 {
		c.Recovery.SweepIntervalSec = 60
	}
	if c.Guard.SubmissionsPerMinute == 0 {
		c.Guard.SubmissionsPerMinute = 30
	}
	if c.Guard.MaxActivePerUser == 0 {
		c.Guard.MaxActivePerUser = 5
	}
	if c.Blobs.Dir == "" {
		c.Blobs.Dir = filepath.Join(c.DataDir, "blobs")
	}
	if c.Blobs.FetchTimeoutSec == 0 {
		c.Blobs.FetchTimeoutSec = 60
	}
}

func (c *Config) validate() error {
	var problems []string

	for _, name := range []string{agentproc.ProfilePlanner, agentproc.ProfileWorker} {
		if _, ok := c.Profiles[name]; !ok {
			problems = append(problems, fmt.Sprintf("profile %q is required", name))
		}
	}
	for _, name := range sortedKeys(c.Profiles) {
		p := c.Profiles[name]
		if p.Command == "" {
			problems = append(problems, fmt.Sprintf("profile %q needs a command", name))
		}
		if p.TimeoutSec < 0 {
			problems = append(problems, fmt.Sprintf("profile %q timeout_sec must not be negative", name))
		}
	}
	if c.Worker.TimeoutRetries < 0 {
		problems = append(problems, "worker.timeout_retries must not be negative")
	}
	if c.Workflow.MaxCostUSD < 0 {
		problems = append(problems, "workflow.max_cost_usd must not be negative")
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, fmt.Sprintf("log.level %q is not a valid level", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		problems = append(problems, fmt.Sprintf("log.format must be text or json, got %q", c.Log.Format))
	}

	if len(problems) > 0 {
		return domain.NewEngineError(domain.ErrConfigInvalid.Code,
			fmt.Sprintf("%s: %s", domain.ErrConfigInvalid.Message, strings.Join(problems, "; ")))
	}
	return nil
}

// WorkerProfiles converts the configured profiles for the process client.
func (c *Config) WorkerProfiles() []agentproc.Profile {
	out := make([]agentproc.Profile, 0, len(c.Profiles))
	for _, name := range sortedKeys(c.Profiles) {
		p := c.Profiles[name]
		out = append(out, agentproc.Profile{
			Name:            name,
			Command:         p.Command,
			Args:            p.Args,
			Env:             p.Env,
			Model:           p.Model,
			Timeout:         time.Duration(p.TimeoutSec) * time.Second,
			AllowedTools:    p.AllowedTools,
			DisallowedTools: p.DisallowedTools,
			MediaTools:      p.MediaTools,
		})
	}
	return out
}

// Duration converts a seconds setting.
func Duration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}

// Registry builds a profile registry from the configured profiles.
func (c *Config) Registry() (*agentproc.ProfileRegistry, error) {
	reg := agentproc.NewProfileRegistry()
	for _, p := range c.WorkerProfiles() {
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func sortedKeys(m map[string]ProfileConfig) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
