package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete grind configuration
type Config struct {
	Queue        QueueConfig        `mapstructure:"queue"`
	StateDir     string             `mapstructure:"state_dir"`
	Lock         LockConfig         `mapstructure:"lock"`
	Log          ExecLogConfig      `mapstructure:"log"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Inference    InferenceConfig    `mapstructure:"inference"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// QueueConfig locates the task queue file
type QueueConfig struct {
	// Path is the queue file (YAML or JSON). Relative paths resolve against the
	// working directory.
	Path string `mapstructure:"path"`
}

// LockConfig controls the lock store
type LockConfig struct {
	// Dir holds per-queue lock directories (default: <state_dir>/locks)
	Dir string `mapstructure:"dir"`
	// TimeoutSeconds is the age after which a lock is presumed abandoned.
	// Also read from LOCK_TIMEOUT_SECONDS.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// ExecLogConfig locates the execution log
type ExecLogConfig struct {
	// Path is the JSONL event log (default: <state_dir>/events.jsonl)
	Path string `mapstructure:"path"`
}

// WorkerConfig controls the worker loop
type WorkerConfig struct {
	// PollIntervalMs is the first backoff step when nothing is claimable
	PollIntervalMs int `mapstructure:"poll_interval_ms"`
	// MaxBackoffMs caps the idle backoff
	MaxBackoffMs int `mapstructure:"max_backoff_ms"`
	// InferenceTimeoutSeconds bounds every inference call
	InferenceTimeoutSeconds int `mapstructure:"inference_timeout_seconds"`
}

// OrchestratorConfig controls worker-pool sizing and shutdown
type OrchestratorConfig struct {
	MinWorkers           int `mapstructure:"min_workers"`
	MaxWorkers           int `mapstructure:"max_workers"`
	ShutdownGraceSeconds int `mapstructure:"shutdown_grace_seconds"`
}

// InferenceConfig selects the inference backend
type InferenceConfig struct {
	// Backend is "http" (POST to the queue endpoint) or "gemini"
	Backend string `mapstructure:"backend"`
	// APIKeyEnv names the environment variable holding the provider key
	APIKeyEnv string `mapstructure:"api_key_env"`
	// AllowedModels narrows the built-in allow-list. Empty keeps all of it.
	AllowedModels []string `mapstructure:"allowed_models"`
}

// LoggingConfig controls the diagnostic log files
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Queue:    QueueConfig{Path: "queue.yaml"},
		StateDir: ".grind",
		Lock: LockConfig{
			Dir:            "", // Empty means <state_dir>/locks
			TimeoutSeconds: 600,
		},
		Log: ExecLogConfig{
			Path: "", // Empty means <state_dir>/events.jsonl
		},
		Worker: WorkerConfig{
			PollIntervalMs:          500,
			MaxBackoffMs:            10000,
			InferenceTimeoutSeconds: 300,
		},
		Orchestrator: OrchestratorConfig{
			MinWorkers:           1,
			MaxWorkers:           8,
			ShutdownGraceSeconds: 30,
		},
		Inference: InferenceConfig{
			Backend:       BackendHTTP,
			APIKeyEnv:     "GEMINI_API_KEY",
			AllowedModels: []string{},
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Inference backends
const (
	BackendHTTP   = "http"
	BackendGemini = "gemini"
)

// SetDefaults registers default values and environment bindings with v
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("queue.path", defaults.Queue.Path)
	v.SetDefault("state_dir", defaults.StateDir)

	v.SetDefault("lock.dir", defaults.Lock.Dir)
	v.SetDefault("lock.timeout_seconds", defaults.Lock.TimeoutSeconds)
	_ = v.BindEnv("lock.timeout_seconds", "GRIND_LOCK_TIMEOUT_SECONDS", "LOCK_TIMEOUT_SECONDS")

	v.SetDefault("log.path", defaults.Log.Path)

	v.SetDefault("worker.poll_interval_ms", defaults.Worker.PollIntervalMs)
	v.SetDefault("worker.max_backoff_ms", defaults.Worker.MaxBackoffMs)
	v.SetDefault("worker.inference_timeout_seconds", defaults.Worker.InferenceTimeoutSeconds)

	v.SetDefault("orchestrator.min_workers", defaults.Orchestrator.MinWorkers)
	v.SetDefault("orchestrator.max_workers", defaults.Orchestrator.MaxWorkers)
	v.SetDefault("orchestrator.shutdown_grace_seconds", defaults.Orchestrator.ShutdownGraceSeconds)

	v.SetDefault("inference.backend", defaults.Inference.Backend)
	v.SetDefault("inference.api_key_env", defaults.Inference.APIKeyEnv)
	v.SetDefault("inference.allowed_models", defaults.Inference.AllowedModels)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	v.SetDefault("logging.compress", defaults.Logging.Compress)
}

// Setup points v at the config file and environment. An explicit cfgFile must
// exist; otherwise grind.yaml is searched in the working directory and the
// user config directory, and a missing file is not an error.
func Setup(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("grind")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(ConfigDir())
	}

	v.SetEnvPrefix("GRIND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return nil
}

// Load reads the configuration from v into a Config struct and validates it
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "grind")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".grind"
	}
	return filepath.Join(home, ".config", "grind")
}

// expandPath expands a leading ~ and leaves everything else untouched.
func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// ResolveStateDir returns the expanded state directory.
func (c *Config) ResolveStateDir() string {
	return expandPath(c.StateDir)
}

// ResolveLockDir returns lock.dir, or <state_dir>/locks when unset.
func (c *Config) ResolveLockDir() string {
	if c.Lock.Dir == "" {
		return filepath.Join(c.ResolveStateDir(), "locks")
	}
	return expandPath(c.Lock.Dir)
}

// ResolveLogPath returns log.path, or <state_dir>/events.jsonl when unset.
func (c *Config) ResolveLogPath() string {
	if c.Log.Path == "" {
		return filepath.Join(c.ResolveStateDir(), "events.jsonl")
	}
	return expandPath(c.Log.Path)
}

// LogDir is where per-process diagnostic logs are written.
func (c *Config) LogDir() string {
	return filepath.Join(c.ResolveStateDir(), "logs")
}

// LockTimeout returns the lock staleness threshold as a time.Duration
func (c *LockConfig) LockTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PollInterval returns the first idle backoff step
func (c *WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// MaxBackoff returns the idle backoff cap
func (c *WorkerConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffMs) * time.Millisecond
}

// InferenceTimeout returns the per-call inference bound
func (c *WorkerConfig) InferenceTimeout() time.Duration {
	return time.Duration(c.InferenceTimeoutSeconds) * time.Second
}

// ShutdownGrace returns how long workers get to stop cooperatively
func (c *OrchestratorConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}
