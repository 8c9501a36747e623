package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/Iron-Ham/grind/internal/config"
	"github.com/Iron-Ham/grind/internal/execlog"
	"github.com/Iron-Ham/grind/internal/inference"
	"github.com/Iron-Ham/grind/internal/lockstore"
	"github.com/Iron-Ham/grind/internal/logging"
	"github.com/Iron-Ham/grind/internal/orchestrator"
	"github.com/Iron-Ham/grind/internal/queue"
	"github.com/Iron-Ham/grind/internal/worker"
	"github.com/spf13/viper"
)

// loadConfig reads configuration fresh for each command invocation.
func loadConfig() (*config.Config, error) {
	v := viper.New()
	if err := config.Setup(v, cfgFile); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if queueFile != "" {
		v.Set("queue.path", queueFile)
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// env is everything a command needs to act on one queue.
type env struct {
	cfg    *config.Config
	models []string
	queue  *queue.Queue
	locks  *lockstore.Store
	log    *execlog.Log
	logger *logging.Logger
}

// openEnv loads config, validates the queue and opens the shared stores.
// logName selects the diagnostic log file; empty logs to stderr.
func openEnv(logName string) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	models, err := inference.AllowList(cfg.Inference.AllowedModels)
	if err != nil {
		return nil, err
	}

	q, err := orchestrator.Validate(cfg.Queue.Path, false, queue.WithModels(models))
	if err != nil {
		return nil, err
	}

	logDir := ""
	if logName != "" {
		logDir = cfg.LogDir()
	}
	logger, err := logging.NewLoggerWithRotation(logDir, logName, cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	logger = logger.WithQueue(q.Name)

	locks, err := lockstore.New(cfg.ResolveLockDir(), q.Name, cfg.Lock.LockTimeout(), lockstore.WithLogger(logger))
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	log, err := execlog.Open(cfg.ResolveLogPath(), execlog.WithLogger(logger))
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	return &env{cfg: cfg, models: models, queue: q, locks: locks, log: log, logger: logger}, nil
}

func (e *env) Close() error {
	return e.logger.Close()
}

// inferenceClient builds the configured backend for the queue's endpoint.
func (e *env) inferenceClient(ctx context.Context) (inference.Client, error) {
	return inference.New(ctx, inference.Config{
		Backend:  e.cfg.Inference.Backend,
		Endpoint: e.queue.Endpoint,
		APIKey:   os.Getenv(e.cfg.Inference.APIKeyEnv),
		Allowed:  e.models,
	})
}

func (e *env) workerConfig(id string, exitWhenDrained bool) worker.Config {
	return worker.Config{
		ID:               id,
		QueuePath:        e.cfg.Queue.Path,
		Models:           e.models,
		PollInterval:     e.cfg.Worker.PollInterval(),
		MaxBackoff:       e.cfg.Worker.MaxBackoff(),
		InferenceTimeout: e.cfg.Worker.InferenceTimeout(),
		ExitWhenDrained:  exitWhenDrained,
		Watch:            true,
	}
}
