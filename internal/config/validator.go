package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "lock.timeout_seconds")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidBackends returns the list of valid inference backends
func ValidBackends() []string {
	return []string{BackendHTTP, BackendGemini}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	errs = append(errs, c.validatePaths()...)
	errs = append(errs, c.validateLock()...)
	errs = append(errs, c.validateWorker()...)
	errs = append(errs, c.validateOrchestrator()...)
	errs = append(errs, c.validateInference()...)
	errs = append(errs, c.validateLogging()...)

	return errs
}

func (c *Config) validatePaths() []ValidationError {
	var errs []ValidationError
	if strings.TrimSpace(c.Queue.Path) == "" {
		errs = append(errs, ValidationError{Field: "queue.path", Value: c.Queue.Path, Message: "is required"})
	}
	if strings.TrimSpace(c.StateDir) == "" {
		errs = append(errs, ValidationError{Field: "state_dir", Value: c.StateDir, Message: "is required"})
	}
	return errs
}

// validateLock also checks the lock timeout against the inference timeout: a
// worker blocked on a call for the full inference timeout must still hold a
// fresh lock.
func (c *Config) validateLock() []ValidationError {
	var errs []ValidationError

	if c.Lock.TimeoutSeconds <= 0 {
		errs = append(errs, ValidationError{
			Field:   "lock.timeout_seconds",
			Value:   c.Lock.TimeoutSeconds,
			Message: "must be positive",
		})
	} else if c.Lock.TimeoutSeconds <= c.Worker.InferenceTimeoutSeconds {
		errs = append(errs, ValidationError{
			Field:   "lock.timeout_seconds",
			Value:   c.Lock.TimeoutSeconds,
			Message: fmt.Sprintf("must exceed worker.inference_timeout_seconds (%d)", c.Worker.InferenceTimeoutSeconds),
		})
	}

	return errs
}

func (c *Config) validateWorker() []ValidationError {
	var errs []ValidationError

	if c.Worker.PollIntervalMs <= 0 {
		errs = append(errs, ValidationError{
			Field:   "worker.poll_interval_ms",
			Value:   c.Worker.PollIntervalMs,
			Message: "must be positive",
		})
	}
	if c.Worker.MaxBackoffMs < c.Worker.PollIntervalMs {
		errs = append(errs, ValidationError{
			Field:   "worker.max_backoff_ms",
			Value:   c.Worker.MaxBackoffMs,
			Message: "must be at least worker.poll_interval_ms",
		})
	}
	if c.Worker.InferenceTimeoutSeconds <= 0 {
		errs = append(errs, ValidationError{
			Field:   "worker.inference_timeout_seconds",
			Value:   c.Worker.InferenceTimeoutSeconds,
			Message: "must be positive",
		})
	}

	return errs
}

func (c *Config) validateOrchestrator() []ValidationError {
	var errs []ValidationError

	if c.Orchestrator.MinWorkers < 0 {
		errs = append(errs, ValidationError{
			Field:   "orchestrator.min_workers",
			Value:   c.Orchestrator.MinWorkers,
			Message: "must be non-negative",
		})
	}
	if c.Orchestrator.MaxWorkers < 1 {
		errs = append(errs, ValidationError{
			Field:   "orchestrator.max_workers",
			Value:   c.Orchestrator.MaxWorkers,
			Message: "must be at least 1",
		})
	} else if c.Orchestrator.MaxWorkers < c.Orchestrator.MinWorkers {
		errs = append(errs, ValidationError{
			Field:   "orchestrator.max_workers",
			Value:   c.Orchestrator.MaxWorkers,
			Message: "must be at least orchestrator.min_workers",
		})
	}
	if c.Orchestrator.ShutdownGraceSeconds < 0 {
		errs = append(errs, ValidationError{
			Field:   "orchestrator.shutdown_grace_seconds",
			Value:   c.Orchestrator.ShutdownGraceSeconds,
			Message: "must be non-negative",
		})
	}

	return errs
}

func (c *Config) validateInference() []ValidationError {
	var errs []ValidationError

	if !slices.Contains(ValidBackends(), c.Inference.Backend) {
		errs = append(errs, ValidationError{
			Field:   "inference.backend",
			Value:   c.Inference.Backend,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidBackends(), ", ")),
		})
	}
	if c.Inference.Backend == BackendGemini && c.Inference.APIKeyEnv == "" {
		errs = append(errs, ValidationError{
			Field:   "inference.api_key_env",
			Value:   c.Inference.APIKeyEnv,
			Message: "is required for the gemini backend",
		})
	}
	for _, m := range c.Inference.AllowedModels {
		if strings.TrimSpace(m) == "" {
			errs = append(errs, ValidationError{
				Field:   "inference.allowed_models",
				Value:   c.Inference.AllowedModels,
				Message: "must not contain empty model names",
			})
			break
		}
	}

	return errs
}

func (c *Config) validateLogging() []ValidationError {
	var errs []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if c.Logging.MaxSizeMB < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be non-negative",
		})
	}
	if c.Logging.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errs
}
