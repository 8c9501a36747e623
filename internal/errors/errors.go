// Package errors provides the error taxonomy for grind workers and the
// orchestrator. It defines sentinel errors, typed errors carrying task and
// worker context, and classification helpers that decide whether an error is
// a normal operational outcome or a threat to the claim invariant.
//
// # Error Types
//
// Queue validation errors block every spawn:
//   - SchemaError: the queue file is malformed
//   - CycleError: the dependency graph has a cycle
//
// Coordination errors come from the lock store and execution log:
//   - ClaimConflictError: the lock is held by a live owner (recoverable)
//   - StaleLockError: the owner is presumed dead (triggers reclamation)
//   - NotOwnerError: a release by a non-holder (fatal to the worker)
//   - CorruptRecordError: an unreadable lock or log record (fatal to the worker)
//
// Execution errors:
//   - InferenceError: timeout, transport or provider failure (recorded, loop continues)
//   - WorkerCrashError: a worker exited unexpectedly (reported, never restarted)
//
// # Usage
//
//	if errors.Is(err, errors.ErrClaimConflict) { rescan() }
//
//	var notOwner *errors.NotOwnerError
//	if errors.As(err, &notOwner) { ... }
//
//	if errors.IsFatal(err) { return err }
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for expected operational outcomes.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that break the coordination invariant.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Queue validation sentinels
var (
	// ErrSchema indicates a malformed queue document.
	ErrSchema = New("queue schema violation")
	// ErrCycle indicates a cycle in the task dependency graph.
	ErrCycle = New("dependency cycle detected")
)

// Coordination sentinels
var (
	// ErrClaimConflict indicates the lock is held by a live owner.
	ErrClaimConflict = New("claim conflict")
	// ErrStaleLock indicates a lock whose owner is presumed dead.
	ErrStaleLock = New("stale lock")
	// ErrNotOwner indicates a release attempted by a worker that does not hold the lock.
	ErrNotOwner = New("not lock owner")
	// ErrCorruptRecord indicates an unreadable lock or log record.
	ErrCorruptRecord = New("corrupt record")
	// ErrLockNotFound indicates there is no lock for the task.
	ErrLockNotFound = New("lock not found")
)

// Execution sentinels
var (
	// ErrInferenceFailure indicates the inference call did not produce a result.
	ErrInferenceFailure = New("inference failure")
	// ErrWorkerCrash indicates a worker exited unexpectedly.
	ErrWorkerCrash = New("worker crashed")
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// GrindError is the base interface for all typed errors in this package.
type GrindError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsFatal returns true if the error must terminate the worker that observed it.
	IsFatal() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message  string
	cause    error
	severity Severity
	fatal    bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsFatal returns whether the error terminates the observing worker.
func (e *baseError) IsFatal() bool {
	return e.fatal
}

// format renders "<kind> [k=v, ...]: message: cause".
func (e *baseError) format(kind string, parts []string) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if e.message == "" {
		if e.cause != nil {
			return fmt.Sprintf("%s: %v", prefix, e.cause)
		}
		return prefix
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Queue Validation Errors
// -----------------------------------------------------------------------------

// SchemaError represents a malformed queue document. Violations carries every
// problem found so operators can fix the file in one pass.
//
// Example:
//
//	err := errors.NewSchemaError("min_cost exceeds max_cost").WithTask("build").WithField("min_cost")
//	fmt.Println(err) // "schema error [task=build, field=min_cost]: min_cost exceeds max_cost"
type SchemaError struct {
	baseError
	TaskID     string
	Field      string
	Violations []string
}

// NewSchemaError creates a new SchemaError.
func NewSchemaError(message string) *SchemaError {
	return &SchemaError{
		baseError: baseError{
			message:  message,
			severity: SeverityError,
			fatal:    true,
		},
	}
}

// WithTask adds the offending task ID.
func (e *SchemaError) WithTask(id string) *SchemaError {
	e.TaskID = id
	return e
}

// WithField adds the offending field name.
func (e *SchemaError) WithField(field string) *SchemaError {
	e.Field = field
	return e
}

// WithViolations attaches the full list of violations.
func (e *SchemaError) WithViolations(v []string) *SchemaError {
	e.Violations = v
	return e
}

// WithCause adds a cause to the error.
func (e *SchemaError) WithCause(cause error) *SchemaError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *SchemaError) Error() string {
	var parts []string
	if e.TaskID != "" {
		parts = append(parts, "task="+e.TaskID)
	}
	if e.Field != "" {
		parts = append(parts, "field="+e.Field)
	}
	msg := e.format("schema error", parts)
	if len(e.Violations) > 1 {
		msg += "\n  - " + strings.Join(e.Violations, "\n  - ")
	}
	return msg
}

// Is checks if this error matches the target.
func (e *SchemaError) Is(target error) bool {
	if _, ok := target.(*SchemaError); ok {
		return true
	}
	if target == ErrSchema {
		return true
	}
	return e.baseError.Is(target)
}

// CycleError reports a cycle in the dependency graph. Path is one witness
// cycle, first and last element equal.
type CycleError struct {
	baseError
	Path []string
}

// NewCycleError creates a CycleError for the given witness path.
func NewCycleError(path []string) *CycleError {
	return &CycleError{
		baseError: baseError{
			severity: SeverityError,
			fatal:    true,
		},
		Path: path,
	}
}

// Error returns the formatted error message.
func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return "cycle error: dependency cycle detected"
	}
	return "cycle error: " + strings.Join(e.Path, " -> ")
}

// Is checks if this error matches the target.
func (e *CycleError) Is(target error) bool {
	if _, ok := target.(*CycleError); ok {
		return true
	}
	return target == ErrCycle
}

// -----------------------------------------------------------------------------
// Coordination Errors
// -----------------------------------------------------------------------------

// ClaimConflictError reports a claim refused because a live owner holds the
// task lock or the queue-wide exclusive lock.
type ClaimConflictError struct {
	baseError
	TaskID    string
	Holder    string
	Exclusive bool
}

// NewClaimConflictError creates a ClaimConflictError.
func NewClaimConflictError(taskID, holder string) *ClaimConflictError {
	return &ClaimConflictError{
		baseError: baseError{
			severity: SeverityInfo,
		},
		TaskID: taskID,
		Holder: holder,
	}
}

// WithExclusive marks the conflict as caused by the exclusive lock.
func (e *ClaimConflictError) WithExclusive() *ClaimConflictError {
	e.Exclusive = true
	return e
}

// Error returns the formatted error message.
func (e *ClaimConflictError) Error() string {
	parts := []string{"task=" + e.TaskID, "holder=" + e.Holder}
	if e.Exclusive {
		parts = append(parts, "exclusive")
	}
	return e.format("claim conflict", parts)
}

// Is checks if this error matches the target.
func (e *ClaimConflictError) Is(target error) bool {
	if _, ok := target.(*ClaimConflictError); ok {
		return true
	}
	return target == ErrClaimConflict
}

// StaleLockError describes a lock whose age exceeded the timeout. The lock
// store handles these itself; the error exists so reclamations can be logged
// with full context.
type StaleLockError struct {
	baseError
	TaskID string
	Holder string
	Age    time.Duration
}

// NewStaleLockError creates a StaleLockError.
func NewStaleLockError(taskID, holder string, age time.Duration) *StaleLockError {
	return &StaleLockError{
		baseError: baseError{
			severity: SeverityWarning,
		},
		TaskID: taskID,
		Holder: holder,
		Age:    age,
	}
}

// Error returns the formatted error message.
func (e *StaleLockError) Error() string {
	return e.format("stale lock", []string{
		"task=" + e.TaskID,
		"holder=" + e.Holder,
		"age=" + e.Age.Round(time.Millisecond).String(),
	})
}

// Is checks if this error matches the target.
func (e *StaleLockError) Is(target error) bool {
	if _, ok := target.(*StaleLockError); ok {
		return true
	}
	return target == ErrStaleLock
}

// NotOwnerError reports a release attempted by a worker that does not hold
// the lock. This signals a coordination bug and is always fatal.
type NotOwnerError struct {
	baseError
	TaskID string
	Holder string // empty when the lock no longer exists
	Caller string
}

// NewNotOwnerError creates a NotOwnerError.
func NewNotOwnerError(taskID, holder, caller string) *NotOwnerError {
	return &NotOwnerError{
		baseError: baseError{
			severity: SeverityCritical,
			fatal:    true,
		},
		TaskID: taskID,
		Holder: holder,
		Caller: caller,
	}
}

// Error returns the formatted error message.
func (e *NotOwnerError) Error() string {
	holder := e.Holder
	if holder == "" {
		holder = "<none>"
	}
	return e.format("not owner", []string{
		"task=" + e.TaskID,
		"holder=" + holder,
		"caller=" + e.Caller,
	})
}

// Is checks if this error matches the target.
func (e *NotOwnerError) Is(target error) bool {
	if _, ok := target.(*NotOwnerError); ok {
		return true
	}
	return target == ErrNotOwner
}

// CorruptRecordError reports a lock or log record that cannot be decoded.
type CorruptRecordError struct {
	baseError
	Path string
	Line int // 0 for whole-file records such as locks
}

// NewCorruptRecordError creates a CorruptRecordError.
func NewCorruptRecordError(path string, line int, cause error) *CorruptRecordError {
	return &CorruptRecordError{
		baseError: baseError{
			cause:    cause,
			severity: SeverityCritical,
			fatal:    true,
		},
		Path: path,
		Line: line,
	}
}

// Error returns the formatted error message.
func (e *CorruptRecordError) Error() string {
	parts := []string{"path=" + e.Path}
	if e.Line > 0 {
		parts = append(parts, fmt.Sprintf("line=%d", e.Line))
	}
	return e.format("corrupt record", parts)
}

// Is checks if this error matches the target.
func (e *CorruptRecordError) Is(target error) bool {
	if _, ok := target.(*CorruptRecordError); ok {
		return true
	}
	if target == ErrCorruptRecord {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Execution Errors
// -----------------------------------------------------------------------------

// InferenceKind classifies an inference failure.
type InferenceKind string

const (
	InferenceTimeout         InferenceKind = "timeout"
	InferenceTransport       InferenceKind = "transport"
	InferenceProvider        InferenceKind = "provider"
	InferenceModelNotAllowed InferenceKind = "model_not_allowed"
	InferenceAborted         InferenceKind = "aborted"
)

// InferenceError is a failed inference call. It becomes a failed execution
// event; the worker keeps running.
type InferenceError struct {
	baseError
	Kind  InferenceKind
	Model string
}

// NewInferenceError creates an InferenceError.
func NewInferenceError(kind InferenceKind, model, message string, cause error) *InferenceError {
	return &InferenceError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityWarning,
		},
		Kind:  kind,
		Model: model,
	}
}

// Error returns the formatted error message.
func (e *InferenceError) Error() string {
	parts := []string{"kind=" + string(e.Kind)}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	return e.format("inference failure", parts)
}

// Is checks if this error matches the target.
func (e *InferenceError) Is(target error) bool {
	if _, ok := target.(*InferenceError); ok {
		return true
	}
	if target == ErrInferenceFailure {
		return true
	}
	if target == ErrTimeout && e.Kind == InferenceTimeout {
		return true
	}
	return e.baseError.Is(target)
}

// WorkerCrashError reports a worker that exited without being asked to.
type WorkerCrashError struct {
	baseError
	WorkerID string
	ExitCode int
}

// NewWorkerCrashError creates a WorkerCrashError.
func NewWorkerCrashError(workerID string, exitCode int, cause error) *WorkerCrashError {
	return &WorkerCrashError{
		baseError: baseError{
			cause:    cause,
			severity: SeverityError,
			fatal:    true,
		},
		WorkerID: workerID,
		ExitCode: exitCode,
	}
}

// Error returns the formatted error message.
func (e *WorkerCrashError) Error() string {
	return e.format("worker crash", []string{
		"worker=" + e.WorkerID,
		fmt.Sprintf("exit=%d", e.ExitCode),
	})
}

// Is checks if this error matches the target.
func (e *WorkerCrashError) Is(target error) bool {
	if _, ok := target.(*WorkerCrashError); ok {
		return true
	}
	if target == ErrWorkerCrash {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsFatal returns true if the error threatens the claim invariant or blocks
// the run: schema and cycle errors, NotOwner, corrupt records, worker crashes.
// Errors outside the taxonomy are treated as fatal so nothing is masked. A
// joined error is fatal if any of its parts is.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if IsFatal(e) {
				return true
			}
		}
		return false
	}
	var grindErr GrindError
	if As(err, &grindErr) {
		return grindErr.IsFatal()
	}
	return true
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement GrindError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}
	var grindErr GrindError
	if As(err, &grindErr) {
		return grindErr.Severity()
	}
	return SeverityError
}
