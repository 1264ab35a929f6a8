// Package errors provides centralized error definitions and error handling utilities
// for the milestone coordinator. It defines ledger sentinel errors, the failure
// category taxonomy, domain error types with context builders, and
// classification helpers.
//
// # Categories
//
// Every failure surfaced to a participant carries one [Category]:
//   - Validation: malformed input rejected before anything reaches the ledger
//   - Permission: missing role, balance or allowance
//   - Chain: transient transport or nonce conflicts, retried up to a bound
//   - State: the ledger refused a transition (sequence, duplicate, dispute)
//   - Fatal: anything unexpected, including exhausted queues
//
// # Usage
//
//	err := errors.NewLedgerError("release", errors.ErrSequenceError).WithTaskID("T1").WithIndex(0)
//
//	if errors.Is(err, errors.ErrSequenceError) { ... }
//	if errors.CategoryOf(err) == errors.CategoryState { ... }
//	if errors.IsRetryable(err) { ... }
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
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
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

// Category classifies a failure by who can correct it.
type Category int

const (
	// CategoryValidation is malformed input, correctable by the caller.
	CategoryValidation Category = iota
	// CategoryPermission is a missing role, balance or allowance.
	CategoryPermission
	// CategoryChain is a transient transport or sequence-number conflict.
	CategoryChain
	// CategoryState is a ledger transition refused by the current escrow state.
	CategoryState
	// CategoryFatal is an unexpected failure.
	CategoryFatal
)

// String returns the wire name of the category.
func (c Category) String() string {
	switch c {
	case CategoryValidation:
		return "validation"
	case CategoryPermission:
		return "permission"
	case CategoryChain:
		return "chain"
	case CategoryState:
		return "state"
	case CategoryFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ParseCategory converts a wire name back into a Category.
// Unknown names map to CategoryFatal.
func ParseCategory(s string) Category {
	switch strings.ToLower(s) {
	case "validation":
		return CategoryValidation
	case "permission":
		return CategoryPermission
	case "chain":
		return CategoryChain
	case "state":
		return CategoryState
	default:
		return CategoryFatal
	}
}

// Retryable reports whether failures of this category are retried automatically.
func (c Category) Retryable() bool {
	return c == CategoryChain
}

// Suggestion returns the default recovery hint for the category.
func (c Category) Suggestion() string {
	switch c {
	case CategoryValidation:
		return "correct the request parameters and resubmit"
	case CategoryPermission:
		return "fund the signer, raise the allowance, or grant the missing role"
	case CategoryChain:
		return "retry later; the ledger endpoint or nonce sequence was contended"
	case CategoryState:
		return "re-read the escrow state; the request conflicts with its current lifecycle"
	default:
		return "inspect the logs; use emergency refund to unwind a stuck task"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Ledger sentinel errors. Names mirror the ledger's failure codes.
var (
	ErrDuplicateTask          = New("duplicate task")
	ErrInvalidAmount          = New("invalid amount")
	ErrInvalidMilestoneCount  = New("invalid milestone count")
	ErrInvalidAgent           = New("invalid agent")
	ErrTransferFailed         = New("transfer failed")
	ErrNotActive              = New("escrow not active")
	ErrUnauthorized           = New("unauthorized")
	ErrInvalidIndex           = New("invalid milestone index")
	ErrDuplicateProof         = New("duplicate proof")
	ErrNoProof                = New("no proof")
	ErrAlreadyVerified        = New("proof already verified")
	ErrInDispute              = New("escrow in dispute")
	ErrSequenceError          = New("milestone sequence error")
	ErrNotVerified            = New("proof not verified")
	ErrNoOpenDispute          = New("no open dispute")
	ErrAlreadyDisputed        = New("dispute already raised")
	ErrEscrowNotFound         = New("escrow not found")
	ErrInvalidResolution      = New("invalid resolution")
	ErrInsufficientBalance    = New("insufficient balance")
	ErrInsufficientAllowance  = New("insufficient allowance")
	ErrReputationOutOfBounds  = New("reputation out of bounds")
	ErrPersistenceUnavailable = New("ledger persistence failed")
)

// Chain and executor sentinel errors.
var (
	// ErrNonceConflict indicates a transaction used a stale or future sequence number.
	ErrNonceConflict = New("nonce conflict")
	// ErrChainUnavailable indicates the ledger endpoint could not be reached.
	ErrChainUnavailable = New("chain unavailable")
	// ErrQueueClosed indicates the executor is no longer accepting work.
	ErrQueueClosed = New("execution queue closed")
	// ErrRetriesExhausted indicates the retry bound was reached.
	ErrRetriesExhausted = New("retries exhausted")
)

// Workflow and mediation sentinel errors.
var (
	// ErrInvalidTransition indicates a message arrived before its causal predecessor.
	ErrInvalidTransition = New("invalid workflow transition")
	// ErrUnknownTask indicates a message referenced a task this participant never saw.
	ErrUnknownTask = New("unknown task")
	// ErrMessageDropped indicates a protocol message never reached its recipient.
	ErrMessageDropped = New("message dropped")
	// ErrAlreadyMediated indicates a resolution was already applied for the dispute.
	ErrAlreadyMediated = New("dispute already mediated")
	// ErrMediationInFlight indicates a mediation for the task is still running.
	ErrMediationInFlight = New("mediation in flight")
	// ErrBudgetRejected indicates the budget collaborator refused the spend.
	ErrBudgetRejected = New("budget rejected")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// sentinelCategories maps sentinels to the category reported for them.
// ErrRetriesExhausted comes first because it wraps the retryable cause of
// the last attempt.
var sentinelCategories = []struct {
	err      error
	category Category
}{
	{ErrRetriesExhausted, CategoryFatal},
	{ErrInvalidAmount, CategoryValidation},
	{ErrInvalidMilestoneCount, CategoryValidation},
	{ErrInvalidAgent, CategoryValidation},
	{ErrInvalidIndex, CategoryValidation},
	{ErrInvalidResolution, CategoryValidation},
	{ErrInvalidInput, CategoryValidation},
	{ErrUnauthorized, CategoryPermission},
	{ErrInsufficientBalance, CategoryPermission},
	{ErrInsufficientAllowance, CategoryPermission},
	{ErrTransferFailed, CategoryPermission},
	{ErrBudgetRejected, CategoryPermission},
	{ErrNonceConflict, CategoryChain},
	{ErrChainUnavailable, CategoryChain},
	{ErrTimeout, CategoryChain},
	{ErrDuplicateTask, CategoryState},
	{ErrNotActive, CategoryState},
	{ErrDuplicateProof, CategoryState},
	{ErrNoProof, CategoryState},
	{ErrAlreadyVerified, CategoryState},
	{ErrInDispute, CategoryState},
	{ErrSequenceError, CategoryState},
	{ErrNotVerified, CategoryState},
	{ErrNoOpenDispute, CategoryState},
	{ErrAlreadyDisputed, CategoryState},
	{ErrEscrowNotFound, CategoryState},
	{ErrInvalidTransition, CategoryState},
	{ErrUnknownTask, CategoryState},
	{ErrMessageDropped, CategoryState},
	{ErrAlreadyMediated, CategoryState},
	{ErrMediationInFlight, CategoryState},
	{ErrQueueClosed, CategoryFatal},
	{ErrPersistenceUnavailable, CategoryFatal},
}

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// CategorizedError is the base interface for all coordinator errors.
type CategorizedError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Category returns the failure category.
	Category() Category

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
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

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// Category derives the category from the wrapped cause.
func (e *baseError) Category() Category {
	return categoryOfCause(e.cause)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// LedgerError is returned by every rejected ledger operation. The cause is
// always one of the ledger sentinels, so callers match with errors.Is.
//
// Example:
//
//	err := errors.NewLedgerError("release", errors.ErrInDispute).WithTaskID("T1")
//	fmt.Println(err) // "ledger error [op=release, task=T1]: escrow in dispute"
type LedgerError struct {
	baseError
	Op     string
	TaskID string
	Index  int
	hasIdx bool
}

// NewLedgerError creates a new LedgerError for op caused by a ledger sentinel.
func NewLedgerError(op string, cause error) *LedgerError {
	return &LedgerError{
		Op: op,
		baseError: baseError{
			message:    cause.Error(),
			cause:      cause,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithTaskID adds a task ID to the error context.
func (e *LedgerError) WithTaskID(id string) *LedgerError {
	e.TaskID = id
	return e
}

// WithIndex adds a milestone index to the error context.
func (e *LedgerError) WithIndex(idx int) *LedgerError {
	e.Index = idx
	e.hasIdx = true
	return e
}

// Error returns the formatted error message.
func (e *LedgerError) Error() string {
	parts := []string{fmt.Sprintf("op=%s", e.Op)}
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	if e.hasIdx {
		parts = append(parts, fmt.Sprintf("index=%d", e.Index))
	}
	return fmt.Sprintf("ledger error [%s]: %s", strings.Join(parts, ", "), e.message)
}

// ExecutionError is the structured failure reported to the participant that
// requested a ledger mutation. It carries everything needed to act on the
// failure without re-parsing the message.
//
// Example:
//
//	err := errors.NewExecutionError("create_escrow", cause).WithTaskID("T1").WithSigner("payer")
type ExecutionError struct {
	baseError
	category   Category
	suggestion string
	Operation  string
	TaskID     string
	Signer     string
	Attempts   int
}

// NewExecutionError creates an ExecutionError; the category is derived from cause.
func NewExecutionError(operation string, cause error) *ExecutionError {
	cat := categoryOfCause(cause)
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &ExecutionError{
		Operation: operation,
		category:  cat,
		baseError: baseError{
			message:    msg,
			cause:      cause,
			severity:   severityFor(cat),
			retryable:  cat.Retryable(),
			userFacing: true,
		},
	}
}

// WithTaskID adds a task ID to the error context.
func (e *ExecutionError) WithTaskID(id string) *ExecutionError {
	e.TaskID = id
	return e
}

// WithSigner adds the signing identity to the error context.
func (e *ExecutionError) WithSigner(signer string) *ExecutionError {
	e.Signer = signer
	return e
}

// WithAttempts records how many submissions were made.
func (e *ExecutionError) WithAttempts(n int) *ExecutionError {
	e.Attempts = n
	return e
}

// WithCategory overrides the derived category.
func (e *ExecutionError) WithCategory(c Category) *ExecutionError {
	e.category = c
	e.severity = severityFor(c)
	e.retryable = c.Retryable() && !Is(e.cause, ErrRetriesExhausted)
	return e
}

// WithSuggestion overrides the category's default recovery hint.
func (e *ExecutionError) WithSuggestion(s string) *ExecutionError {
	e.suggestion = s
	return e
}

// Category returns the failure category.
func (e *ExecutionError) Category() Category {
	return e.category
}

// Suggestion returns the recovery hint for the requester.
func (e *ExecutionError) Suggestion() string {
	if e.suggestion != "" {
		return e.suggestion
	}
	return e.category.Suggestion()
}

// Message returns the failure message without the context prefix.
func (e *ExecutionError) Message() string {
	return e.message
}

// Error returns the formatted error message.
func (e *ExecutionError) Error() string {
	parts := []string{fmt.Sprintf("op=%s", e.Operation), fmt.Sprintf("category=%s", e.category)}
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	if e.Signer != "" {
		parts = append(parts, fmt.Sprintf("signer=%s", e.Signer))
	}
	if e.Attempts > 0 {
		parts = append(parts, fmt.Sprintf("attempts=%d", e.Attempts))
	}
	return fmt.Sprintf("execution error [%s]: %s", strings.Join(parts, ", "), e.message)
}

// WorkflowError represents a message that could not be applied to a task's
// protocol state.
type WorkflowError struct {
	baseError
	TaskID      string
	Participant string
	From        string
	To          string
}

// NewWorkflowError creates a new WorkflowError.
func NewWorkflowError(message string, cause error) *WorkflowError {
	return &WorkflowError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityWarning,
			userFacing: true,
		},
	}
}

// WithTaskID adds a task ID to the error context.
func (e *WorkflowError) WithTaskID(id string) *WorkflowError {
	e.TaskID = id
	return e
}

// WithParticipant adds the handling participant to the error context.
func (e *WorkflowError) WithParticipant(p string) *WorkflowError {
	e.Participant = p
	return e
}

// WithTransition adds the attempted transition to the error context.
func (e *WorkflowError) WithTransition(from, to string) *WorkflowError {
	e.From = from
	e.To = to
	return e
}

// Error returns the formatted error message.
func (e *WorkflowError) Error() string {
	var parts []string
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	if e.Participant != "" {
		parts = append(parts, fmt.Sprintf("participant=%s", e.Participant))
	}
	if e.From != "" || e.To != "" {
		parts = append(parts, fmt.Sprintf("%s->%s", e.From, e.To))
	}

	prefix := "workflow error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("workflow error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// ValidationError represents invalid input rejected before submission.
//
// Example:
//
//	err := errors.NewValidationError("task id is malformed").WithField("task_id").WithValue("")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Category reports the cause's category, or validation when there is none.
func (e *ValidationError) Category() Category {
	if e.cause != nil {
		return categoryOfCause(e.cause)
	}
	return CategoryValidation
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}

	prefix := "validation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("validation error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	return target == ErrInvalidInput
}

// TimeoutError represents an operation that did not finish within its bound.
//
// Example:
//
//	err := errors.NewTimeoutError("mediation of T1", 30*time.Second)
//	fmt.Println(err) // "timeout error: mediation of T1 (timeout: 30s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// WithRetryable sets whether the error is retryable (default true for timeouts).
func (e *TimeoutError) WithRetryable(r bool) *TimeoutError {
	e.retryable = r
	return e
}

// Category of a timeout is chain: the remote side did not answer in time.
func (e *TimeoutError) Category() Category {
	return CategoryChain
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	return target == ErrTimeout
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// CategoryOf returns the category of err. Errors implementing
// CategorizedError report their own category; wrapped sentinels are looked
// up; anything else is fatal.
func CategoryOf(err error) Category {
	if err == nil {
		return CategoryFatal
	}
	var ce CategorizedError
	if As(err, &ce) && (!Is(err, ErrRetriesExhausted) || Is(ce, ErrRetriesExhausted)) {
		return ce.Category()
	}
	return categoryOfCause(err)
}

// categoryOfCause maps a plain error chain onto a category through the
// sentinel table.
func categoryOfCause(err error) Category {
	if err == nil {
		return CategoryFatal
	}
	for _, sc := range sentinelCategories {
		if Is(err, sc.err) {
			return sc.category
		}
	}
	var ce CategorizedError
	if As(err, &ce) {
		return ce.Category()
	}
	return CategoryFatal
}

func severityFor(c Category) Severity {
	switch c {
	case CategoryValidation, CategoryChain:
		return SeverityWarning
	case CategoryFatal:
		return SeverityCritical
	default:
		return SeverityError
	}
}

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
//
// Example:
//
//	if errors.IsRetryable(err) {
//	    time.Sleep(backoff)
//	    return retry(operation)
//	}
func IsRetryable(err error) bool {
	if err == nil || Is(err, ErrRetriesExhausted) {
		return false
	}

	var ce CategorizedError
	if As(err, &ce) {
		return ce.IsRetryable()
	}

	return categoryOfCause(err).Retryable()
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var ce CategorizedError
	if As(err, &ce) {
		return ce.IsUserFacing()
	}

	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement CategorizedError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var ce CategorizedError
	if As(err, &ce) {
		return ce.Severity()
	}

	return SeverityError
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
//
// Example:
//
//	err := errors.Wrap(baseErr, "failed to load escrow")
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
//
// Example:
//
//	err := errors.Wrapf(baseErr, "failed to load escrow %s", taskID)
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
