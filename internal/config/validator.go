package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "executor.max_attempts")
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
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// accountRegex validates participant and account names.
// Names start with a letter and can contain alphanumeric, hyphen, underscore
var accountRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// reservedAccounts cannot be used as participant names
var reservedAccounts = []string{"*", "broadcast"}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	// Validate Roles config
	errors = append(errors, c.validateRoles()...)

	// Validate Ledger config
	errors = append(errors, c.validateLedger()...)

	// Validate Executor config
	errors = append(errors, c.validateExecutor()...)

	// Validate Mediation config
	errors = append(errors, c.validateMediation()...)

	// Validate Budget config
	errors = append(errors, c.validateBudget()...)

	// Validate Mailbox config
	errors = append(errors, c.validateMailbox()...)

	// Validate Logging config
	errors = append(errors, c.validateLogging()...)

	// Validate Paths config
	errors = append(errors, c.validatePaths()...)

	return errors
}

// validateRoles validates the RolesConfig
func (c *Config) validateRoles() []ValidationError {
	var errors []ValidationError

	roles := []struct {
		field string
		name  string
	}{
		{"roles.client", c.Roles.Client},
		{"roles.worker", c.Roles.Worker},
		{"roles.treasury", c.Roles.Treasury},
		{"roles.auditor", c.Roles.Auditor},
		{"roles.operator", c.Roles.Operator},
		{"roles.mediator", c.Roles.Mediator},
	}

	seen := make(map[string]string, len(roles))
	for _, r := range roles {
		if r.name == "" {
			errors = append(errors, ValidationError{
				Field:   r.field,
				Value:   r.name,
				Message: "must not be empty",
			})
			continue
		}
		if slices.Contains(reservedAccounts, r.name) || !accountRegex.MatchString(r.name) {
			errors = append(errors, ValidationError{
				Field:   r.field,
				Value:   r.name,
				Message: "must start with a letter and contain only letters, numbers, hyphens, and underscores",
			})
			continue
		}
		// Each participant needs its own mailbox
		if other, dup := seen[r.name]; dup {
			errors = append(errors, ValidationError{
				Field:   r.field,
				Value:   r.name,
				Message: fmt.Sprintf("duplicates %s", other),
			})
			continue
		}
		seen[r.name] = r.field
	}

	return errors
}

// validateLedger validates the LedgerConfig
func (c *Config) validateLedger() []ValidationError {
	var errors []ValidationError

	if c.Ledger.Custody == "" {
		errors = append(errors, ValidationError{
			Field:   "ledger.custody",
			Value:   c.Ledger.Custody,
			Message: "must not be empty",
		})
	} else if !accountRegex.MatchString(c.Ledger.Custody) {
		errors = append(errors, ValidationError{
			Field:   "ledger.custody",
			Value:   c.Ledger.Custody,
			Message: "must start with a letter and contain only letters, numbers, hyphens, and underscores",
		})
	}

	// Custody must never be a participant, or escrowed funds could be spent directly
	for _, name := range []string{c.Roles.Client, c.Roles.Worker, c.Roles.Operator, c.Roles.Mediator} {
		if name != "" && name == c.Ledger.Custody {
			errors = append(errors, ValidationError{
				Field:   "ledger.custody",
				Value:   c.Ledger.Custody,
				Message: "must differ from every participant name",
			})
			break
		}
	}

	if c.Ledger.PayerFunds < 0 {
		errors = append(errors, ValidationError{
			Field:   "ledger.payer_funds",
			Value:   c.Ledger.PayerFunds,
			Message: "must be non-negative",
		})
	}

	if c.Ledger.DBPath != "" {
		errors = append(errors, validatePath("ledger.db_path", c.Ledger.DBPath)...)
	}

	return errors
}

// validateExecutor validates the ExecutorConfig
func (c *Config) validateExecutor() []ValidationError {
	var errors []ValidationError

	// At least one attempt is always made
	const maxAttempts = 20
	if c.Executor.MaxAttempts < 1 || c.Executor.MaxAttempts > maxAttempts {
		errors = append(errors, ValidationError{
			Field:   "executor.max_attempts",
			Value:   c.Executor.MaxAttempts,
			Message: fmt.Sprintf("must be between 1 and %d", maxAttempts),
		})
	}

	delays := []struct {
		field string
		value int
	}{
		{"executor.base_delay_ms", c.Executor.BaseDelayMs},
		{"executor.step_delay_ms", c.Executor.StepDelayMs},
		{"executor.jitter_ms", c.Executor.JitterMs},
		{"executor.attempt_timeout_seconds", c.Executor.AttemptTimeoutSeconds},
	}
	for _, d := range delays {
		if d.value < 0 {
			errors = append(errors, ValidationError{
				Field:   d.field,
				Value:   d.value,
				Message: "must be non-negative",
			})
		}
	}

	if c.Executor.QueueSize <= 0 {
		errors = append(errors, ValidationError{
			Field:   "executor.queue_size",
			Value:   c.Executor.QueueSize,
			Message: "must be positive",
		})
	}

	return errors
}

// validateMediation validates the MediationConfig
func (c *Config) validateMediation() []ValidationError {
	var errors []ValidationError

	if c.Mediation.TimeoutSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "mediation.timeout_seconds",
			Value:   c.Mediation.TimeoutSeconds,
			Message: "must be non-negative (0 disables the timeout)",
		})
	}

	if c.Mediation.Policy != "" && !slices.Contains(ValidMediationPolicies(), c.Mediation.Policy) {
		errors = append(errors, ValidationError{
			Field:   "mediation.policy",
			Value:   c.Mediation.Policy,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidMediationPolicies(), ", ")),
		})
	}

	return errors
}

// validateBudget validates the BudgetConfig
func (c *Config) validateBudget() []ValidationError {
	var errors []ValidationError

	if c.Budget.Limit < 0 {
		errors = append(errors, ValidationError{
			Field:   "budget.limit",
			Value:   c.Budget.Limit,
			Message: "must be non-negative (0 means no limit)",
		})
	}

	if c.Budget.WarningThreshold < 0 {
		errors = append(errors, ValidationError{
			Field:   "budget.warning_threshold",
			Value:   c.Budget.WarningThreshold,
			Message: "must be non-negative",
		})
	}

	// Warning threshold should be at or below the limit when both are set
	if c.Budget.Limit > 0 && c.Budget.WarningThreshold > c.Budget.Limit {
		errors = append(errors, ValidationError{
			Field:   "budget.warning_threshold",
			Value:   c.Budget.WarningThreshold,
			Message: fmt.Sprintf("must not exceed budget.limit (%d)", c.Budget.Limit),
		})
	}

	return errors
}

// validateMailbox validates the MailboxConfig
func (c *Config) validateMailbox() []ValidationError {
	var errors []ValidationError

	const maxInboxSize = 1 << 16
	if c.Mailbox.InboxSize <= 0 || c.Mailbox.InboxSize > maxInboxSize {
		errors = append(errors, ValidationError{
			Field:   "mailbox.inbox_size",
			Value:   c.Mailbox.InboxSize,
			Message: fmt.Sprintf("must be between 1 and %d", maxInboxSize),
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	// Validate log level
	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	// Max size must be positive
	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	// Reasonable upper bound for log file size
	const maxLogSizeMB = 1000 // 1GB
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	// Max backups must be non-negative
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validatePaths validates the PathsConfig
func (c *Config) validatePaths() []ValidationError {
	if c.Paths.DataDir == "" {
		return nil
	}
	return validatePath("paths.data_dir", c.Paths.DataDir)
}

func validatePath(field, path string) []ValidationError {
	var errors []ValidationError

	// Check for null bytes which are invalid in paths
	if strings.ContainsRune(path, '\x00') {
		errors = append(errors, ValidationError{
			Field:   field,
			Value:   path,
			Message: "path contains invalid null character",
		})
	}

	// Reasonable path length limit (most filesystems have limits around 4096)
	const maxPathLength = 4096
	if len(path) > maxPathLength {
		errors = append(errors, ValidationError{
			Field:   field,
			Value:   path,
			Message: fmt.Sprintf("path exceeds maximum length of %d characters", maxPathLength),
		})
	}

	return errors
}
