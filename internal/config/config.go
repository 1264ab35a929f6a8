package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/Iron-Ham/milestone/internal/retry"
	"github.com/spf13/viper"
)

// Config represents the complete milestone configuration
type Config struct {
	Roles     RolesConfig     `mapstructure:"roles"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Mediation MediationConfig `mapstructure:"mediation"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Mailbox   MailboxConfig   `mapstructure:"mailbox"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Paths     PathsConfig     `mapstructure:"paths"`
}

// RolesConfig names the participants. Client, worker, operator and mediator
// double as ledger accounts.
type RolesConfig struct {
	Client   string `mapstructure:"client"`
	Worker   string `mapstructure:"worker"`
	Treasury string `mapstructure:"treasury"`
	Auditor  string `mapstructure:"auditor"`
	Operator string `mapstructure:"operator"`
	Mediator string `mapstructure:"mediator"`
}

// LedgerConfig controls the escrow ledger and its persistence
type LedgerConfig struct {
	// DBPath is the SQLite database file. Empty means <data_dir>/ledger.db
	DBPath string `mapstructure:"db_path"`
	// Persist writes every ledger operation to the database (default: true)
	Persist bool `mapstructure:"persist"`
	// Custody is the account that holds escrowed funds
	Custody string `mapstructure:"custody"`
	// PayerFunds is credited to the client account on first start
	PayerFunds int64 `mapstructure:"payer_funds"`
}

// ExecutorConfig controls how ledger transactions are submitted and retried
type ExecutorConfig struct {
	// MaxAttempts bounds retries of transient chain failures (default: 5)
	MaxAttempts int `mapstructure:"max_attempts"`
	// BaseDelayMs is the backoff before the first retry
	BaseDelayMs int `mapstructure:"base_delay_ms"`
	// StepDelayMs is added to the backoff for each further attempt
	StepDelayMs int `mapstructure:"step_delay_ms"`
	// JitterMs is the upper bound of random jitter added to each backoff
	JitterMs int `mapstructure:"jitter_ms"`
	// QueueSize is the per-signer request queue capacity
	QueueSize int `mapstructure:"queue_size"`
	// AttemptTimeoutSeconds bounds a single send (0 = no bound)
	AttemptTimeoutSeconds int `mapstructure:"attempt_timeout_seconds"`
}

// MediationConfig controls dispute mediation
type MediationConfig struct {
	// TimeoutSeconds bounds each mediation decision before escalation (0 = no bound)
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	// Policy selects the decision policy
	// Options: "rules", "full", "partial", "refund"
	Policy string `mapstructure:"policy"`
}

// BudgetConfig controls the treasury's budget check
type BudgetConfig struct {
	// Limit caps total committed spend, 0 = no limit
	Limit int64 `mapstructure:"limit"`
	// WarningThreshold triggers a warning once committed spend reaches it, 0 = disabled
	WarningThreshold int64 `mapstructure:"warning_threshold"`
}

// MailboxConfig controls message routing between participants
type MailboxConfig struct {
	// InboxSize is the buffered capacity of each participant's inbox
	InboxSize int `mapstructure:"inbox_size"`
	// Journal records every routed message under <data_dir>/mailbox (default: true)
	Journal bool `mapstructure:"journal"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether logging is active (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level sets the minimum log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// MaxSizeMB is the maximum log file size before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
	// Compress gzips rotated log files (default: false)
	Compress bool `mapstructure:"compress"`
}

// PathsConfig controls file system paths
type PathsConfig struct {
	// DataDir holds the ledger database, the message journal and logs.
	// Empty means the "data" directory inside ConfigDir().
	DataDir string `mapstructure:"data_dir"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Roles: RolesConfig{
			Client:   "client",
			Worker:   "worker",
			Treasury: "treasury",
			Auditor:  "auditor",
			Operator: "operator",
			Mediator: "mediator",
		},
		Ledger: LedgerConfig{
			DBPath:     "", // Empty means <data_dir>/ledger.db
			Persist:    true,
			Custody:    "escrow-custody",
			PayerFunds: 10000,
		},
		Executor: ExecutorConfig{
			MaxAttempts:           retry.DefaultMaxAttempts,
			BaseDelayMs:           200,
			StepDelayMs:           300,
			JitterMs:              100,
			QueueSize:             64,
			AttemptTimeoutSeconds: 0,
		},
		Mediation: MediationConfig{
			TimeoutSeconds: 30,
			Policy:         "rules",
		},
		Budget: BudgetConfig{
			Limit:            0, // No limit by default
			WarningThreshold: 0,
		},
		Mailbox: MailboxConfig{
			InboxSize: 256,
			Journal:   true,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			Compress:   false,
		},
		Paths: PathsConfig{
			DataDir: "",
		},
	}
}

// RetryPolicy returns the executor's backoff as a retry.Policy
func (c *ExecutorConfig) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.MaxAttempts,
		Base:        time.Duration(c.BaseDelayMs) * time.Millisecond,
		Step:        time.Duration(c.StepDelayMs) * time.Millisecond,
		Jitter:      time.Duration(c.JitterMs) * time.Millisecond,
	}
}

// AttemptTimeout returns the per-send bound as a time.Duration (0 means none)
func (c *ExecutorConfig) AttemptTimeout() time.Duration {
	return time.Duration(c.AttemptTimeoutSeconds) * time.Second
}

// Timeout returns the mediation decision bound as a time.Duration (0 means none)
func (c *MediationConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ResolveDataDir returns DataDir, or the default data directory when unset.
func (c *PathsConfig) ResolveDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return filepath.Join(ConfigDir(), "data")
}

// ResolveDBPath returns the ledger database path for the given data directory.
func (c *LedgerConfig) ResolveDBPath(dataDir string) string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(dataDir, "ledger.db")
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Roles defaults
	viper.SetDefault("roles.client", defaults.Roles.Client)
	viper.SetDefault("roles.worker", defaults.Roles.Worker)
	viper.SetDefault("roles.treasury", defaults.Roles.Treasury)
	viper.SetDefault("roles.auditor", defaults.Roles.Auditor)
	viper.SetDefault("roles.operator", defaults.Roles.Operator)
	viper.SetDefault("roles.mediator", defaults.Roles.Mediator)

	// Ledger defaults
	viper.SetDefault("ledger.db_path", defaults.Ledger.DBPath)
	viper.SetDefault("ledger.persist", defaults.Ledger.Persist)
	viper.SetDefault("ledger.custody", defaults.Ledger.Custody)
	viper.SetDefault("ledger.payer_funds", defaults.Ledger.PayerFunds)

	// Executor defaults
	viper.SetDefault("executor.max_attempts", defaults.Executor.MaxAttempts)
	viper.SetDefault("executor.base_delay_ms", defaults.Executor.BaseDelayMs)
	viper.SetDefault("executor.step_delay_ms", defaults.Executor.StepDelayMs)
	viper.SetDefault("executor.jitter_ms", defaults.Executor.JitterMs)
	viper.SetDefault("executor.queue_size", defaults.Executor.QueueSize)
	viper.SetDefault("executor.attempt_timeout_seconds", defaults.Executor.AttemptTimeoutSeconds)

	// Mediation defaults
	viper.SetDefault("mediation.timeout_seconds", defaults.Mediation.TimeoutSeconds)
	viper.SetDefault("mediation.policy", defaults.Mediation.Policy)

	// Budget defaults
	viper.SetDefault("budget.limit", defaults.Budget.Limit)
	viper.SetDefault("budget.warning_threshold", defaults.Budget.WarningThreshold)

	// Mailbox defaults
	viper.SetDefault("mailbox.inbox_size", defaults.Mailbox.InboxSize)
	viper.SetDefault("mailbox.journal", defaults.Mailbox.Journal)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)

	// Paths defaults
	viper.SetDefault("paths.data_dir", defaults.Paths.DataDir)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate the configuration
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "milestone")
	}
	// Fall back to ~/.config/milestone
	home, err := os.UserHomeDir()
	if err != nil {
		return ".milestone"
	}
	return filepath.Join(home, ".config", "milestone")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ValidMediationPolicies returns the list of valid mediation policy names
func ValidMediationPolicies() []string {
	return []string{"rules", "full", "partial", "refund"}
}
