// Package config provides CLI commands for managing milestone configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	appconfig "github.com/Iron-Ham/milestone/internal/config"
	"github.com/Iron-Ham/milestone/internal/styles"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// keyTypes lists the keys 'config set' accepts and how their values parse.
var keyTypes = map[string]string{
	"roles.client":                     "account",
	"roles.worker":                     "account",
	"roles.treasury":                   "account",
	"roles.auditor":                    "account",
	"roles.operator":                   "account",
	"roles.mediator":                   "account",
	"ledger.db_path":                   "string",
	"ledger.persist":                   "bool",
	"ledger.custody":                   "account",
	"ledger.payer_funds":               "int",
	"executor.max_attempts":            "int",
	"executor.base_delay_ms":           "int",
	"executor.step_delay_ms":           "int",
	"executor.jitter_ms":               "int",
	"executor.queue_size":              "int",
	"executor.attempt_timeout_seconds": "int",
	"mediation.timeout_seconds":        "int",
	"mediation.policy":                 "policy",
	"budget.limit":                     "int",
	"budget.warning_threshold":         "int",
	"mailbox.inbox_size":               "int",
	"mailbox.journal":                  "bool",
	"logging.enabled":                  "bool",
	"logging.level":                    "level",
	"logging.max_size_mb":              "int",
	"logging.max_backups":              "int",
	"logging.compress":                 "bool",
	"paths.data_dir":                   "string",
}

// Register adds all config-related commands to the given parent command.
// This is the main entry point for integrating the config subpackage with
// the root command.
func Register(parent *cobra.Command) {
	parent.AddCommand(newConfigCmd())
}

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "View or modify milestone configuration",
		Long: `View or modify milestone configuration.

Use 'config show' to display the effective configuration.
Use subcommands to modify settings or create a config file.`,
		RunE: runConfigShow,
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE:  runConfigShow,
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  milestone config set mediation.policy refund
  milestone config set budget.limit 5000
  milestone config set ledger.persist false

The whole configuration is validated before the file is written.
Valid keys:
  ` + strings.Join(sortedKeys(), "\n  "),
		Args: cobra.ExactArgs(2),
		RunE: runConfigSet,
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create a default config file",
		Long:  `Create a default config file at ~/.config/milestone/config.yaml with all available options.`,
		RunE:  runConfigInit,
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show the config file path",
		RunE:  runConfigPath,
	})
	return configCmd
}

func sortedKeys() []string {
	keys := make([]string, 0, len(keyTypes))
	for k := range keyTypes {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintln(out, "Config file: (none - using defaults)")
	}

	cfg, err := appconfig.Load()
	var verrs appconfig.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		fmt.Fprintln(out, styles.WarningMsg.Render("Configuration is invalid:"))
		for _, e := range verrs {
			fmt.Fprintf(out, "  - %s\n", e.Error())
		}
	case err != nil:
		return fmt.Errorf("failed to read configuration: %w", err)
	}
	fmt.Fprintln(out)

	settings := viper.AllSettings()
	delete(settings, "config")
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	fmt.Fprint(out, string(data))

	if cfg != nil {
		dataDir := cfg.Paths.ResolveDataDir()
		fmt.Fprintln(out)
		fmt.Fprint(out, styles.KeyValue(
			"data dir", dataDir,
			"ledger db", cfg.Ledger.ResolveDBPath(dataDir),
		))
	}
	return nil
}

func parseValue(key, kind, value string) (any, error) {
	switch kind {
	case "bool":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		return b, nil
	case "int":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected integer", key)
		}
		if n < 0 {
			return nil, fmt.Errorf("invalid value for %s: must be non-negative", key)
		}
		return n, nil
	case "policy":
		if !slices.Contains(appconfig.ValidMediationPolicies(), value) {
			return nil, fmt.Errorf("invalid value for %s: %s\nValid options: %s",
				key, value, strings.Join(appconfig.ValidMediationPolicies(), ", "))
		}
	case "level":
		if !slices.Contains(appconfig.ValidLogLevels(), strings.ToLower(value)) {
			return nil, fmt.Errorf("invalid value for %s: %s\nValid options: %s",
				key, value, strings.Join(appconfig.ValidLogLevels(), ", "))
		}
		return strings.ToLower(value), nil
	}
	return value, nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	kind, ok := keyTypes[key]
	if !ok {
		return fmt.Errorf("unknown configuration key: %s\nRun 'milestone config set --help' to see valid keys", key)
	}
	typed, err := parseValue(key, kind, value)
	if err != nil {
		return err
	}

	previous := viper.Get(key)
	viper.Set(key, typed)
	if _, err := appconfig.Load(); err != nil {
		viper.Set(key, previous)
		return fmt.Errorf("refusing to write invalid configuration: %w", err)
	}

	configFile := viper.ConfigFileUsed()
	if configFile == "" {
		configFile = appconfig.ConfigFile()
	}
	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Set %s = %v\n", key, typed)
	fmt.Fprintf(out, "Config saved to %s\n", configFile)
	return nil
}

const configTemplate = `# Milestone Configuration

# Participant names. Client, worker, operator and mediator are also
# ledger accounts.
roles:
  client: client
  worker: worker
  treasury: treasury
  auditor: auditor
  operator: operator
  mediator: mediator

ledger:
  # SQLite database file (empty = <data_dir>/ledger.db)
  db_path: ""
  # Persist every ledger operation
  persist: true
  # Account that holds escrowed funds
  custody: escrow-custody
  # Credited to the client on first start
  payer_funds: 10000

# Transaction submission and retry of transient chain failures
executor:
  max_attempts: 5
  base_delay_ms: 200
  step_delay_ms: 300
  jitter_ms: 100
  queue_size: 64
  # Bound on a single send in seconds (0 = none)
  attempt_timeout_seconds: 0

mediation:
  # Seconds before an undecided dispute escalates to manual review (0 = none)
  timeout_seconds: 30
  # Options: rules, full, partial, refund
  policy: rules

# Treasury budget (0 = disabled)
budget:
  limit: 0
  warning_threshold: 0

mailbox:
  inbox_size: 256
  # Journal routed messages under <data_dir>/mailbox
  journal: true

logging:
  enabled: true
  # Options: debug, info, warn, error
  level: info
  max_size_mb: 10
  max_backups: 3
  compress: false

paths:
  # Empty = <config dir>/data
  data_dir: ""
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := appconfig.ConfigDir()
	configFile := appconfig.ConfigFile()

	// Check if config file already exists
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'milestone config set' to modify values", configFile)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configFile, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created config file at %s\n", configFile)
	fmt.Fprintln(out, "Edit this file to customize milestone's behavior.")
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	configFile := appconfig.ConfigFile()

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", configFile)
	}

	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", filepath.Join(appconfig.ConfigDir(), "config.yaml"))
	fmt.Fprintf(out, "  2. $HOME/.config/milestone/config.yaml\n")
	fmt.Fprintf(out, "  3. ./config.yaml (current directory)\n")
	fmt.Fprintln(out, "\nEnvironment variables: MILESTONE_* (e.g., MILESTONE_MEDIATION_POLICY)")
	return nil
}
