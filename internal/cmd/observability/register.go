package observability

import (
	"fmt"

	appconfig "github.com/Iron-Ham/milestone/internal/config"
	"github.com/spf13/cobra"
)

// Register adds all observability-related commands to the given parent command.
// This is the main entry point for integrating the observability subpackage with
// the root command.
func Register(parent *cobra.Command) {
	RegisterLogsCmd(parent)
	RegisterMessagesCmd(parent)
}

// dataDir resolves the configured data directory.
func dataDir() (string, error) {
	cfg, err := appconfig.Load()
	if err != nil {
		return "", fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg.Paths.ResolveDataDir(), nil
}
