package cmd

import (
	"strings"

	"github.com/Iron-Ham/milestone/internal/cmd/config"
	"github.com/Iron-Ham/milestone/internal/cmd/escrow"
	"github.com/Iron-Ham/milestone/internal/cmd/observability"
	"github.com/Iron-Ham/milestone/internal/cmd/simulate"
	appconfig "github.com/Iron-Ham/milestone/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "milestone",
	Short: "Milestone escrow coordinator",
	Long: `Milestone runs a network of participants that negotiate a task,
lock its payment in escrow, audit each milestone of work and release
payment per verified milestone, with disputes settled by a mediator.

State is kept in a SQLite ledger and a message journal inside the data
directory, so past runs can be inspected with 'escrow', 'reputation',
'messages' and 'logs'.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/milestone/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	config.Register(rootCmd)
	simulate.Register(rootCmd)
	escrow.Register(rootCmd)
	observability.Register(rootCmd)
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	appconfig.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(appconfig.ConfigDir())
		viper.AddConfigPath("$HOME/.config/milestone")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("MILESTONE")
	// MILESTONE_MEDIATION_POLICY for mediation.policy
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
