package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/neboloop/foreman/internal/config"
)

// SetupRootCmd configures the root command with all subcommands and flags
func SetupRootCmd(c *config.Config) *cobra.Command {
	ServerConfig = c

	rootCmd := &cobra.Command{
		Use:   "foreman",
		Short: "Foreman - founder job supervisor",
		Long: `Foreman turns chat messages into founder jobs and supervises the GUI
build agent that works on them.

Just type 'foreman' to start the server. Owners talk to it over
POST /api/v1/messages or the /ws websocket.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: <data dir>/foreman.yaml if present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "log as JSON")

	// Add commands
	rootCmd.AddCommand(ServeCmd())
	rootCmd.AddCommand(MessageCmd())
	rootCmd.AddCommand(JobsCmd())
	rootCmd.AddCommand(PluginsCmd())
	rootCmd.AddCommand(ConfigCmd())
	rootCmd.AddCommand(DoctorCmd())

	return rootCmd
}

// ConfigCmd prints the effective configuration.
func ConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := loadConfig()
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(c)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}
