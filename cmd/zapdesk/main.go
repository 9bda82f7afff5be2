package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/memohai/zapdesk/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "zapdesk",
	Short:         "WhatsApp customer-service backend",
	Long:          "zapdesk receives WhatsApp webhooks, answers with an AI responder and lets agents take over conversations from a panel.",
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default $CONFIG_PATH or config.toml)")

	rootCmd.AddCommand(serveCmd, migrateCmd, tokenCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "zapdesk %s (commit: %s)\n", version, commit)
	},
}

// loadConfig resolves the config path from the flag, then CONFIG_PATH.
func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
