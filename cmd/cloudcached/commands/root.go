// Package commands implements cloudcached's CLI command tree: a
// silent-usage/silent-errors root command with a persistent --config flag
// and one subcommand per operator action.
package commands

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time via -ldflags.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "cloudcached",
	Short: "cloudcached - cloud-backed block device cache",
	Long: `cloudcached mounts a logical block device backed by an object store,
fronted by a transactional local cache that batches dirty blocks into
checkpoints and reconciles superseded objects in the background.

Use "cloudcached [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command; its child commands are added in init. Called
// once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/cloudcached/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(fsckCmd)
}

// GetConfigFile returns the config file path from the global --config flag.
func GetConfigFile() string { return cfgFile }

// PrintErr prints a formatted error message to stderr.
func PrintErr(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
}

// Exit prints an error and exits with status 1.
func Exit(format string, args ...any) {
	PrintErr(format, args...)
	os.Exit(1)
}
