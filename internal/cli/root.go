// Package cli implements the engram command-line entrypoint: a thin
// cobra root command plus serve, migrate and version subcommands.
package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/engram/internal/cli.version=1.2.3"
	version = "0.1.0"
	logo    = "\n" +
		" _____ _ __   __ _ _ __ __ _ _ __ ___\n" +
		"|  _  | '_ \\ / _` | '__/ _` | '_ ` _ \\\n" +
		"| |_| | | | | (_| | | | (_| | | | | | |\n" +
		" \\___/|_| |_|\\__, |_|  \\__,_|_| |_| |_|\n" +
		"             |___/\n"
)

var rootCmd = &cobra.Command{
	Use:   "engram",
	Short: "engram - scoped memory store for conversational agents",
	Long:  color.CyanString(logo) + "\nA scoped, multi-tenant memory store and packet composer.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(serveCmd)
}
