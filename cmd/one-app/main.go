// Package main is the entry point for the one-app CLI.
//
// One App can be embedded as a library (SDK) with modules compiled in, or run
// as a standalone binary that fetches every module from a content map. This
// CLI provides the standalone binary approach.
//
// Usage:
//
//	one-app serve -c one-app.yaml    # Start the server
//	one-app validate -c one-app.yaml # Validate configuration
//	one-app version                  # Show version info
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information - set by GoReleaser at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd is the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "one-app",
	Short: "A server that composes independently deployed UI modules",
	Long: `One App renders pages from independently deployed modules.

It reads a content map listing every module build, loads the server build
of each module a page needs, and renders the page with its state embedded
so the browser can take over. A circuit breaker degrades to client-side
rendering when the server is unhealthy.

Quick start:
  1. Create a config file (one-app.yaml)
  2. Run: one-app serve -c one-app.yaml
  3. Open http://localhost:3000 in your browser

Example config:
  port: 3000
  root_module: frank-lloyd-root
  content_map:
    url: https://cdn.example.com/module-map.json
    poll_interval: 30s`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already prints the error, just exit with code 1
		os.Exit(1)
	}
}

func main() {
	Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this one-app binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "one-app %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
