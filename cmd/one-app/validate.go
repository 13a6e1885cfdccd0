package main

import (
	"fmt"

	"github.com/americanexpress/one-app-sub001/config"
	"github.com/spf13/cobra"
)

// validateCmd validates a config file without starting the server.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a One App configuration file without starting the server.

This command parses the YAML, expands environment variables, applies
ONE_APP_* overrides, and validates all fields. It does not fetch the
content map. It's useful for CI/CD pipelines or pre-deployment checks.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  one-app validate -c one-app.yaml
  one-app validate --config /etc/one-app/one-app.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if _, err := config.BuildOptions(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	source := "file " + cfg.ContentMap.File
	if cfg.ContentMap.URL != "" {
		interval := "default"
		if cfg.ContentMap.PollInterval != 0 {
			interval = cfg.ContentMap.PollInterval.Duration().String()
		}
		source = fmt.Sprintf("url %s (every %s)", cfg.ContentMap.URL, interval)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config is valid!\n")
	fmt.Fprintf(out, "  Port:            %d\n", cfg.Port)
	fmt.Fprintf(out, "  Root module:     %s\n", cfg.RootModule)
	fmt.Fprintf(out, "  Default modules: %d\n", len(cfg.DefaultModules))
	fmt.Fprintf(out, "  Content map:     %s\n", source)

	return nil
}
