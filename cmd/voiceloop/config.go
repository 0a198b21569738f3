package main

import (
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Long: `Prints the configuration after layering defaults, the config file, the
environment and flags. API keys are redacted. The output is a valid config
file.`,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	loader, _, err := loadConfig(cmd)
	if loader == nil {
		return err
	}
	out, dumpErr := loader.Dump()
	if dumpErr != nil {
		return dumpErr
	}
	if _, werr := cmd.OutOrStdout().Write(out); werr != nil {
		return werr
	}
	// Print first so an invalid configuration can still be inspected.
	return err
}
