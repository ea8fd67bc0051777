// Package cli implements the girder command tree. Commands print their
// user-facing output on stdout; diagnostics go through internal/logging
// to stderr.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/girder-io/girder/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "girder",
	Short: "Declarative dependency-resolved provisioning",
	Long: `Girder reconciles declared resources against a persisted state snapshot.

It builds a dependency graph from HCL configuration and drives every
resource to its desired form:
  • plan computes the create/update/replace/delete set without side effects
  • apply executes the plan in dependency order, in parallel where possible
  • destroy tears everything down in reverse order
  • state lives in a versioned snapshot, locally or in a remote backend`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if chdir != "" {
			if err := os.Chdir(chdir); err != nil {
				return fmt.Errorf("failed to switch to directory %s: %w", chdir, err)
			}
		}
		level := os.Getenv("GIRDER_LOG_LEVEL")
		if logLevel != "" {
			level = logLevel
		}
		logging.Init(level)
		if os.Getenv("NO_COLOR") != "" {
			noColor = true
		}
		return nil
	},
}

var (
	chdir    string
	logLevel string
	noColor  bool
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&chdir, "chdir", "", "Switch to this directory before running the command")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default from GIRDER_LOG_LEVEL)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(outputCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(taintCmd)
	rootCmd.AddCommand(untaintCmd)
	rootCmd.AddCommand(workspaceCmd)
	rootCmd.AddCommand(fmtCmd)
	rootCmd.AddCommand(consoleCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(versionCmd)
}
