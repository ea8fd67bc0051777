package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/girder-io/girder/internal/engine"
	"github.com/girder-io/girder/internal/eval"
)

var validateVars map[string]string

var validateCmd = &cobra.Command{
	Use:   "validate [dir]",
	Short: "Validate the configuration",
	Long: `Loads the configuration, expands iteration and builds the dependency
graph without contacting any provider. Cycles, references to undeclared
resources and malformed blocks are reported here.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringToStringVar(&validateVars, "var", nil, "Set a variable value (format: name=value)")
}

func runValidate(cmd *cobra.Command, args []string) error {
	proj, err := resolveProject(args)
	if err != nil {
		return err
	}

	fmt.Print("Loading configuration... ")
	cfg, err := proj.loadConfig()
	if err != nil {
		fmt.Println("FAILED")
		return err
	}
	fmt.Println("OK")

	fmt.Print("Building dependency graph... ")
	vars, err := eval.VariableValues(cfg, validateVars)
	if err != nil {
		fmt.Println("FAILED")
		return err
	}
	expanded, err := engine.ExpandResources(cfg.Resources, eval.BaseContext(vars))
	if err != nil {
		fmt.Println("FAILED")
		return err
	}
	if _, err := engine.BuildDAG(expanded); err != nil {
		fmt.Println("FAILED")
		return err
	}
	fmt.Println("OK")

	fmt.Printf("\nConfiguration is valid: %d resource(s), %d variable(s), %d output(s).\n",
		len(expanded), len(cfg.Variables), len(cfg.Outputs))
	return nil
}
