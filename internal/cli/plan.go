package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/girder-io/girder/internal/engine"
	"github.com/girder-io/girder/internal/ir"
	"github.com/girder-io/girder/internal/provider"
)

var (
	planOutFile string
	planVars    map[string]string
	planTargets []string
	planDestroy bool
)

var planCmd = &cobra.Command{
	Use:   "plan [dir]",
	Short: "Generate an execution plan",
	Long: `Computes the set of operations needed to reconcile the configuration
with the recorded state, without executing anything.

The plan shows:
  • Resources to be created
  • Resources to be updated or replaced (with attribute diff)
  • Resources to be deleted`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVarP(&planOutFile, "out", "o", "", "Save the plan to a file for a later apply")
	planCmd.Flags().StringToStringVar(&planVars, "var", nil, "Set a variable value (format: name=value)")
	planCmd.Flags().StringArrayVar(&planTargets, "target", nil, "Limit the plan to a resource address (repeatable)")
	planCmd.Flags().BoolVar(&planDestroy, "destroy", false, "Plan the destruction of everything in state")
}

func runPlan(cmd *cobra.Command, args []string) error {
	proj, err := resolveProject(args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	fmt.Print("Loading configuration... ")
	cfg, err := proj.loadConfig()
	if err != nil {
		fmt.Println("FAILED")
		return err
	}
	fmt.Println("OK")

	backend, err := proj.openBackend(cfg)
	if err != nil {
		return err
	}
	currentState, err := backend.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	eng := engine.NewEngine(provider.NewRegistry())

	fmt.Print("Calculating plan... ")
	plan, err := eng.CreatePlanWithOptions(ctx, cfg, currentState, &engine.PlanOptions{
		Targets:   planTargets,
		Destroy:   planDestroy,
		Variables: planVars,
	})
	if err != nil {
		fmt.Println("FAILED")
		return err
	}
	fmt.Println("OK")

	if !plan.HasChanges() {
		fmt.Println("\nNo changes. Infrastructure is up-to-date.")
		return nil
	}

	fmt.Println("\nGirder will perform the following actions:")
	renderPlanChanges(plan)
	renderPlanSummary(plan)

	if planOutFile != "" {
		if err := savePlanFile(planOutFile, plan); err != nil {
			return err
		}
		fmt.Printf("\nPlan saved to %s. Apply it with:\n  girder apply %s\n", planOutFile, planOutFile)
	}
	return nil
}

// savePlanFile writes the plan as JSON. Plans carry resolved attribute
// values, so the file is created owner-only.
func savePlanFile(path string, plan *ir.Plan) error {
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("failed to write plan file: %w", err)
	}
	return nil
}

// readPlanFile loads a plan saved by plan --out.
func readPlanFile(path string) (*ir.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	var plan ir.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan file %s: %w", path, err)
	}
	if plan.Metadata == nil {
		return nil, fmt.Errorf("%s is not a girder plan file", path)
	}
	return &plan, nil
}
