package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/girder-io/girder/internal/engine"
	"github.com/girder-io/girder/internal/provider"
)

var (
	destroyAutoApprove bool
	destroyParallelism int
	destroyVars        map[string]string
	destroyTargets     []string
)

var destroyCmd = &cobra.Command{
	Use:   "destroy [dir]",
	Short: "Destroy all managed infrastructure",
	Long: `Deletes every resource tracked in the state, in reverse dependency
order so nothing is removed while something else still depends on it.

With --target, only the named resources and everything depending on them
are destroyed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDestroy,
}

func init() {
	destroyCmd.Flags().BoolVar(&destroyAutoApprove, "auto-approve", false, "Skip interactive approval")
	destroyCmd.Flags().IntVar(&destroyParallelism, "parallelism", 0, "Maximum number of concurrent resource operations")
	destroyCmd.Flags().StringToStringVar(&destroyVars, "var", nil, "Set a variable value (format: name=value)")
	destroyCmd.Flags().StringArrayVar(&destroyTargets, "target", nil, "Limit the destroy to a resource address and its dependents (repeatable)")
}

func runDestroy(cmd *cobra.Command, args []string) error {
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
	if err := backend.Lock(); err != nil {
		return err
	}
	defer backend.Unlock()

	currentState, err := backend.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}
	if len(currentState.Resources) == 0 {
		fmt.Println("Nothing to destroy. State holds no resources.")
		return nil
	}

	eng := engine.NewEngine(provider.NewRegistry())

	fmt.Print("Calculating destroy plan... ")
	plan, err := eng.CreatePlanWithOptions(ctx, cfg, currentState, &engine.PlanOptions{
		Targets:   destroyTargets,
		Destroy:   true,
		Variables: destroyVars,
	})
	if err != nil {
		fmt.Println("FAILED")
		return err
	}
	fmt.Println("OK")

	if !plan.HasChanges() {
		fmt.Println("Nothing to destroy.")
		return nil
	}

	fmt.Println("\nGirder will destroy the following resources:")
	renderPlanChanges(plan)
	fmt.Printf("\n%d resource(s) will be destroyed.\n", plan.Summary.Delete)

	if !destroyAutoApprove {
		if !confirm("\nDo you really want to destroy all shown resources?") {
			fmt.Println("Destroy cancelled.")
			return nil
		}
	}

	fmt.Printf("\nDestroying %d resource(s)...\n\n", plan.Summary.Delete)
	result, applyErr := eng.ApplyPlanWithOptions(ctx, cfg, plan, currentState, &engine.ApplyOptions{
		Variables:   plan.Metadata.Variables,
		Parallelism: destroyParallelism,
		Callback:    printApplyEvent,
	})
	if result == nil {
		return applyErr
	}

	renderOutcomes(result)
	recordApplyAudit("destroy", plan, result, applyErr)

	if writeErr := backend.Write(ctx, currentState); writeErr != nil {
		if applyErr != nil {
			return fmt.Errorf("destroy failed (%v) and the state could not be written: %w", applyErr, writeErr)
		}
		return fmt.Errorf("failed to write state: %w", writeErr)
	}

	if applyErr != nil {
		return fmt.Errorf("destroy failed: %w", applyErr)
	}

	fmt.Printf("\nDestroy complete! %d resource(s) deleted.\n", result.Realized)
	return nil
}
