package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/girder-io/girder/internal/engine"
	"github.com/girder-io/girder/internal/ir"
	"github.com/girder-io/girder/internal/provider"
	"github.com/girder-io/girder/pkg/sdk"
)

var (
	applyAutoApprove bool
	applyParallelism int
	applyVars        map[string]string
	applyTargets     []string
)

var applyCmd = &cobra.Command{
	Use:   "apply [dir | planfile]",
	Short: "Apply a configuration",
	Long: `Creates, updates and deletes resources until the infrastructure matches
the configuration.

With a saved plan file argument, applies exactly that plan after checking
it is still valid against the current state. Otherwise a fresh plan is
computed and shown for approval first.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runApply,
}

func init() {
	applyCmd.Flags().BoolVar(&applyAutoApprove, "auto-approve", false, "Skip interactive approval of the plan")
	applyCmd.Flags().IntVar(&applyParallelism, "parallelism", 0, "Maximum number of concurrent resource operations")
	applyCmd.Flags().StringToStringVar(&applyVars, "var", nil, "Set a variable value (format: name=value)")
	applyCmd.Flags().StringArrayVar(&applyTargets, "target", nil, "Limit the apply to a resource address (repeatable)")
}

// isSavedPlanArg reports whether the positional argument names a saved
// plan file rather than a configuration directory or .hcl file.
func isSavedPlanArg(arg string) bool {
	info, err := os.Stat(arg)
	if err != nil || info.IsDir() {
		return false
	}
	return !strings.HasSuffix(arg, ".hcl")
}

func runApply(cmd *cobra.Command, args []string) error {
	var planFile string
	configArgs := args
	if len(args) == 1 && isSavedPlanArg(args[0]) {
		planFile = args[0]
		configArgs = nil
	}

	proj, err := resolveProject(configArgs)
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

	eng := engine.NewEngine(provider.NewRegistry())

	var plan *ir.Plan
	if planFile != "" {
		saved, err := readPlanFile(planFile)
		if err != nil {
			return err
		}
		// Re-derive the plan from today's config and state; any drift in
		// actions means the saved plan no longer describes reality.
		fresh, err := eng.CreatePlanWithOptions(ctx, cfg, currentState, &engine.PlanOptions{
			Targets:   saved.Metadata.Targets,
			Destroy:   saved.Metadata.Destroy,
			Variables: saved.Metadata.Variables,
		})
		if err != nil {
			return err
		}
		if err := engine.VerifyPlan(saved, fresh); err != nil {
			return err
		}
		plan = saved
		fmt.Printf("Using saved plan from %s.\n", planFile)
	} else {
		fmt.Print("Calculating plan... ")
		plan, err = eng.CreatePlanWithOptions(ctx, cfg, currentState, &engine.PlanOptions{
			Targets:   applyTargets,
			Variables: applyVars,
		})
		if err != nil {
			fmt.Println("FAILED")
			return err
		}
		fmt.Println("OK")
	}

	if !plan.HasChanges() {
		fmt.Println("No changes. Infrastructure is up-to-date.")
		return nil
	}

	fmt.Println("\nGirder will perform the following actions:")
	renderPlanChanges(plan)
	renderPlanSummary(plan)

	// A saved plan was approved when it was written; only a freshly
	// computed plan needs confirmation.
	if planFile == "" && !applyAutoApprove {
		if !confirm("\nDo you want to perform these actions?") {
			fmt.Println("Apply cancelled.")
			return nil
		}
	}

	fmt.Printf("\nApplying %d change(s)...\n\n", len(plan.Changes))
	result, applyErr := eng.ApplyPlanWithOptions(ctx, cfg, plan, currentState, &engine.ApplyOptions{
		Variables:   plan.Metadata.Variables,
		Parallelism: applyParallelism,
		Callback:    printApplyEvent,
	})
	if result == nil {
		return applyErr
	}

	renderOutcomes(result)
	recordApplyAudit("apply", plan, result, applyErr)

	// Every realized change is already in the state; persist it even when
	// other nodes failed so nothing created goes untracked.
	if writeErr := backend.Write(ctx, currentState); writeErr != nil {
		if applyErr != nil {
			return fmt.Errorf("apply failed (%v) and the state could not be written: %w", applyErr, writeErr)
		}
		return fmt.Errorf("failed to write state: %w", writeErr)
	}

	if applyErr != nil {
		return fmt.Errorf("apply failed: %w", applyErr)
	}

	fmt.Printf("\nApply complete! Resources: %d added, %d changed, %d destroyed.\n",
		plan.Summary.Create+plan.Summary.Replace, plan.Summary.Update, plan.Summary.Delete)
	printStateOutputs(currentState)
	return nil
}

// printApplyEvent streams per-node progress as the scheduler works.
func printApplyEvent(ev engine.ApplyEvent) {
	switch ev.Status {
	case "started":
		fmt.Printf("%s: %s...\n", ev.Address, applyVerb(ev.Action))
	case "completed":
		fmt.Printf("%s%s: done in %s%s\n", colorize(colorGreen), ev.Address, ev.Duration.Round(timeRound), colorize(colorReset))
	case "failed":
		fmt.Printf("%s%s: failed: %v%s\n", colorize(colorRed), ev.Address, ev.Error, colorize(colorReset))
	case "skipped":
		fmt.Printf("%s%s: skipped: %v%s\n", colorize(colorYellow), ev.Address, ev.Error, colorize(colorReset))
	}
}

func applyVerb(a sdk.Action) string {
	switch a {
	case sdk.ActionCreate:
		return "creating"
	case sdk.ActionUpdate:
		return "updating"
	case sdk.ActionReplace:
		return "replacing"
	case sdk.ActionDelete:
		return "destroying"
	default:
		return "processing"
	}
}

// printStateOutputs shows the root outputs after a clean apply, masking
// sensitive values.
func printStateOutputs(st *ir.State) {
	if len(st.Outputs) == 0 {
		return
	}
	names := make([]string, 0, len(st.Outputs))
	for name := range st.Outputs {
		names = append(names, name)
	}
	fmt.Println("\nOutputs:")
	for _, name := range sortedStrings(names) {
		out := st.Outputs[name]
		if out.Sensitive {
			fmt.Printf("  %s = (sensitive value)\n", name)
			continue
		}
		fmt.Printf("  %s = %s\n", name, formatValue(out.Value))
	}
}

func recordApplyAudit(operation string, plan *ir.Plan, result *engine.ApplyResult, applyErr error) {
	entry := AuditEntry{
		Operation: operation,
		Summary: map[string]int{
			"realized": result.Realized,
			"failed":   result.Failed,
			"skipped":  result.Skipped,
		},
	}
	for _, change := range plan.Changes {
		entry.Changes = append(entry.Changes, AuditChange{Address: change.Address, Action: string(change.Action)})
	}
	if applyErr != nil {
		entry.Error = applyErr.Error()
	}
	writeAuditLog(entry)
}
