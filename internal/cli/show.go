package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/girder-io/girder/internal/ir"
	"github.com/girder-io/girder/internal/state"
)

var showJSON bool

var showCmd = &cobra.Command{
	Use:   "show [file]",
	Short: "Show the current state or a saved plan",
	Long: `Renders the current state snapshot in a human-readable form. With a
file argument, renders a saved plan or state file instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runShow,
}

func init() {
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Output in JSON format")
}

func runShow(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		return showFile(args[0])
	}

	backend, err := openStateBackend()
	if err != nil {
		return err
	}
	st, err := readState(cmd.Context(), backend)
	if err != nil {
		return err
	}
	return showState(st)
}

// showFile renders a saved document. A plan file carries a metadata block;
// anything else is treated as a state snapshot.
func showFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	var probe struct {
		Metadata *ir.PlanMetadata `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil && probe.Metadata != nil {
		plan, err := readPlanFile(path)
		if err != nil {
			return err
		}
		return showPlan(plan)
	}

	st, err := state.UnmarshalState(raw)
	if err != nil {
		return fmt.Errorf("%s is neither a girder plan nor a state file: %w", path, err)
	}
	return showState(st)
}

func showPlan(plan *ir.Plan) error {
	if showJSON {
		data, err := json.MarshalIndent(plan, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal plan: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	md := plan.Metadata
	fmt.Printf("Plan %s, created %s\n", md.ID, md.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Printf("Against state serial %d, lineage %s\n", md.StateSerial, md.Lineage)
	if md.Destroy {
		fmt.Println("Mode: destroy")
	}
	if len(md.Targets) > 0 {
		fmt.Printf("Targets: %s\n", strings.Join(md.Targets, ", "))
	}
	fmt.Println()

	if !plan.HasChanges() {
		fmt.Println("No changes. Infrastructure is up-to-date.")
		return nil
	}
	renderPlanChanges(plan)
	renderPlanSummary(plan)
	return nil
}

func showState(st *ir.State) error {
	if showJSON {
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal state: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("State: version=%d serial=%d lineage=%s\n", st.Version, st.Serial, st.Lineage)
	fmt.Printf("Resources: %d\n\n", len(st.Resources))

	for _, res := range st.Resources {
		fmt.Printf("# %s\n", res.Addr())
		fmt.Printf("  provider = %s\n", res.Provider)
		if res.Tainted {
			fmt.Println("  tainted  = true")
		}
		names := make([]string, 0, len(res.Outputs))
		for name := range res.Outputs {
			names = append(names, name)
		}
		for _, name := range sortedStrings(names) {
			fmt.Printf("  %s = %s\n", name, formatValue(res.Outputs[name]))
		}
		fmt.Println()
	}

	if len(st.Outputs) > 0 {
		fmt.Println("Outputs:")
		names := make([]string, 0, len(st.Outputs))
		for name := range st.Outputs {
			names = append(names, name)
		}
		for _, name := range sortedStrings(names) {
			out := st.Outputs[name]
			if out.Sensitive {
				fmt.Printf("  %s = (sensitive value)\n", name)
			} else {
				fmt.Printf("  %s = %s\n", name, formatValue(out.Value))
			}
		}
	}

	return nil
}
