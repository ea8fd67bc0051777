package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/girder-io/girder/internal/ir"
	"github.com/girder-io/girder/internal/state"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and modify the state snapshot",
	Long:  `Commands for listing, inspecting and surgically editing the state.`,
}

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resources in state",
	RunE:  runStateList,
}

var stateShowCmd = &cobra.Command{
	Use:   "show <address>",
	Short: "Show the recorded form of a single resource",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateShow,
}

var stateMvCmd = &cobra.Command{
	Use:   "mv <source> <destination>",
	Short: "Move a resource to a new address",
	Long: `Renames a resource in the state without touching the real
infrastructure. Update the configuration to the new address before the
next plan, or it will schedule a create and a delete.`,
	Args: cobra.ExactArgs(2),
	RunE: runStateMv,
}

var stateRmCmd = &cobra.Command{
	Use:   "rm <address>",
	Short: "Remove a resource from state (does not destroy it)",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateRm,
}

func init() {
	stateCmd.AddCommand(stateListCmd)
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateMvCmd)
	stateCmd.AddCommand(stateRmCmd)
}

// openStateBackend resolves the backend for state surgery commands. The
// configuration is optional; without one the local workspace file is used.
func openStateBackend() (state.Backend, error) {
	proj, err := resolveProject(nil)
	if err != nil {
		return nil, err
	}
	cfg, _ := proj.loadConfig()
	return proj.openBackend(cfg)
}

func readState(ctx context.Context, backend state.Backend) (*ir.State, error) {
	st, err := backend.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	return st, nil
}

func runStateList(cmd *cobra.Command, args []string) error {
	backend, err := openStateBackend()
	if err != nil {
		return err
	}
	st, err := readState(cmd.Context(), backend)
	if err != nil {
		return err
	}

	if len(st.Resources) == 0 {
		fmt.Println("No resources in state.")
		return nil
	}

	fmt.Printf("State version: %d, serial: %d, lineage: %s\n\n", st.Version, st.Serial, st.Lineage)
	for _, res := range st.Resources {
		line := fmt.Sprintf("  %s (provider: %s)", res.Addr(), res.Provider)
		if res.Tainted {
			line += " [tainted]"
		}
		fmt.Println(line)
	}
	fmt.Printf("\nTotal: %d resource(s)\n", len(st.Resources))
	return nil
}

func runStateShow(cmd *cobra.Command, args []string) error {
	backend, err := openStateBackend()
	if err != nil {
		return err
	}
	st, err := readState(cmd.Context(), backend)
	if err != nil {
		return err
	}

	target := args[0]
	res := st.Resource(target)
	if res == nil {
		return fmt.Errorf("resource %s not found in state", target)
	}

	fmt.Printf("# %s\n", res.Addr())
	fmt.Printf("  provider = %s\n", res.Provider)
	fmt.Printf("  status   = %s\n", res.Status)
	if res.Tainted {
		fmt.Println("  tainted  = true")
	}
	if len(res.Dependencies) > 0 {
		fmt.Printf("  depends  = %s\n", strings.Join(res.Dependencies, ", "))
	}
	if len(res.Inputs) > 0 {
		fmt.Println("\n  Inputs:")
		renderAttrMap(res.Inputs)
	}
	if len(res.Outputs) > 0 {
		fmt.Println("\n  Outputs:")
		renderAttrMap(res.Outputs)
	}
	if res.InputsHash != "" {
		fmt.Printf("\n  inputs_hash = %s\n", res.InputsHash)
	}
	return nil
}

func renderAttrMap(attrs map[string]any) {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	for _, name := range sortedStrings(names) {
		fmt.Printf("    %s = %s\n", name, formatValue(attrs[name]))
	}
}

func runStateMv(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	backend, err := openStateBackend()
	if err != nil {
		return err
	}
	if err := backend.Lock(); err != nil {
		return err
	}
	defer backend.Unlock()

	st, err := readState(ctx, backend)
	if err != nil {
		return err
	}

	src, dst := args[0], args[1]
	res := st.Resource(src)
	if res == nil {
		return fmt.Errorf("resource %s not found in state", src)
	}
	if st.Resource(dst) != nil {
		return fmt.Errorf("resource %s already exists in state", dst)
	}

	parts := strings.SplitN(dst, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("invalid destination address %q, expected type.name", dst)
	}
	res.Type = parts[0]
	res.Name = parts[1]

	// Dependency edges recorded in other entries still name the old
	// address; rewrite them so destroy ordering stays correct.
	for _, other := range st.Resources {
		for i, dep := range other.Dependencies {
			if dep == src {
				other.Dependencies[i] = dst
			}
		}
	}

	if err := backend.Write(ctx, st); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}

	writeAuditLog(AuditEntry{
		Operation: "state.mv",
		Changes:   []AuditChange{{Address: src, Action: "moved to " + dst}},
	})
	fmt.Printf("Moved %s to %s\n", src, dst)
	return nil
}

func runStateRm(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	backend, err := openStateBackend()
	if err != nil {
		return err
	}
	if err := backend.Lock(); err != nil {
		return err
	}
	defer backend.Unlock()

	st, err := readState(ctx, backend)
	if err != nil {
		return err
	}

	target := args[0]
	if st.Resource(target) == nil {
		return fmt.Errorf("resource %s not found in state", target)
	}
	st.RemoveResource(target)

	if err := backend.Write(ctx, st); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}

	writeAuditLog(AuditEntry{
		Operation: "state.rm",
		Changes:   []AuditChange{{Address: target, Action: "removed"}},
	})
	fmt.Printf("Removed %s from state (the resource itself was not destroyed)\n", target)
	return nil
}
