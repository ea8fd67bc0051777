package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/girder-io/girder/internal/ir"
	"github.com/girder-io/girder/internal/state"
)

// girderDir is the per-project directory holding the state snapshot, the
// workspace marker, the audit log and policy files.
const girderDir = ".girder"

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Manage workspaces",
	Long: `Workspaces keep multiple distinct sets of infrastructure under the same
configuration. Each workspace has its own state file.

The default workspace is called "default". The GIRDER_WORKSPACE environment
variable overrides the selected workspace for a single shell.`,
}

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workspaces",
	RunE:  runWorkspaceList,
}

var workspaceNewCmd = &cobra.Command{
	Use:   "new <name>",
	Short: "Create a new workspace",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceNew,
}

var workspaceSelectCmd = &cobra.Command{
	Use:   "select <name>",
	Short: "Switch to another workspace",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceSelect,
}

var workspaceDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a workspace",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceDelete,
}

var workspaceShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current workspace name",
	RunE:  runWorkspaceShow,
}

func init() {
	workspaceCmd.AddCommand(workspaceListCmd)
	workspaceCmd.AddCommand(workspaceNewCmd)
	workspaceCmd.AddCommand(workspaceSelectCmd)
	workspaceCmd.AddCommand(workspaceDeleteCmd)
	workspaceCmd.AddCommand(workspaceShowCmd)
}

func workspaceMarker(root string) string {
	return filepath.Join(root, girderDir, "workspace")
}

// currentWorkspace returns the active workspace for the project at root.
// GIRDER_WORKSPACE wins over the marker file so CI jobs can pin a
// workspace without touching the project directory.
func currentWorkspace(root string) string {
	if ws := strings.TrimSpace(os.Getenv("GIRDER_WORKSPACE")); ws != "" {
		return ws
	}
	data, err := os.ReadFile(workspaceMarker(root))
	if err != nil {
		return "default"
	}
	ws := strings.TrimSpace(string(data))
	if ws == "" {
		return "default"
	}
	return ws
}

// WorkspaceStatePath returns the local state file for the active workspace.
func WorkspaceStatePath(root string) string {
	return workspaceStateFile(root, currentWorkspace(root))
}

func workspaceStateFile(root, name string) string {
	if name == "default" {
		return filepath.Join(root, girderDir, "state.json")
	}
	return filepath.Join(root, girderDir, fmt.Sprintf("state.%s.json", name))
}

func listWorkspaces(root string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(root, girderDir))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s directory: %w", girderDir, err)
	}

	workspaces := []string{"default"}
	seen := map[string]bool{"default": true}

	for _, entry := range entries {
		name := entry.Name()
		// state.<name>.json; the bare state.json is the default workspace.
		if name == "state.json" || !strings.HasPrefix(name, "state.") || !strings.HasSuffix(name, ".json") {
			continue
		}
		ws := strings.TrimSuffix(strings.TrimPrefix(name, "state."), ".json")
		if ws != "" && !seen[ws] {
			workspaces = append(workspaces, ws)
			seen[ws] = true
		}
	}

	return workspaces, nil
}

func runWorkspaceList(cmd *cobra.Command, args []string) error {
	proj, err := resolveProject(nil)
	if err != nil {
		return err
	}
	workspaces, err := listWorkspaces(proj.root)
	if err != nil {
		return err
	}

	current := currentWorkspace(proj.root)
	for _, ws := range workspaces {
		if ws == current {
			fmt.Printf("* %s\n", ws)
		} else {
			fmt.Printf("  %s\n", ws)
		}
	}
	return nil
}

func runWorkspaceNew(cmd *cobra.Command, args []string) error {
	name := args[0]
	if name == "default" {
		return fmt.Errorf("cannot create a workspace named %q, it always exists", name)
	}

	proj, err := resolveProject(nil)
	if err != nil {
		return err
	}
	statePath := workspaceStateFile(proj.root, name)
	if _, err := os.Stat(statePath); err == nil {
		return fmt.Errorf("workspace %q already exists", name)
	}

	if err := os.MkdirAll(filepath.Join(proj.root, girderDir), 0755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", girderDir, err)
	}

	// An empty snapshot at serial 0; the lineage is minted on the first
	// real write.
	raw, err := state.MarshalState(&ir.State{Version: ir.StateVersion})
	if err != nil {
		return err
	}
	if err := os.WriteFile(statePath, raw, 0644); err != nil {
		return fmt.Errorf("failed to create workspace state: %w", err)
	}

	if err := os.WriteFile(workspaceMarker(proj.root), []byte(name), 0644); err != nil {
		return fmt.Errorf("failed to switch workspace: %w", err)
	}

	fmt.Printf("Created and switched to workspace %q\n", name)
	return nil
}

func runWorkspaceSelect(cmd *cobra.Command, args []string) error {
	name := args[0]

	proj, err := resolveProject(nil)
	if err != nil {
		return err
	}
	if name != "default" {
		if _, err := os.Stat(workspaceStateFile(proj.root, name)); os.IsNotExist(err) {
			return fmt.Errorf("workspace %q does not exist", name)
		}
	}

	if err := os.MkdirAll(filepath.Join(proj.root, girderDir), 0755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", girderDir, err)
	}
	if err := os.WriteFile(workspaceMarker(proj.root), []byte(name), 0644); err != nil {
		return fmt.Errorf("failed to switch workspace: %w", err)
	}

	fmt.Printf("Switched to workspace %q\n", name)
	if env := os.Getenv("GIRDER_WORKSPACE"); env != "" && env != name {
		fmt.Printf("Note: GIRDER_WORKSPACE=%s still overrides the selection in this shell.\n", env)
	}
	return nil
}

func runWorkspaceDelete(cmd *cobra.Command, args []string) error {
	name := args[0]
	if name == "default" {
		return fmt.Errorf("cannot delete the default workspace")
	}

	proj, err := resolveProject(nil)
	if err != nil {
		return err
	}
	if currentWorkspace(proj.root) == name {
		return fmt.Errorf("cannot delete the active workspace %q, switch to another workspace first", name)
	}

	statePath := workspaceStateFile(proj.root, name)
	if _, err := os.Stat(statePath); os.IsNotExist(err) {
		return fmt.Errorf("workspace %q does not exist", name)
	}

	if err := os.Remove(statePath); err != nil {
		return fmt.Errorf("failed to delete workspace state: %w", err)
	}
	// A stale lock file would block recreating the workspace later.
	os.Remove(statePath + ".lock")

	fmt.Printf("Deleted workspace %q\n", name)
	return nil
}

func runWorkspaceShow(cmd *cobra.Command, args []string) error {
	proj, err := resolveProject(nil)
	if err != nil {
		return err
	}
	fmt.Println(currentWorkspace(proj.root))
	return nil
}
