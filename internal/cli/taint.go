package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var taintCmd = &cobra.Command{
	Use:   "taint <address>",
	Short: "Mark a resource for recreation",
	Long: `Marks a resource as tainted. The next plan schedules it for destroy and
recreate even if its configuration did not change.`,
	Args: cobra.ExactArgs(1),
	RunE: runTaint,
}

var untaintCmd = &cobra.Command{
	Use:   "untaint <address>",
	Short: "Remove the taint from a resource",
	Long:  `Clears the taint mark so the resource is no longer forced to be recreated.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runUntaint,
}

func runTaint(cmd *cobra.Command, args []string) error {
	return setTainted(cmd, args[0], true)
}

func runUntaint(cmd *cobra.Command, args []string) error {
	return setTainted(cmd, args[0], false)
}

func setTainted(cmd *cobra.Command, target string, tainted bool) error {
	proj, err := resolveProject(nil)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	cfg, _ := proj.loadConfig()
	backend, err := proj.openBackend(cfg)
	if err != nil {
		return err
	}
	if err := backend.Lock(); err != nil {
		return err
	}
	defer backend.Unlock()

	st, err := backend.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	res := st.Resource(target)
	if res == nil {
		return fmt.Errorf("resource %s not found in state", target)
	}
	res.Tainted = tainted

	if err := backend.Write(ctx, st); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}

	operation := "untaint"
	if tainted {
		operation = "taint"
		fmt.Printf("Resource %s has been tainted. It will be recreated on the next apply.\n", target)
	} else {
		fmt.Printf("Resource %s has been untainted.\n", target)
	}
	writeAuditLog(AuditEntry{
		Operation: operation,
		Changes:   []AuditChange{{Address: target, Action: operation}},
	})
	return nil
}
