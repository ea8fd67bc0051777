package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/girder-io/girder/internal/ir"
	"github.com/girder-io/girder/internal/provider"
	"github.com/girder-io/girder/pkg/sdk"
)

var refreshParallelism int

var refreshCmd = &cobra.Command{
	Use:   "refresh [dir]",
	Short: "Update state to match real infrastructure",
	Long: `Reads every managed resource back from its provider and updates the
snapshot to reflect what actually exists.

Resources that changed outside girder are recorded as drifted; the next
plan proposes the operations that bring them back in line. Resources that
vanished are dropped from the state.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRefresh,
}

func init() {
	refreshCmd.Flags().IntVar(&refreshParallelism, "parallelism", 8, "Maximum number of concurrent reads")
}

// refreshOutcome is the result of reading one resource back.
type refreshOutcome struct {
	exists  bool
	err     error
	outputs map[string]any
}

func runRefresh(cmd *cobra.Command, args []string) error {
	proj, err := resolveProject(args)
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

	fmt.Print("Reading state... ")
	currentState, err := backend.Read(ctx)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("failed to read state: %w", err)
	}
	fmt.Println("OK")

	if len(currentState.Resources) == 0 {
		fmt.Println("No resources to refresh.")
		return nil
	}

	registry := provider.NewRegistry()
	if err := loadStateProviders(registry, currentState); err != nil {
		return err
	}
	if err := configureProvidersFromConfig(ctx, registry, cfg, currentState); err != nil {
		return err
	}

	fmt.Printf("Refreshing %d resource(s)...\n\n", len(currentState.Resources))

	// Each resource is read independently; the outcomes land in a slice
	// indexed by position so no locking is needed.
	outcomes := make([]refreshOutcome, len(currentState.Resources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshParallelism)
	for i, res := range currentState.Resources {
		g.Go(func() error {
			outcomes[i] = readResource(gctx, registry, res)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	drifted, deleted := 0, 0
	kept := make([]*ir.ResourceState, 0, len(currentState.Resources))
	for i, res := range currentState.Resources {
		outcome := outcomes[i]
		addr := res.Addr()
		switch {
		case outcome.err != nil:
			fmt.Printf("  %s: ERROR (%v)\n", addr, outcome.err)
			kept = append(kept, res)
		case !outcome.exists:
			fmt.Printf("  %s%s: DELETED (no longer exists)%s\n", colorize(colorRed), addr, colorize(colorReset))
			deleted++
		case outcome.outputs != nil && !reflect.DeepEqual(outcome.outputs, res.Outputs):
			fmt.Printf("  %s%s: DRIFTED%s\n", colorize(colorYellow), addr, colorize(colorReset))
			applyDrift(res, outcome.outputs)
			drifted++
			kept = append(kept, res)
		default:
			fmt.Printf("  %s: OK\n", addr)
			kept = append(kept, res)
		}
	}

	if drifted > 0 || deleted > 0 {
		currentState.Resources = kept
		if err := backend.Write(ctx, currentState); err != nil {
			return fmt.Errorf("failed to write state: %w", err)
		}
	}

	fmt.Printf("\nRefresh complete. %d drifted, %d deleted.\n", drifted, deleted)
	return nil
}

func readResource(ctx context.Context, registry *provider.Registry, res *ir.ResourceState) refreshOutcome {
	prov, err := registry.Get(res.Provider)
	if err != nil {
		return refreshOutcome{err: err}
	}

	var stateJSON []byte
	if res.Outputs != nil {
		if stateJSON, err = json.Marshal(res.Outputs); err != nil {
			return refreshOutcome{err: err}
		}
	}

	resp, err := prov.Read(ctx, &sdk.ReadRequest{
		Type:      res.Type,
		Name:      res.Name,
		StateJSON: stateJSON,
	})
	if err != nil {
		return refreshOutcome{err: err}
	}
	if !resp.Exists {
		return refreshOutcome{exists: false}
	}

	outcome := refreshOutcome{exists: true}
	if len(resp.StateJSON) > 0 {
		if err := json.Unmarshal(resp.StateJSON, &outcome.outputs); err != nil {
			return refreshOutcome{err: fmt.Errorf("provider returned invalid state: %w", err)}
		}
	}
	return outcome
}

// applyDrift folds the live values into the recorded entry. Outputs take
// the live values wholesale; inputs take them only for attributes the
// configuration set, so the next plan diffs against reality.
func applyDrift(res *ir.ResourceState, live map[string]any) {
	res.Outputs = live
	for attr, val := range live {
		if _, declared := res.Inputs[attr]; declared {
			res.Inputs[attr] = val
		}
	}
}
