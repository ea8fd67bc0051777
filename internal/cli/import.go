package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/girder-io/girder/internal/ir"
	"github.com/girder-io/girder/internal/provider"
	"github.com/girder-io/girder/pkg/sdk"
)

var importCmd = &cobra.Command{
	Use:   "import <address> <id>",
	Short: "Import existing infrastructure into state",
	Long: `Adopts an already existing resource into the state so girder manages
it going forward. No configuration is generated; write the matching
resource block before the next plan or it will be scheduled for deletion.

Example:
  girder import gcp_storage_bucket.artifacts my-artifacts-bucket`,
	Args: cobra.ExactArgs(2),
	RunE: runImport,
}

func runImport(cmd *cobra.Command, args []string) error {
	addr, cloudID := args[0], args[1]

	parts := strings.SplitN(addr, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("invalid resource address %q, expected type.name", addr)
	}
	resourceType, resourceName := parts[0], parts[1]

	// The type prefix names the owning provider: gcp_network -> gcp.
	providerName := resourceType
	if i := strings.Index(resourceType, "_"); i > 0 {
		providerName = resourceType[:i]
	}

	ctx := cmd.Context()
	proj, err := resolveProject(nil)
	if err != nil {
		return err
	}
	cfg, _ := proj.loadConfig()
	backend, err := proj.openBackend(cfg)
	if err != nil {
		return err
	}
	if err := backend.Lock(); err != nil {
		return fmt.Errorf("failed to acquire state lock: %w", err)
	}
	defer backend.Unlock()

	st, err := readState(ctx, backend)
	if err != nil {
		return err
	}
	if st.Resource(addr) != nil {
		return fmt.Errorf("resource %s already exists in state", addr)
	}

	registry := provider.NewRegistry()
	if err := configureProvider(ctx, registry, cfg, providerBaseContext(cfg), providerName); err != nil {
		return err
	}
	prov, err := registry.Get(providerName)
	if err != nil {
		return err
	}

	fmt.Printf("Importing %s (id: %s)...\n", addr, cloudID)

	// Providers locate a resource by the identity recorded in its outputs;
	// seed both conventions from the given id.
	seed, err := json.Marshal(map[string]any{"id": cloudID, "name": cloudID})
	if err != nil {
		return err
	}
	resp, err := prov.Read(ctx, &sdk.ReadRequest{
		Type:      resourceType,
		Name:      resourceName,
		StateJSON: seed,
	})
	if err != nil {
		return fmt.Errorf("failed to read resource from provider: %w", err)
	}
	if !resp.Exists {
		return fmt.Errorf("resource %s with id %s does not exist", resourceType, cloudID)
	}

	var outputs map[string]any
	if len(resp.StateJSON) > 0 {
		if err := json.Unmarshal(resp.StateJSON, &outputs); err != nil {
			return fmt.Errorf("failed to parse provider response: %w", err)
		}
	}

	st.PutResource(&ir.ResourceState{
		Type:     resourceType,
		Name:     resourceName,
		Provider: providerName,
		Status:   ir.StatusRealized,
		Inputs:   map[string]any{},
		Outputs:  outputs,
	})

	if err := backend.Write(ctx, st); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}

	writeAuditLog(AuditEntry{
		Operation: "import",
		Changes:   []AuditChange{{Address: addr, Action: "imported " + cloudID}},
	})
	fmt.Printf("Successfully imported %s\n", addr)
	fmt.Println("Note: write the matching resource block, or the next plan will schedule a delete.")
	return nil
}
