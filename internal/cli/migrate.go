package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/girder-io/girder/internal/ir"
	"github.com/girder-io/girder/internal/state"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [tf-dir-or-state]",
	Short: "Migrate Terraform state to girder",
	Long: `Converts a Terraform state file into a girder state snapshot.

The conversion is best-effort: resources keep their recorded attributes as
outputs, but the matching configuration must still be written by hand. Run
'girder plan' afterwards; a correct configuration plans no changes.

Example:
  girder migrate .
  girder migrate /path/to/terraform.tfstate`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMigrate,
}

// TerraformState is the subset of the Terraform state document the
// migration reads.
type TerraformState struct {
	Version          int                 `json:"version"`
	TerraformVersion string              `json:"terraform_version"`
	Serial           uint64              `json:"serial"`
	Lineage          string              `json:"lineage"`
	Outputs          map[string]TFOutput `json:"outputs"`
	Resources        []TFResource        `json:"resources"`
}

type TFOutput struct {
	Value     any  `json:"value"`
	Sensitive bool `json:"sensitive"`
}

type TFResource struct {
	Module    string       `json:"module"`
	Mode      string       `json:"mode"` // "managed" or "data"
	Type      string       `json:"type"`
	Name      string       `json:"name"`
	Provider  string       `json:"provider"`
	Instances []TFInstance `json:"instances"`
}

type TFInstance struct {
	IndexKey     any            `json:"index_key"`
	Attributes   map[string]any `json:"attributes"`
	Dependencies []string       `json:"dependencies"`
}

func runMigrate(cmd *cobra.Command, args []string) error {
	source := "."
	if len(args) > 0 {
		source = args[0]
	}
	statePath := source
	if info, err := os.Stat(source); err == nil && info.IsDir() {
		statePath = filepath.Join(source, "terraform.tfstate")
	}

	data, err := os.ReadFile(statePath)
	if err != nil {
		return fmt.Errorf("failed to read terraform state from %s: %w", statePath, err)
	}

	var tfState TerraformState
	if err := json.Unmarshal(data, &tfState); err != nil {
		return fmt.Errorf("failed to parse terraform state: %w", err)
	}

	fmt.Printf("Found Terraform state: version=%d serial=%d lineage=%s\n",
		tfState.Version, tfState.Serial, tfState.Lineage)
	fmt.Printf("Resources: %d\n", len(tfState.Resources))

	proj, err := resolveProject(nil)
	if err != nil {
		return err
	}
	outPath := WorkspaceStatePath(proj.root)
	if _, err := os.Stat(outPath); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite it", outPath)
	}

	st := &ir.State{
		Version: ir.StateVersion,
		Serial:  tfState.Serial,
		Lineage: tfState.Lineage,
		Outputs: map[string]*ir.OutputState{},
	}
	for name, out := range tfState.Outputs {
		st.Outputs[name] = &ir.OutputState{Value: out.Value, Sensitive: out.Sensitive}
	}

	converted, skipped := 0, 0
	for _, res := range tfState.Resources {
		if res.Mode != "managed" {
			skipped += len(res.Instances)
			continue
		}
		providerName := mapTFProvider(res.Provider)
		resourceType := mapTFResourceType(res.Type)
		for _, inst := range res.Instances {
			entry := &ir.ResourceState{
				Type:     resourceType,
				Name:     tfInstanceName(res.Name, inst.IndexKey),
				Provider: providerName,
				Status:   ir.StatusRealized,
				Inputs:   map[string]any{},
				Outputs:  inst.Attributes,
			}
			for _, dep := range inst.Dependencies {
				entry.Dependencies = append(entry.Dependencies, mapTFAddress(dep))
			}
			st.PutResource(entry)
			converted++
		}
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", girderDir, err)
	}
	raw, err := state.MarshalState(st)
	if err != nil {
		return err
	}
	if err := os.WriteFile(outPath, raw, 0600); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}

	writeAuditLog(AuditEntry{
		Operation: "migrate",
		Summary:   map[string]int{"converted": converted, "skipped": skipped},
	})

	fmt.Printf("\nMigration complete! Converted %d resource(s) to %s\n", converted, outPath)
	if skipped > 0 {
		fmt.Printf("Skipped %d data source instance(s); girder does not manage them.\n", skipped)
	}
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Write the matching resource blocks in main.hcl")
	fmt.Println("  2. Run 'girder plan' to verify no changes are needed")
	fmt.Println("  3. If the plan shows changes, adjust the configuration to match")
	return nil
}

// tfInstanceName renders the girder instance name for a Terraform index
// key: count indexes as name[0], for_each keys as name["key"].
func tfInstanceName(base string, key any) string {
	switch k := key.(type) {
	case nil:
		return base
	case string:
		return fmt.Sprintf("%s[%q]", base, k)
	case float64:
		return fmt.Sprintf("%s[%d]", base, int(k))
	default:
		return fmt.Sprintf("%s[%v]", base, k)
	}
}

// mapTFProvider maps a Terraform provider address to the girder provider
// name: provider["registry.terraform.io/hashicorp/google"] -> gcp.
func mapTFProvider(tfProvider string) string {
	parts := strings.Split(tfProvider, "/")
	name := parts[len(parts)-1]
	name = strings.Trim(name, "[]\"")
	switch name {
	case "google", "google-beta":
		return "gcp"
	default:
		return name
	}
}

// tfTypeMap covers the resource kinds the builtin providers implement.
var tfTypeMap = map[string]string{
	"google_compute_network":          "gcp_network",
	"google_compute_subnetwork":       "gcp_subnetwork",
	"google_container_cluster":        "gcp_gke_cluster",
	"google_sql_database_instance":    "gcp_sql_instance",
	"google_storage_bucket":           "gcp_storage_bucket",
	"google_service_account":          "gcp_service_account",
	"google_cloudbuild_trigger":       "gcp_build_trigger",
	"google_cloudfunctions_function":  "gcp_cloud_function",
	"google_cloudfunctions2_function": "gcp_cloud_function",
	"google_vertex_ai_endpoint":       "gcp_vertex_endpoint",
	"null_resource":                   "null_resource",
	"docker_container":                "docker_container",
	"docker_image":                    "docker_image",
	"docker_network":                  "docker_network",
	"docker_volume":                   "docker_volume",
}

// mapTFResourceType maps a Terraform resource type to the girder kind, or
// keeps it verbatim when no builtin provider covers it.
func mapTFResourceType(tfType string) string {
	if mapped, ok := tfTypeMap[tfType]; ok {
		return mapped
	}
	return tfType
}

// mapTFAddress rewrites one dependency address through the type mapping.
func mapTFAddress(addr string) string {
	parts := strings.SplitN(addr, ".", 2)
	if len(parts) != 2 {
		return addr
	}
	return mapTFResourceType(parts[0]) + "." + parts[1]
}
