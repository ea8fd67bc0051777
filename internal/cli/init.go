package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Initialize a girder project",
	Long: `Creates the .girder metadata directory, scaffolds a starter main.hcl
when none exists, and verifies the configured state backend is usable.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

const starterConfig = `# Girder configuration.
# Run "girder plan" to preview changes and "girder apply" to make them.

variable "project" {
  type        = string
  description = "Cloud project the resources belong to"
}

# provider "gcp" {
#   project = var.project
#   region  = "europe-west1"
# }

# resource "gcp_network" "vpc" {
#   name = "main"
# }

# output "network_id" {
#   value = gcp_network.vpc.id
# }
`

func runInit(cmd *cobra.Command, args []string) error {
	proj, err := resolveProject(args)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Join(proj.root, girderDir), 0755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", girderDir, err)
	}

	mainPath := filepath.Join(proj.root, "main.hcl")
	if _, err := os.Stat(mainPath); os.IsNotExist(err) {
		if err := os.WriteFile(mainPath, []byte(starterConfig), 0644); err != nil {
			return fmt.Errorf("failed to create %s: %w", mainPath, err)
		}
		fmt.Printf("Created %s\n", mainPath)
	}

	// An existing configuration may name a remote backend; building it
	// validates the settings before the first plan does.
	if cfg, err := proj.loadConfig(); err == nil && cfg.Backend != nil {
		if _, err := proj.openBackend(cfg); err != nil {
			return fmt.Errorf("backend %q is not usable: %w", cfg.Backend.Type, err)
		}
		fmt.Printf("Backend %q configured.\n", cfg.Backend.Type)
	}

	fmt.Println("\nGirder initialized.")
	fmt.Println("Next steps:")
	fmt.Println("  1. Edit main.hcl to declare your infrastructure")
	fmt.Println("  2. Run 'girder plan' to see what would change")
	fmt.Println("  3. Run 'girder apply' to make it so")
	return nil
}
