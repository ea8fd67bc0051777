package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var outputJSON bool

var outputCmd = &cobra.Command{
	Use:   "output [name]",
	Short: "Show output values from state",
	Long: `Reads output values from the state snapshot.

Without a name, all outputs are listed with sensitive values masked.
Naming an output prints its value directly. --json prints raw values for
downstream tooling.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runOutput,
}

func init() {
	outputCmd.Flags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
}

func runOutput(cmd *cobra.Command, args []string) error {
	proj, err := resolveProject(nil)
	if err != nil {
		return err
	}
	// The backend may be remote; the configuration names it.
	cfg, _ := proj.loadConfig()
	backend, err := proj.openBackend(cfg)
	if err != nil {
		return err
	}
	st, err := backend.Read(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	if len(args) > 0 {
		name := args[0]
		out, ok := st.Outputs[name]
		if !ok {
			return fmt.Errorf("output %q not found", name)
		}
		if outputJSON {
			data, err := json.Marshal(out.Value)
			if err != nil {
				return fmt.Errorf("failed to encode output: %w", err)
			}
			fmt.Println(string(data))
			return nil
		}
		fmt.Println(formatValue(out.Value))
		return nil
	}

	if len(st.Outputs) == 0 {
		fmt.Println("No outputs defined.")
		return nil
	}

	if outputJSON {
		values := make(map[string]any, len(st.Outputs))
		for name, out := range st.Outputs {
			values[name] = out.Value
		}
		data, err := json.MarshalIndent(values, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode outputs: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	names := make([]string, 0, len(st.Outputs))
	for name := range st.Outputs {
		names = append(names, name)
	}
	for _, name := range sortedStrings(names) {
		out := st.Outputs[name]
		if out.Sensitive {
			fmt.Printf("%s = (sensitive value)\n", name)
			continue
		}
		fmt.Printf("%s = %s\n", name, formatValue(out.Value))
	}
	return nil
}
