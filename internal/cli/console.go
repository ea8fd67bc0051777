package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/spf13/cobra"

	"github.com/girder-io/girder/internal/eval"
	"github.com/girder-io/girder/internal/ir"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive console for evaluating expressions",
	Long: `Opens an interactive console that evaluates expressions against the
current state and configuration.

Expressions use the configuration language:
  var.project
  gcp_network.main.self_link
  "gs://${gcp_storage_bucket.artifacts.name}/models"

Type 'exit' or 'quit' to leave.`,
	RunE: runConsole,
}

func runConsole(cmd *cobra.Command, args []string) error {
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
	st, err := readState(ctx, backend)
	if err != nil {
		return err
	}

	evalCtx, err := consoleContext(cfg, st)
	if err != nil {
		return err
	}

	fmt.Println("girder console (type 'exit' to quit)")
	fmt.Printf("State: %d resource(s), serial %d\n", len(st.Resources), st.Serial)
	if cfg != nil {
		fmt.Printf("Config: %d resource(s) declared\n", len(cfg.Resources))
	}
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("girder> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		result, err := evalConsoleExpression(line, evalCtx)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		fmt.Println(result)
	}
	return scanner.Err()
}

// consoleContext builds the evaluation scope: variable values from the
// configuration, resource values from the recorded outputs.
func consoleContext(cfg *ir.Config, st *ir.State) (*hcl.EvalContext, error) {
	base := providerBaseContext(cfg)

	scope := eval.NewResourceScope()
	for _, res := range st.Resources {
		if err := scope.SetKnown(res.Type, res.Name, res.Outputs); err != nil {
			return nil, err
		}
	}
	return scope.Context(base), nil
}

func evalConsoleExpression(src string, ctx *hcl.EvalContext) (string, error) {
	expr, diags := hclsyntax.ParseExpression([]byte(src), "<console>", hcl.InitialPos)
	if diags.HasErrors() {
		return "", diags
	}
	val, diags := expr.Value(ctx)
	if diags.HasErrors() {
		return "", diags
	}
	gv, err := eval.CtyToGo(val)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(gv, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
