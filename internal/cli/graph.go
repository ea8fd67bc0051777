package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/girder-io/girder/internal/engine"
	"github.com/girder-io/girder/internal/eval"
)

var graphVars map[string]string

var graphCmd = &cobra.Command{
	Use:   "graph [dir]",
	Short: "Output the dependency graph in DOT format",
	Long: `Renders the resource dependency graph in Graphviz DOT format. Pipe the
output to 'dot' to produce an image:

  girder graph | dot -Tpng > graph.png`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGraph,
}

func init() {
	graphCmd.Flags().StringToStringVar(&graphVars, "var", nil, "Set a variable value (format: name=value)")
}

func runGraph(cmd *cobra.Command, args []string) error {
	proj, err := resolveProject(args)
	if err != nil {
		return err
	}
	cfg, err := proj.loadConfig()
	if err != nil {
		return err
	}
	vars, err := eval.VariableValues(cfg, graphVars)
	if err != nil {
		return err
	}
	expanded, err := engine.ExpandResources(cfg.Resources, eval.BaseContext(vars))
	if err != nil {
		return err
	}
	dag, err := engine.BuildDAG(expanded)
	if err != nil {
		return err
	}

	fmt.Println("digraph girder {")
	fmt.Println("  rankdir = \"BT\";")
	fmt.Println("  node [shape = rect];")
	fmt.Println()
	for _, res := range expanded {
		fmt.Printf("  %q;\n", res.Addr())
	}
	fmt.Println()
	for _, res := range expanded {
		for _, dep := range dag.Dependencies(res.Addr()) {
			fmt.Printf("  %q -> %q;\n", res.Addr(), dep)
		}
	}
	fmt.Println("}")
	return nil
}
