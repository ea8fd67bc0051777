package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"

	"github.com/girder-io/girder/internal/engine"
	"github.com/girder-io/girder/internal/eval"
	"github.com/girder-io/girder/internal/ir"
	"github.com/girder-io/girder/internal/provider"
	"github.com/girder-io/girder/internal/state"
	"github.com/girder-io/girder/pkg/sdk"
)

// project is the resolved working context of a command invocation: where
// the configuration lives and where the .girder directory sits.
type project struct {
	root       string // directory holding .girder/
	configPath string // directory or single .hcl file for the evaluator
}

// resolveProject interprets the optional positional argument as a
// configuration directory or a single .hcl file. Without one, the current
// directory is the project.
func resolveProject(args []string) (*project, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	p := &project{root: wd, configPath: wd}

	if len(args) > 0 {
		absPath, err := filepath.Abs(args[0])
		if err != nil {
			return nil, fmt.Errorf("failed to resolve path %s: %w", args[0], err)
		}
		info, err := os.Stat(absPath)
		if err != nil {
			return nil, fmt.Errorf("failed to stat path %s: %w", args[0], err)
		}
		if info.IsDir() {
			p.root = absPath
			p.configPath = absPath
		} else {
			p.root = filepath.Dir(absPath)
			p.configPath = absPath
		}
	}
	return p, nil
}

// loadConfig parses the project's configuration.
func (p *project) loadConfig() (*ir.Config, error) {
	cfg, err := eval.NewEvaluator(p.configPath).LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// openBackend builds the state backend the configuration names, or the
// local workspace file when no backend block is present. cfg may be nil
// for commands that operate on state without a configuration.
func (p *project) openBackend(cfg *ir.Config) (state.Backend, error) {
	var backendCfg *ir.Backend
	if cfg != nil {
		backendCfg = cfg.Backend
	}
	return state.NewBackend(backendCfg, p.statePath())
}

func (p *project) statePath() string {
	return WorkspaceStatePath(p.root)
}

// loadRequiredProviders loads every provider referenced by a declared
// resource.
func loadRequiredProviders(registry *provider.Registry, cfg *ir.Config) error {
	seen := make(map[string]bool)
	for _, res := range cfg.Resources {
		if res.Provider != "" && !seen[res.Provider] {
			seen[res.Provider] = true
			if err := registry.LoadProvider(res.Provider); err != nil {
				return fmt.Errorf("failed to load provider %s: %w", res.Provider, err)
			}
		}
	}
	return nil
}

// loadStateProviders loads every provider referenced by a state entry, so
// resources dropped from the configuration can still be destroyed or read.
func loadStateProviders(registry *provider.Registry, st *ir.State) error {
	seen := make(map[string]bool)
	for _, res := range st.Resources {
		if res.Provider != "" && !seen[res.Provider] {
			seen[res.Provider] = true
			if err := registry.LoadProvider(res.Provider); err != nil {
				return fmt.Errorf("failed to load provider %s: %w", res.Provider, err)
			}
		}
	}
	return nil
}

// configureProvidersFromConfig loads and configures every provider
// referenced by the state or the configuration. Providers with a
// provider block get its evaluated arguments; the rest get an empty
// document. Used by commands that call providers directly instead of
// going through the engine.
func configureProvidersFromConfig(ctx context.Context, registry *provider.Registry, cfg *ir.Config, st *ir.State) error {
	names := map[string]bool{}
	if st != nil {
		for _, rs := range st.Resources {
			names[rs.Provider] = true
		}
	}
	if cfg != nil {
		for _, res := range cfg.Resources {
			names[res.Provider] = true
		}
	}

	baseCtx := providerBaseContext(cfg)

	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	for _, name := range sorted {
		if err := configureProvider(ctx, registry, cfg, baseCtx, name); err != nil {
			return err
		}
	}
	return nil
}

// providerBaseContext builds the evaluation context provider blocks see.
// Variable resolution is best-effort; a provider block referencing an
// unresolvable variable fails later, at its own evaluation.
func providerBaseContext(cfg *ir.Config) *hcl.EvalContext {
	if cfg != nil {
		if vars, err := eval.VariableValues(cfg, nil); err == nil {
			return eval.BaseContext(vars)
		}
	}
	return eval.BaseContext(nil)
}

// configureProvider loads one provider and hands it its evaluated provider
// block, or an empty document when none is declared.
func configureProvider(ctx context.Context, registry *provider.Registry, cfg *ir.Config, baseCtx *hcl.EvalContext, name string) error {
	if err := registry.LoadProvider(name); err != nil {
		return fmt.Errorf("failed to load provider %s: %w", name, err)
	}
	prov, err := registry.Get(name)
	if err != nil {
		return err
	}
	configJSON := []byte("{}")
	if pc := findProviderConfig(cfg, name); pc != nil {
		configJSON, err = eval.EvalProviderConfig(pc, baseCtx)
		if err != nil {
			return err
		}
	}
	resp, err := prov.Configure(ctx, &sdk.ConfigureRequest{ConfigJSON: configJSON})
	if err != nil {
		return fmt.Errorf("failed to configure provider %s: %w", name, err)
	}
	if err := sdk.DiagnosticsError(resp.Diagnostics); err != nil {
		return fmt.Errorf("failed to configure provider %s: %w", name, err)
	}
	return nil
}

func findProviderConfig(cfg *ir.Config, name string) *ir.ProviderConfig {
	if cfg == nil {
		return nil
	}
	for _, pc := range cfg.Providers {
		if pc.Name == name {
			return pc
		}
	}
	return nil
}

// confirm prompts on stdout and reads a y/yes answer from stdin.
func confirm(prompt string) bool {
	fmt.Printf("%s (y/n): ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// colorize returns the ANSI code, or nothing when color is disabled.
func colorize(code string) string {
	if noColor {
		return ""
	}
	return code
}

const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"

	timeRound = 10 * time.Millisecond
)

func actionSymbol(a sdk.Action) string {
	switch a {
	case sdk.ActionCreate:
		return "+"
	case sdk.ActionDelete:
		return "-"
	case sdk.ActionReplace:
		return "-/+"
	case sdk.ActionNoOp:
		return " "
	default:
		return "~"
	}
}

func actionColor(a sdk.Action) string {
	switch a {
	case sdk.ActionCreate:
		return colorize(colorGreen)
	case sdk.ActionDelete:
		return colorize(colorRed)
	case sdk.ActionUpdate, sdk.ActionReplace:
		return colorize(colorYellow)
	default:
		return ""
	}
}

func actionPhrase(a sdk.Action) string {
	switch a {
	case sdk.ActionCreate:
		return "will be created"
	case sdk.ActionUpdate:
		return "will be updated in-place"
	case sdk.ActionReplace:
		return "must be replaced"
	case sdk.ActionDelete:
		return "will be destroyed"
	default:
		return "will not change"
	}
}

// renderPlanChanges prints the detailed change list for a plan.
func renderPlanChanges(plan *ir.Plan) {
	for _, change := range plan.Changes {
		color := actionColor(change.Action)
		reset := colorize(colorReset)

		header := fmt.Sprintf("%s %s", change.Address, actionPhrase(change.Action))
		if change.Reason != "" {
			header += fmt.Sprintf(" (%s)", change.Reason)
		}
		fmt.Printf("\n%s  # %s%s\n", color, header, reset)
		fmt.Printf("%s  %s resource \"%s\" \"%s\" {%s\n", color, actionSymbol(change.Action), change.Type, change.Name, reset)
		renderAttributeDiffs(change)
		fmt.Printf("%s    }%s\n", color, reset)
	}
}

// renderAttributeDiffs prints one line per attribute transition, in
// attribute name order.
func renderAttributeDiffs(change *ir.ResourceChange) {
	keys := make([]string, 0, len(change.Diff))
	for k := range change.Diff {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	reset := colorize(colorReset)
	for _, key := range keys {
		d := change.Diff[key]
		note := ""
		if d.ForcesReplacement && change.Action == sdk.ActionReplace {
			note = " # forces replacement"
		}
		switch {
		case d.Before == nil && !hasBefore(change, key):
			fmt.Printf("%s      + %s = %s%s%s\n", colorize(colorGreen), key, diffValue(d, d.After), note, reset)
		case change.Action == sdk.ActionDelete:
			fmt.Printf("%s      - %s = %s%s\n", colorize(colorRed), key, diffValue(d, d.Before), reset)
		default:
			fmt.Printf("%s      ~ %s = %s -> %s%s%s\n", colorize(colorYellow), key, diffValue(d, d.Before), diffValue(d, d.After), note, reset)
		}
	}
}

// hasBefore reports whether the prior inputs carried the attribute at all,
// distinguishing a newly set attribute from one changing to a value.
func hasBefore(change *ir.ResourceChange, key string) bool {
	if change.Prior == nil {
		return false
	}
	_, ok := change.Prior[key]
	return ok
}

// diffValue renders one side of a transition, masking sensitive values and
// naming values that only exist after apply.
func diffValue(d *ir.AttributeDiff, v any) string {
	if d.Sensitive {
		return "(sensitive value)"
	}
	if d.Unknown && v == nil {
		return "(known after apply)"
	}
	return formatValue(v)
}

func sortedStrings(s []string) []string {
	sort.Strings(s)
	return s
}

// formatValue returns a human-readable representation of a value.
func formatValue(v any) string {
	if v == nil {
		return "null"
	}
	switch val := v.(type) {
	case string:
		return fmt.Sprintf("%q", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// renderPlanSummary prints the plan summary counts.
func renderPlanSummary(plan *ir.Plan) {
	fmt.Println("\nPlan summary:")
	fmt.Printf("  Create:  %d\n", plan.Summary.Create)
	fmt.Printf("  Update:  %d\n", plan.Summary.Update)
	fmt.Printf("  Delete:  %d\n", plan.Summary.Delete)
	fmt.Printf("  Replace: %d\n", plan.Summary.Replace)
	fmt.Printf("  NoOp:    %d\n", plan.Summary.NoOp)
}

// renderOutcomes prints the per-node outcome table of an apply run.
func renderOutcomes(result *engine.ApplyResult) {
	if len(result.Results) == 0 {
		return
	}
	addrs := make([]string, 0, len(result.Results))
	width := 0
	for addr := range result.Results {
		addrs = append(addrs, addr)
		if len(addr) > width {
			width = len(addr)
		}
	}
	sort.Strings(addrs)

	fmt.Println("\nResource outcomes:")
	for _, addr := range addrs {
		res := result.Results[addr]
		color := ""
		switch res.Status {
		case engine.NodeRealized:
			color = colorize(colorGreen)
		case engine.NodeFailed:
			color = colorize(colorRed)
		case engine.NodeSkipped:
			color = colorize(colorYellow)
		}
		line := fmt.Sprintf("  %s%-*s  %-8s%s", color, width, addr, res.Status, colorize(colorReset))
		if res.Status == engine.NodeRealized {
			line += fmt.Sprintf("  (%s, %s)", res.Action, res.Duration.Round(timeRound))
		} else if res.Error != nil {
			line += fmt.Sprintf("  %v", res.Error)
		}
		fmt.Println(line)
	}
	fmt.Printf("\n%d realized, %d failed, %d skipped.\n", result.Realized, result.Failed, result.Skipped)
}
