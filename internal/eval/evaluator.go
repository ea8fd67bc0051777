package eval

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/ext/typeexpr"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"github.com/girder-io/girder/internal/ir"
)

// Evaluator loads .hcl configuration into IR types.
type Evaluator struct {
	projectDir string
}

func NewEvaluator(projectDir string) *Evaluator {
	return &Evaluator{
		projectDir: projectDir,
	}
}

var topLevelSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "girder"},
		{Type: "variable", LabelNames: []string{"name"}},
		{Type: "provider", LabelNames: []string{"name"}},
		{Type: "resource", LabelNames: []string{"type", "name"}},
		{Type: "output", LabelNames: []string{"name"}},
	},
}

var resourceBodySchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "provider"},
		{Name: "for_each"},
		{Name: "count"},
		{Name: "depends_on"},
		{Name: "timeout"},
	},
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "lifecycle"},
	},
}

var lifecycleSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "create_before_destroy"},
		{Name: "prevent_destroy"},
		{Name: "ignore_changes"},
	},
}

var variableSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "type"},
		{Name: "default"},
		{Name: "description"},
		{Name: "sensitive"},
	},
}

var outputSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "value", Required: true},
		{Name: "description"},
		{Name: "sensitive"},
	},
}

var girderSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "backend", LabelNames: []string{"type"}},
	},
}

// LoadConfig parses the project's configuration, a directory of .hcl
// files or a single file, into the IR. Declaration order follows file name
// order, then in-file order; the scheduler relies on it as a tie-break.
func (e *Evaluator) LoadConfig() (*ir.Config, error) {
	info, err := os.Stat(e.projectDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration path: %w", err)
	}

	var files []string
	if info.IsDir() {
		entries, err := os.ReadDir(e.projectDir)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration directory: %w", err)
		}
		for _, ent := range entries {
			if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".hcl") || strings.HasPrefix(ent.Name(), ".") {
				continue
			}
			files = append(files, filepath.Join(e.projectDir, ent.Name()))
		}
		sort.Strings(files)
		if len(files) == 0 {
			return nil, fmt.Errorf("no .hcl configuration files found in %s", e.projectDir)
		}
	} else {
		files = []string{e.projectDir}
	}

	parser := hclparse.NewParser()
	cfg := &ir.Config{}
	for _, path := range files {
		if err := e.loadFile(parser, path, cfg); err != nil {
			return nil, err
		}
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (e *Evaluator) loadFile(parser *hclparse.Parser, path string, cfg *ir.Config) error {
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse %s: %w", path, diags)
	}
	content, diags := file.Body.Content(topLevelSchema)
	if diags.HasErrors() {
		return fmt.Errorf("failed to decode %s: %w", path, diags)
	}

	for _, block := range content.Blocks {
		var err error
		switch block.Type {
		case "girder":
			err = decodeGirderBlock(block, cfg)
		case "variable":
			err = decodeVariable(block, cfg)
		case "provider":
			err = decodeProvider(block, cfg)
		case "resource":
			err = decodeResource(block, cfg)
		case "output":
			err = decodeOutput(block, cfg)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func decodeGirderBlock(block *hcl.Block, cfg *ir.Config) error {
	content, diags := block.Body.Content(girderSchema)
	if diags.HasErrors() {
		return fmt.Errorf("invalid girder block at %s: %w", block.DefRange, diags)
	}
	for _, b := range content.Blocks {
		if cfg.Backend != nil {
			return fmt.Errorf("duplicate backend block at %s", b.DefRange)
		}
		attrs, diags := b.Body.JustAttributes()
		if diags.HasErrors() {
			return fmt.Errorf("invalid backend block at %s: %w", b.DefRange, diags)
		}
		settings := make(map[string]string, len(attrs))
		for name, attr := range attrs {
			val, diags := attr.Expr.Value(nil)
			if diags.HasErrors() {
				return fmt.Errorf("backend attribute %q must be a literal: %w", name, diags)
			}
			str, err := convert.Convert(val, cty.String)
			if err != nil {
				return fmt.Errorf("backend attribute %q must be a string: %w", name, err)
			}
			settings[name] = str.AsString()
		}
		cfg.Backend = &ir.Backend{Type: b.Labels[0], Config: settings}
	}
	return nil
}

func decodeVariable(block *hcl.Block, cfg *ir.Config) error {
	content, diags := block.Body.Content(variableSchema)
	if diags.HasErrors() {
		return fmt.Errorf("invalid variable block at %s: %w", block.DefRange, diags)
	}
	v := &ir.Variable{
		Name:      block.Labels[0],
		Type:      cty.NilType,
		Default:   cty.NilVal,
		DeclRange: block.DefRange,
	}
	if attr, ok := content.Attributes["type"]; ok {
		t, diags := typeexpr.TypeConstraint(attr.Expr)
		if diags.HasErrors() {
			return fmt.Errorf("variable %q has an invalid type: %w", v.Name, diags)
		}
		v.Type = t
	}
	if attr, ok := content.Attributes["default"]; ok {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return fmt.Errorf("variable %q has an invalid default: %w", v.Name, diags)
		}
		if v.Type != cty.NilType {
			converted, err := convert.Convert(val, v.Type)
			if err != nil {
				return fmt.Errorf("variable %q default does not match its type: %w", v.Name, err)
			}
			val = converted
		}
		v.Default = val
	}
	if attr, ok := content.Attributes["description"]; ok {
		if err := literalString(attr, &v.Description); err != nil {
			return fmt.Errorf("variable %q: %w", v.Name, err)
		}
	}
	if attr, ok := content.Attributes["sensitive"]; ok {
		if err := literalBool(attr, &v.Sensitive); err != nil {
			return fmt.Errorf("variable %q: %w", v.Name, err)
		}
	}
	cfg.Variables = append(cfg.Variables, v)
	return nil
}

func decodeProvider(block *hcl.Block, cfg *ir.Config) error {
	attrs, diags := block.Body.JustAttributes()
	if diags.HasErrors() {
		return fmt.Errorf("invalid provider block at %s: %w", block.DefRange, diags)
	}
	p := &ir.ProviderConfig{
		Name:      block.Labels[0],
		Arguments: make(map[string]hcl.Expression, len(attrs)),
		DeclRange: block.DefRange,
	}
	for name, attr := range attrs {
		p.Arguments[name] = attr.Expr
	}
	cfg.Providers = append(cfg.Providers, p)
	return nil
}

func decodeResource(block *hcl.Block, cfg *ir.Config) error {
	content, remain, diags := block.Body.PartialContent(resourceBodySchema)
	if diags.HasErrors() {
		return fmt.Errorf("invalid resource block at %s: %w", block.DefRange, diags)
	}

	r := &ir.Resource{
		Type:      block.Labels[0],
		Name:      block.Labels[1],
		Provider:  providerForType(block.Labels[0]),
		DeclRange: block.DefRange,
	}

	if attr, ok := content.Attributes["provider"]; ok {
		if err := literalString(attr, &r.Provider); err != nil {
			return fmt.Errorf("resource %s: %w", r.Addr(), err)
		}
	}
	if attr, ok := content.Attributes["for_each"]; ok {
		r.ForEach = attr.Expr
	}
	if attr, ok := content.Attributes["count"]; ok {
		r.Count = attr.Expr
	}
	if r.ForEach != nil && r.Count != nil {
		return fmt.Errorf("resource %s declares both count and for_each", r.Addr())
	}
	if attr, ok := content.Attributes["depends_on"]; ok {
		deps, err := decodeDependsOn(attr)
		if err != nil {
			return fmt.Errorf("resource %s: %w", r.Addr(), err)
		}
		r.DependsOn = deps
	}
	if attr, ok := content.Attributes["timeout"]; ok {
		var raw string
		if err := literalString(attr, &raw); err != nil {
			return fmt.Errorf("resource %s: %w", r.Addr(), err)
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("resource %s has an invalid timeout: %w", r.Addr(), err)
		}
		r.Timeout = d
	}

	for _, b := range content.Blocks {
		lc, err := decodeLifecycle(b)
		if err != nil {
			return fmt.Errorf("resource %s: %w", r.Addr(), err)
		}
		r.Lifecycle = lc
	}

	attrs, diags := remain.JustAttributes()
	if diags.HasErrors() {
		return fmt.Errorf("invalid attributes in resource %s: %w", r.Addr(), diags)
	}
	r.Arguments = make(map[string]hcl.Expression, len(attrs))
	for name, attr := range attrs {
		r.Arguments[name] = attr.Expr
	}

	cfg.Resources = append(cfg.Resources, r)
	return nil
}

func decodeLifecycle(block *hcl.Block) (*ir.Lifecycle, error) {
	content, diags := block.Body.Content(lifecycleSchema)
	if diags.HasErrors() {
		return nil, fmt.Errorf("invalid lifecycle block: %w", diags)
	}
	lc := &ir.Lifecycle{}
	if attr, ok := content.Attributes["create_before_destroy"]; ok {
		if err := literalBool(attr, &lc.CreateBeforeDestroy); err != nil {
			return nil, err
		}
	}
	if attr, ok := content.Attributes["prevent_destroy"]; ok {
		if err := literalBool(attr, &lc.PreventDestroy); err != nil {
			return nil, err
		}
	}
	if attr, ok := content.Attributes["ignore_changes"]; ok {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, fmt.Errorf("ignore_changes must be a literal list: %w", diags)
		}
		if !val.CanIterateElements() {
			return nil, fmt.Errorf("ignore_changes must be a list of attribute names")
		}
		for it := val.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			str, err := convert.Convert(ev, cty.String)
			if err != nil {
				return nil, fmt.Errorf("ignore_changes entries must be attribute names: %w", err)
			}
			lc.IgnoreChanges = append(lc.IgnoreChanges, str.AsString())
		}
	}
	return lc, nil
}

// decodeDependsOn reads explicit dependencies declared as bare references,
// e.g. depends_on = [gcp_network.vpc].
func decodeDependsOn(attr *hcl.Attribute) ([]string, error) {
	traversals := attr.Expr.Variables()
	if len(traversals) == 0 {
		return nil, fmt.Errorf("depends_on must list resource references, e.g. [gcp_network.vpc]")
	}
	deps := make([]string, 0, len(traversals))
	for _, traversal := range traversals {
		ref, ok := parseRef(traversal)
		if !ok {
			return nil, fmt.Errorf("depends_on entry at %s is not a resource reference", traversal.SourceRange())
		}
		deps = append(deps, ref.Subject)
	}
	return deps, nil
}

func decodeOutput(block *hcl.Block, cfg *ir.Config) error {
	content, diags := block.Body.Content(outputSchema)
	if diags.HasErrors() {
		return fmt.Errorf("invalid output block at %s: %w", block.DefRange, diags)
	}
	out := &ir.Output{
		Name:      block.Labels[0],
		Value:     content.Attributes["value"].Expr,
		DeclRange: block.DefRange,
	}
	if attr, ok := content.Attributes["description"]; ok {
		if err := literalString(attr, &out.Description); err != nil {
			return fmt.Errorf("output %q: %w", out.Name, err)
		}
	}
	if attr, ok := content.Attributes["sensitive"]; ok {
		if err := literalBool(attr, &out.Sensitive); err != nil {
			return fmt.Errorf("output %q: %w", out.Name, err)
		}
	}
	cfg.Outputs = append(cfg.Outputs, out)
	return nil
}

// providerForType derives the owning provider from the resource type
// prefix: gcp_network -> gcp, null_resource -> null. A provider attribute
// on the block overrides it.
func providerForType(resourceType string) string {
	if i := strings.Index(resourceType, "_"); i > 0 {
		return resourceType[:i]
	}
	return resourceType
}

func literalString(attr *hcl.Attribute, dst *string) error {
	val, diags := attr.Expr.Value(nil)
	if diags.HasErrors() {
		return fmt.Errorf("%s must be a literal string: %w", attr.Name, diags)
	}
	str, err := convert.Convert(val, cty.String)
	if err != nil {
		return fmt.Errorf("%s must be a string: %w", attr.Name, err)
	}
	*dst = str.AsString()
	return nil
}

func literalBool(attr *hcl.Attribute, dst *bool) error {
	val, diags := attr.Expr.Value(nil)
	if diags.HasErrors() {
		return fmt.Errorf("%s must be a literal bool: %w", attr.Name, diags)
	}
	b, err := convert.Convert(val, cty.Bool)
	if err != nil {
		return fmt.Errorf("%s must be a bool: %w", attr.Name, err)
	}
	*dst = b.True()
	return nil
}

func validateConfig(cfg *ir.Config) error {
	seenResources := map[string]hcl.Range{}
	for _, r := range cfg.Resources {
		if prev, ok := seenResources[r.Addr()]; ok {
			return fmt.Errorf("duplicate resource %s at %s (previously declared at %s)", r.Addr(), r.DeclRange, prev)
		}
		seenResources[r.Addr()] = r.DeclRange
	}
	seenVars := map[string]bool{}
	for _, v := range cfg.Variables {
		if seenVars[v.Name] {
			return fmt.Errorf("duplicate variable %q at %s", v.Name, v.DeclRange)
		}
		seenVars[v.Name] = true
	}
	seenOutputs := map[string]bool{}
	for _, o := range cfg.Outputs {
		if seenOutputs[o.Name] {
			return fmt.Errorf("duplicate output %q at %s", o.Name, o.DeclRange)
		}
		seenOutputs[o.Name] = true
	}
	seenProviders := map[string]bool{}
	for _, p := range cfg.Providers {
		if seenProviders[p.Name] {
			return fmt.Errorf("duplicate provider block %q at %s", p.Name, p.DeclRange)
		}
		seenProviders[p.Name] = true
	}
	return nil
}
