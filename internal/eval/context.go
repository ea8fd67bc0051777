package eval

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"github.com/girder-io/girder/internal/ir"
)

const varEnvPrefix = "GIRDER_VAR_"

// VariableValues resolves every declared variable from its default, then
// GIRDER_VAR_<name>, then explicit overrides, later wins. A variable left
// without a value is an error.
func VariableValues(cfg *ir.Config, overrides map[string]string) (map[string]cty.Value, error) {
	vals := make(map[string]cty.Value, len(cfg.Variables))
	for _, v := range cfg.Variables {
		val := v.Default
		if raw, ok := os.LookupEnv(varEnvPrefix + v.Name); ok {
			parsed, err := parseVariableValue(v, raw)
			if err != nil {
				return nil, err
			}
			val = parsed
		}
		if raw, ok := overrides[v.Name]; ok {
			parsed, err := parseVariableValue(v, raw)
			if err != nil {
				return nil, err
			}
			val = parsed
		}
		if val == cty.NilVal {
			return nil, fmt.Errorf("variable %q has no value and no default", v.Name)
		}
		vals[v.Name] = val
	}
	return vals, nil
}

// parseVariableValue converts a raw string (flag or environment) into the
// variable's declared type. String-typed variables take the raw text as
// is; other types are parsed as an HCL expression, e.g. ["a","b"].
func parseVariableValue(v *ir.Variable, raw string) (cty.Value, error) {
	if v.Type == cty.NilType || v.Type == cty.String {
		return cty.StringVal(raw), nil
	}
	expr, diags := hclsyntax.ParseExpression([]byte(raw), fmt.Sprintf("<value for var.%s>", v.Name), hcl.InitialPos)
	if diags.HasErrors() {
		return cty.NilVal, fmt.Errorf("invalid value for variable %q: %w", v.Name, diags)
	}
	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return cty.NilVal, fmt.Errorf("invalid value for variable %q: %w", v.Name, diags)
	}
	converted, err := convert.Convert(val, v.Type)
	if err != nil {
		return cty.NilVal, fmt.Errorf("invalid value for variable %q: %w", v.Name, err)
	}
	return converted, nil
}

// BaseContext builds the root evaluation scope holding variable values.
func BaseContext(vars map[string]cty.Value) *hcl.EvalContext {
	if vars == nil {
		vars = map[string]cty.Value{}
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"var": cty.ObjectVal(vars),
		},
	}
}

// InstanceContext derives the per-instance scope binding each.* or
// count.index for an expanded resource instance.
func InstanceContext(parent *hcl.EvalContext, each *ir.EachBinding) *hcl.EvalContext {
	if each == nil {
		return parent
	}
	child := parent.NewChild()
	child.Variables = map[string]cty.Value{}
	if each.CountIndex >= 0 {
		child.Variables["count"] = cty.ObjectVal(map[string]cty.Value{
			"index": cty.NumberIntVal(int64(each.CountIndex)),
		})
	} else {
		child.Variables["each"] = cty.ObjectVal(map[string]cty.Value{
			"key":   cty.StringVal(each.Key),
			"value": each.Value,
		})
	}
	return child
}

// ResourceScope accumulates per-resource values for the evaluation scope.
// Realized resources contribute their recorded outputs; resources the
// current plan will create or replace contribute unknown values so that
// downstream expressions resolve to "known after apply".
type ResourceScope struct {
	types map[string]map[string]*instanceVal
}

type instanceVal struct {
	direct  cty.Value
	keyed   map[string]cty.Value
	indexed []cty.Value
}

func NewResourceScope() *ResourceScope {
	return &ResourceScope{types: map[string]map[string]*instanceVal{}}
}

// SetKnown records the realized outputs for one instance.
func (s *ResourceScope) SetKnown(typ, name string, outputs map[string]any) error {
	obj, err := ObjectFromOutputs(outputs)
	if err != nil {
		return fmt.Errorf("resource %s.%s: %w", typ, name, err)
	}
	s.set(typ, name, obj)
	return nil
}

// SetUnknown records an instance whose outputs will only exist after apply.
func (s *ResourceScope) SetUnknown(typ, name string) {
	s.set(typ, name, cty.DynamicVal)
}

func (s *ResourceScope) set(typ, name string, val cty.Value) {
	base, key, index := splitInstanceName(name)
	instances, ok := s.types[typ]
	if !ok {
		instances = map[string]*instanceVal{}
		s.types[typ] = instances
	}
	iv, ok := instances[base]
	if !ok {
		iv = &instanceVal{direct: cty.NilVal}
		instances[base] = iv
	}
	switch {
	case index >= 0:
		for len(iv.indexed) <= index {
			iv.indexed = append(iv.indexed, cty.DynamicVal)
		}
		iv.indexed[index] = val
	case key != "":
		if iv.keyed == nil {
			iv.keyed = map[string]cty.Value{}
		}
		iv.keyed[key] = val
	default:
		iv.direct = val
	}
}

// Context derives a child scope exposing every recorded resource as
// type.name values: a plain object for singular resources, an object
// keyed by each.key for for_each instances, a tuple for count instances.
func (s *ResourceScope) Context(parent *hcl.EvalContext) *hcl.EvalContext {
	child := parent.NewChild()
	child.Variables = make(map[string]cty.Value, len(s.types))
	for typ, instances := range s.types {
		attrs := make(map[string]cty.Value, len(instances))
		for base, iv := range instances {
			switch {
			case len(iv.indexed) > 0:
				attrs[base] = cty.TupleVal(iv.indexed)
			case len(iv.keyed) > 0:
				attrs[base] = cty.ObjectVal(iv.keyed)
			case iv.direct != cty.NilVal:
				attrs[base] = iv.direct
			}
		}
		child.Variables[typ] = cty.ObjectVal(attrs)
	}
	return child
}

// splitInstanceName separates an instance name into its declaration name
// and instance key: `tiers["web"]` -> ("tiers", "web", -1) and
// "servers[2]" -> ("servers", "", 2). Singular names return ("name", "", -1).
func splitInstanceName(name string) (base, key string, index int) {
	open := strings.Index(name, "[")
	if open < 0 || !strings.HasSuffix(name, "]") {
		return name, "", -1
	}
	base = name[:open]
	inner := name[open+1 : len(name)-1]
	if len(inner) >= 2 && inner[0] == '"' && inner[len(inner)-1] == '"' {
		return base, inner[1 : len(inner)-1], -1
	}
	var n int
	if _, err := fmt.Sscanf(inner, "%d", &n); err == nil {
		return base, "", n
	}
	return name, "", -1
}

// EvalArguments evaluates every argument expression of r in ctx. Wholly
// known values land in the returned map as plain Go data; attributes whose
// value cannot be known yet are listed in unknown. Null attributes are
// omitted entirely.
func EvalArguments(r *ir.Resource, ctx *hcl.EvalContext) (known map[string]any, unknown []string, err error) {
	known = make(map[string]any, len(r.Arguments))
	names := make([]string, 0, len(r.Arguments))
	for name := range r.Arguments {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		val, diags := r.Arguments[name].Value(ctx)
		if diags.HasErrors() {
			return nil, nil, fmt.Errorf("resource %s, attribute %q: %w", r.Addr(), name, diags)
		}
		if !val.IsWhollyKnown() {
			unknown = append(unknown, name)
			continue
		}
		gv, convErr := CtyToGo(val)
		if convErr != nil {
			return nil, nil, fmt.Errorf("resource %s, attribute %q: %w", r.Addr(), name, convErr)
		}
		if gv == nil {
			continue
		}
		known[name] = gv
	}
	return known, unknown, nil
}

// EvalProviderConfig evaluates a provider block into the JSON document
// passed to the provider's Configure.
func EvalProviderConfig(p *ir.ProviderConfig, ctx *hcl.EvalContext) ([]byte, error) {
	vals := map[string]any{}
	for name, expr := range p.Arguments {
		val, diags := expr.Value(ctx)
		if diags.HasErrors() {
			return nil, fmt.Errorf("provider %q, attribute %q: %w", p.Name, name, diags)
		}
		gv, err := CtyToGo(val)
		if err != nil {
			return nil, fmt.Errorf("provider %q, attribute %q: %w", p.Name, name, err)
		}
		if gv == nil {
			continue
		}
		vals[name] = gv
	}
	return json.Marshal(vals)
}

// EvalOutputs evaluates the root output declarations. Outputs whose value
// is not wholly known are skipped; after a clean apply everything is known.
func EvalOutputs(outputs []*ir.Output, ctx *hcl.EvalContext) (map[string]*ir.OutputState, error) {
	result := make(map[string]*ir.OutputState, len(outputs))
	for _, out := range outputs {
		val, diags := out.Value.Value(ctx)
		if diags.HasErrors() {
			return nil, fmt.Errorf("output %q: %w", out.Name, diags)
		}
		if !val.IsWhollyKnown() {
			continue
		}
		gv, err := CtyToGo(val)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", out.Name, err)
		}
		result[out.Name] = &ir.OutputState{Value: gv, Sensitive: out.Sensitive}
	}
	return result, nil
}
