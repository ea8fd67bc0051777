package engine

import (
	"fmt"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"

	"github.com/girder-io/girder/internal/ir"
)

// ExpandResources flattens resources carrying for_each or count into
// individual keyed instances. This runs before graph construction so the
// scheduler only ever sees concrete instances. Expansion expressions are
// evaluated against variables alone; they may not reference resources.
func ExpandResources(resources []*ir.Resource, ctx *hcl.EvalContext) ([]*ir.Resource, error) {
	var expanded []*ir.Resource

	for _, res := range resources {
		switch {
		case res.Count != nil:
			instances, err := expandCount(res, ctx)
			if err != nil {
				return nil, err
			}
			expanded = append(expanded, instances...)
		case res.ForEach != nil:
			instances, err := expandForEach(res, ctx)
			if err != nil {
				return nil, err
			}
			expanded = append(expanded, instances...)
		default:
			expanded = append(expanded, res)
		}
	}

	return expanded, nil
}

func expandCount(res *ir.Resource, ctx *hcl.EvalContext) ([]*ir.Resource, error) {
	val, diags := res.Count.Value(ctx)
	if diags.HasErrors() {
		return nil, &ConfigurationError{Err: fmt.Errorf("%s: count: %w", res.Addr(), diags)}
	}
	var count int
	if err := gocty.FromCtyValue(val, &count); err != nil {
		return nil, &ConfigurationError{Err: fmt.Errorf("%s: count must be a whole number: %w", res.Addr(), err)}
	}
	if count < 0 {
		return nil, &ConfigurationError{Err: fmt.Errorf("%s: count must not be negative, got %d", res.Addr(), count)}
	}

	instances := make([]*ir.Resource, 0, count)
	for i := 0; i < count; i++ {
		clone := cloneResource(res)
		clone.Name = fmt.Sprintf("%s[%d]", res.Name, i)
		clone.Each = &ir.EachBinding{CountIndex: i}
		instances = append(instances, clone)
	}
	return instances, nil
}

func expandForEach(res *ir.Resource, ctx *hcl.EvalContext) ([]*ir.Resource, error) {
	val, diags := res.ForEach.Value(ctx)
	if diags.HasErrors() {
		return nil, &ConfigurationError{Err: fmt.Errorf("%s: for_each: %w", res.Addr(), diags)}
	}
	if !val.IsWhollyKnown() || val.IsNull() {
		return nil, &ConfigurationError{Err: fmt.Errorf("%s: for_each value must be known at expansion time", res.Addr())}
	}

	pairs, err := forEachPairs(val)
	if err != nil {
		return nil, &ConfigurationError{Err: fmt.Errorf("%s: %w", res.Addr(), err)}
	}

	instances := make([]*ir.Resource, 0, len(pairs))
	for _, pair := range pairs {
		clone := cloneResource(res)
		clone.Name = fmt.Sprintf("%s[%q]", res.Name, pair.key)
		clone.Each = &ir.EachBinding{Key: pair.key, Value: pair.value, CountIndex: -1}
		instances = append(instances, clone)
	}
	return instances, nil
}

type eachPair struct {
	key   string
	value cty.Value
}

// forEachPairs normalizes the for_each collection into sorted key/value
// pairs. Maps and objects keep their keys; sets and lists of strings use
// each element as both key and value.
func forEachPairs(val cty.Value) ([]eachPair, error) {
	ty := val.Type()
	var pairs []eachPair

	switch {
	case ty.IsMapType() || ty.IsObjectType():
		for it := val.ElementIterator(); it.Next(); {
			k, v := it.Element()
			pairs = append(pairs, eachPair{key: k.AsString(), value: v})
		}
	case ty.IsSetType() || ty.IsListType() || ty.IsTupleType():
		for it := val.ElementIterator(); it.Next(); {
			_, v := it.Element()
			if v.Type() != cty.String {
				return nil, fmt.Errorf("for_each collection elements must be strings, got %s", v.Type().FriendlyName())
			}
			key := v.AsString()
			for _, p := range pairs {
				if p.key == key {
					return nil, fmt.Errorf("for_each has duplicate key %q", key)
				}
			}
			pairs = append(pairs, eachPair{key: key, value: v})
		}
	default:
		return nil, fmt.Errorf("for_each must be a map or a set of strings, got %s", ty.FriendlyName())
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })
	return pairs, nil
}

func cloneResource(res *ir.Resource) *ir.Resource {
	clone := &ir.Resource{
		Type:      res.Type,
		Name:      res.Name,
		Provider:  res.Provider,
		Timeout:   res.Timeout,
		DeclRange: res.DeclRange,
	}
	if res.Arguments != nil {
		clone.Arguments = make(map[string]hcl.Expression, len(res.Arguments))
		for k, v := range res.Arguments {
			clone.Arguments[k] = v
		}
	}
	if res.Lifecycle != nil {
		clone.Lifecycle = &ir.Lifecycle{
			CreateBeforeDestroy: res.Lifecycle.CreateBeforeDestroy,
			PreventDestroy:      res.Lifecycle.PreventDestroy,
			IgnoreChanges:       append([]string{}, res.Lifecycle.IgnoreChanges...),
		}
	}
	clone.DependsOn = append([]string{}, res.DependsOn...)
	return clone
}
