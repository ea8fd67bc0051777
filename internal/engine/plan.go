package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/hcl/v2"

	"github.com/girder-io/girder/internal/eval"
	"github.com/girder-io/girder/internal/ir"
	"github.com/girder-io/girder/internal/logging"
	"github.com/girder-io/girder/internal/provider"
	"github.com/girder-io/girder/pkg/sdk"
)

// Engine orchestrates the lifecycle of resources.
type Engine struct {
	registry *provider.Registry

	// Parallelism bounds how many resource operations run at once during
	// apply. Zero means the default.
	Parallelism int
}

func NewEngine(registry *provider.Registry) *Engine {
	return &Engine{
		registry: registry,
	}
}

// PlanOptions adjusts plan creation.
type PlanOptions struct {
	// Targets restricts the plan to these addresses plus what they need.
	Targets []string
	// Destroy plans the teardown of everything in state.
	Destroy bool
	// Variables overrides variable values, on top of defaults and
	// GIRDER_VAR_ environment values.
	Variables map[string]string
}

// analysis is the evaluated form of a configuration: variables resolved,
// iteration expanded, dependencies graphed. Plan and apply both start here
// so a saved plan is always re-derived from config rather than replayed.
type analysis struct {
	baseCtx  *hcl.EvalContext
	expanded []*ir.Resource
	byAddr   map[string]*ir.Resource
	dag      *DAG
}

func (e *Engine) analyze(cfg *ir.Config, variables map[string]string) (*analysis, error) {
	vars, err := eval.VariableValues(cfg, variables)
	if err != nil {
		return nil, &ConfigurationError{Err: err}
	}
	baseCtx := eval.BaseContext(vars)

	expanded, err := ExpandResources(cfg.Resources, baseCtx)
	if err != nil {
		return nil, err
	}

	dag, err := BuildDAG(expanded)
	if err != nil {
		return nil, err
	}

	byAddr := make(map[string]*ir.Resource, len(expanded))
	for _, res := range expanded {
		byAddr[res.Addr()] = res
	}

	return &analysis{
		baseCtx:  baseCtx,
		expanded: expanded,
		byAddr:   byAddr,
		dag:      dag,
	}, nil
}

// CreatePlan generates an execution plan by comparing desired config with
// current state.
func (e *Engine) CreatePlan(ctx context.Context, cfg *ir.Config, state *ir.State) (*ir.Plan, error) {
	return e.CreatePlanWithOptions(ctx, cfg, state, nil)
}

// CreatePlanWithOptions generates a plan honoring targets, variable
// overrides and destroy mode.
func (e *Engine) CreatePlanWithOptions(ctx context.Context, cfg *ir.Config, state *ir.State, opts *PlanOptions) (*ir.Plan, error) {
	if opts == nil {
		opts = &PlanOptions{}
	}
	logging.Debug("creating plan",
		"resources", len(cfg.Resources),
		"state_resources", len(state.Resources),
		"targets", len(opts.Targets),
		"destroy", opts.Destroy)

	an, err := e.analyze(cfg, opts.Variables)
	if err != nil {
		return nil, err
	}

	if err := e.configureProviders(ctx, cfg, an, state); err != nil {
		return nil, err
	}

	plan := &ir.Plan{
		Metadata: &ir.PlanMetadata{
			ID:          uuid.NewString(),
			CreatedAt:   time.Now().UTC(),
			StateSerial: state.Serial,
			Lineage:     state.Lineage,
			Targets:     opts.Targets,
			Destroy:     opts.Destroy,
			Variables:   opts.Variables,
		},
		Changes: []*ir.ResourceChange{},
		Summary: &ir.PlanSummary{},
	}

	if opts.Destroy {
		if err := e.planDestroy(plan, an, state, opts.Targets); err != nil {
			return nil, err
		}
		return plan, nil
	}

	targetSet, err := resolveTargets(an.dag, opts.Targets, false)
	if err != nil {
		return nil, err
	}

	stateMap := make(map[string]*ir.ResourceState, len(state.Resources))
	for _, rs := range state.Resources {
		stateMap[rs.Addr()] = rs
	}

	scope := eval.NewResourceScope()
	for _, addr := range an.dag.CreationOrder() {
		res := an.byAddr[addr]
		prior := stateMap[addr]

		if targetSet != nil && !targetSet[addr] {
			// Untargeted resources keep whatever form they have now.
			if prior != nil {
				if err := scope.SetKnown(res.Type, res.Name, prior.Outputs); err != nil {
					return nil, err
				}
			} else {
				scope.SetUnknown(res.Type, res.Name)
			}
			plan.Summary.NoOp++
			continue
		}

		change, err := e.planResource(ctx, res, prior, scope, an.baseCtx)
		if err != nil {
			return nil, err
		}

		switch change.Action {
		case sdk.ActionNoOp:
			plan.Summary.NoOp++
			if err := scope.SetKnown(res.Type, res.Name, prior.Outputs); err != nil {
				return nil, err
			}
		case sdk.ActionUpdate:
			plan.Summary.Update++
			plan.Changes = append(plan.Changes, change)
			if err := scope.SetKnown(res.Type, res.Name, overlay(prior.Outputs, change.Desired)); err != nil {
				return nil, err
			}
		case sdk.ActionCreate:
			plan.Summary.Create++
			plan.Changes = append(plan.Changes, change)
			scope.SetUnknown(res.Type, res.Name)
		case sdk.ActionReplace:
			plan.Summary.Replace++
			plan.Changes = append(plan.Changes, change)
			scope.SetUnknown(res.Type, res.Name)
		}
	}

	if err := e.planDeletions(plan, an, state, targetSet); err != nil {
		return nil, err
	}

	return plan, nil
}

// planResource computes the change for a single declared instance.
func (e *Engine) planResource(ctx context.Context, res *ir.Resource, prior *ir.ResourceState, scope *eval.ResourceScope, baseCtx *hcl.EvalContext) (*ir.ResourceChange, error) {
	evalCtx := eval.InstanceContext(scope.Context(baseCtx), res.Each)
	known, unknown, err := eval.EvalArguments(res, evalCtx)
	if err != nil {
		return nil, &ConfigurationError{Err: err}
	}
	known, unknown = retainIgnoredChanges(res, known, unknown, prior)

	prov, err := e.registry.Get(res.Provider)
	if err != nil {
		return nil, &ConfigurationError{Err: err}
	}

	desiredJSON, err := json.Marshal(known)
	if err != nil {
		return nil, fmt.Errorf("marshal arguments for %s: %w", res.Addr(), err)
	}
	var priorJSON []byte
	if prior != nil {
		priorJSON, err = json.Marshal(prior.Inputs)
		if err != nil {
			return nil, fmt.Errorf("marshal prior inputs for %s: %w", res.Addr(), err)
		}
	}

	resp, err := prov.Plan(ctx, &sdk.PlanRequest{
		Type:        res.Type,
		Name:        res.Name,
		DesiredJSON: desiredJSON,
		PriorJSON:   priorJSON,
		Unknown:     unknown,
	})
	if err != nil {
		return nil, &ProviderError{Address: res.Addr(), Provider: res.Provider, Err: err}
	}

	action := resp.Action
	reason := ""
	if len(resp.ReplacedBy) > 0 {
		reason = "forces replacement: " + strings.Join(resp.ReplacedBy, ", ")
	}
	if prior != nil && prior.Tainted && action != sdk.ActionDelete {
		action = sdk.ActionReplace
		reason = "tainted"
	}

	if err := enforceLifecycle(res, action); err != nil {
		return nil, err
	}

	schema, err := prov.Schema(res.Type)
	if err != nil {
		return nil, &ProviderError{Address: res.Addr(), Provider: res.Provider, Err: err}
	}

	change := &ir.ResourceChange{
		Address:  res.Addr(),
		Type:     res.Type,
		Name:     res.Name,
		Provider: res.Provider,
		Action:   action,
		Desired:  known,
		Unknown:  unknown,
		Reason:   reason,
	}
	if prior != nil {
		change.Prior = prior.Inputs
	}
	change.Diff = buildDiff(schema, change, resp.ChangedAttributes)
	return change, nil
}

// planDeletions adds delete changes for state entries no longer declared,
// ordered so dependents go before what they depend on.
func (e *Engine) planDeletions(plan *ir.Plan, an *analysis, state *ir.State, targetSet map[string]bool) error {
	stateDag, err := BuildDAGFromState(state.Resources)
	if err != nil {
		return err
	}

	for _, addr := range stateDag.DestructionOrder() {
		if _, declared := an.byAddr[addr]; declared {
			continue
		}
		if targetSet != nil && !targetSet[addr] {
			continue
		}
		rs := state.Resource(addr)
		plan.Changes = append(plan.Changes, deleteChange(rs))
		plan.Summary.Delete++
	}
	return nil
}

// planDestroy fills the plan with delete changes for every state entry in
// destruction order. prevent_destroy on a still-declared resource fails
// the whole plan.
func (e *Engine) planDestroy(plan *ir.Plan, an *analysis, state *ir.State, targets []string) error {
	stateDag, err := BuildDAGFromState(state.Resources)
	if err != nil {
		return err
	}
	targetSet, err := resolveTargets(stateDag, targets, true)
	if err != nil {
		return err
	}

	for _, addr := range stateDag.DestructionOrder() {
		if targetSet != nil && !targetSet[addr] {
			continue
		}
		rs := state.Resource(addr)
		if res := an.byAddr[addr]; res != nil {
			if err := enforceLifecycle(res, sdk.ActionDelete); err != nil {
				return err
			}
		}
		plan.Changes = append(plan.Changes, deleteChange(rs))
		plan.Summary.Delete++
	}
	return nil
}

func deleteChange(rs *ir.ResourceState) *ir.ResourceChange {
	change := &ir.ResourceChange{
		Address:  rs.Addr(),
		Type:     rs.Type,
		Name:     rs.Name,
		Provider: rs.Provider,
		Action:   sdk.ActionDelete,
		Prior:    rs.Inputs,
		Diff:     map[string]*ir.AttributeDiff{},
	}
	for k, v := range rs.Inputs {
		change.Diff[k] = &ir.AttributeDiff{Before: v}
	}
	return change
}

// resolveTargets expands the target list into the set of addresses to
// act on. A normal plan pulls in everything a target depends on; a
// destroy pulls in everything depending on the target instead.
func resolveTargets(dag *DAG, targets []string, destroy bool) (map[string]bool, error) {
	if len(targets) == 0 {
		return nil, nil
	}
	set := make(map[string]bool)
	for _, t := range targets {
		matched, ok := dag.resolve(t)
		if !ok {
			return nil, &ConfigurationError{Err: fmt.Errorf("target %q matches no resource", t)}
		}
		for _, addr := range matched {
			set[addr] = true
			var closure []string
			if destroy {
				closure = dag.TransitiveDependents(addr)
			} else {
				closure = dag.TransitiveDependencies(addr)
			}
			for _, dep := range closure {
				set[dep] = true
			}
		}
	}
	return set, nil
}

// configureProviders loads and configures every provider referenced by
// the declared resources or by live state entries.
func (e *Engine) configureProviders(ctx context.Context, cfg *ir.Config, an *analysis, state *ir.State) error {
	names := map[string]bool{}
	for _, res := range an.expanded {
		names[res.Provider] = true
	}
	for _, rs := range state.Resources {
		names[rs.Provider] = true
	}

	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	for _, name := range sorted {
		if err := e.registry.LoadProvider(name); err != nil {
			return &ConfigurationError{Err: err}
		}
		prov, err := e.registry.Get(name)
		if err != nil {
			return &ConfigurationError{Err: err}
		}

		configJSON := []byte("{}")
		if pc := providerConfig(cfg, name); pc != nil {
			configJSON, err = eval.EvalProviderConfig(pc, an.baseCtx)
			if err != nil {
				return &ConfigurationError{Err: err}
			}
		}
		resp, err := prov.Configure(ctx, &sdk.ConfigureRequest{ConfigJSON: configJSON})
		if err != nil {
			return &ProviderError{Provider: name, Err: err}
		}
		if err := sdk.DiagnosticsError(resp.Diagnostics); err != nil {
			return &ProviderError{Provider: name, Err: err}
		}
	}
	return nil
}

func providerConfig(cfg *ir.Config, name string) *ir.ProviderConfig {
	for _, pc := range cfg.Providers {
		if pc.Name == name {
			return pc
		}
	}
	return nil
}

// enforceLifecycle fails planning when an action would destroy a resource
// protected by prevent_destroy.
func enforceLifecycle(res *ir.Resource, action sdk.Action) error {
	if res.Lifecycle == nil || !res.Lifecycle.PreventDestroy {
		return nil
	}
	if action == sdk.ActionDelete || action == sdk.ActionReplace {
		return &ConfigurationError{Err: fmt.Errorf("resource %s has prevent_destroy set but the plan requires destroying it", res.Addr())}
	}
	return nil
}

// retainIgnoredChanges substitutes the previously applied value for every
// attribute listed in ignore_changes, so later diffing and applying never
// see the configured drift.
func retainIgnoredChanges(res *ir.Resource, known map[string]any, unknown []string, prior *ir.ResourceState) (map[string]any, []string) {
	if res.Lifecycle == nil || len(res.Lifecycle.IgnoreChanges) == 0 || prior == nil {
		return known, unknown
	}
	ignored := make(map[string]bool, len(res.Lifecycle.IgnoreChanges))
	for _, attr := range res.Lifecycle.IgnoreChanges {
		ignored[attr] = true
	}

	kept := make([]string, 0, len(unknown))
	for _, attr := range unknown {
		if ignored[attr] {
			continue
		}
		kept = append(kept, attr)
	}

	for attr := range ignored {
		priorVal, had := prior.Inputs[attr]
		if !had {
			// Nothing applied before; the configured value stands.
			continue
		}
		known[attr] = priorVal
	}
	return known, kept
}

// overlay merges desired values over prior outputs for resources kept in
// place by an update, so dependents reference the post-update shape.
func overlay(outputs, desired map[string]any) map[string]any {
	merged := make(map[string]any, len(outputs)+len(desired))
	for k, v := range outputs {
		merged[k] = v
	}
	for k, v := range desired {
		merged[k] = v
	}
	return merged
}

// buildDiff renders per-attribute transitions for display and for plan
// verification. Unknown attributes render as known-after-apply.
func buildDiff(schema *sdk.Schema, change *ir.ResourceChange, changed []string) map[string]*ir.AttributeDiff {
	diff := map[string]*ir.AttributeDiff{}

	mark := func(attr string, d *ir.AttributeDiff) {
		d.Sensitive = schema.IsSensitive(attr)
		d.ForcesReplacement = schema.ForcesReplacement(attr)
		diff[attr] = d
	}

	switch change.Action {
	case sdk.ActionCreate:
		for attr, v := range change.Desired {
			mark(attr, &ir.AttributeDiff{After: v})
		}
		for _, attr := range change.Unknown {
			mark(attr, &ir.AttributeDiff{Unknown: true})
		}
	case sdk.ActionDelete:
		for attr, v := range change.Prior {
			mark(attr, &ir.AttributeDiff{Before: v})
		}
	default:
		unknownSet := make(map[string]bool, len(change.Unknown))
		for _, attr := range change.Unknown {
			unknownSet[attr] = true
		}
		for _, attr := range changed {
			d := &ir.AttributeDiff{Unknown: unknownSet[attr]}
			if change.Prior != nil {
				d.Before = change.Prior[attr]
			}
			if !d.Unknown {
				d.After = change.Desired[attr]
			}
			mark(attr, d)
		}
	}
	return diff
}

// VerifyPlan checks a previously saved plan against one freshly derived
// from the same configuration and state. Any drift in serial or in the
// per-address actions makes the saved plan stale.
func VerifyPlan(saved, fresh *ir.Plan) error {
	if saved.Metadata.Lineage != fresh.Metadata.Lineage {
		return fmt.Errorf("saved plan is stale: it was created against a different state lineage")
	}
	if saved.Metadata.StateSerial != fresh.Metadata.StateSerial {
		return &StateConflictError{Expected: saved.Metadata.StateSerial, Actual: fresh.Metadata.StateSerial}
	}

	savedActions := make(map[string]sdk.Action, len(saved.Changes))
	for _, c := range saved.Changes {
		savedActions[c.Address] = c.Action
	}
	if len(savedActions) != len(fresh.Changes) {
		return fmt.Errorf("saved plan is stale: it contains %d changes but the configuration now produces %d", len(savedActions), len(fresh.Changes))
	}
	for _, c := range fresh.Changes {
		if savedActions[c.Address] != c.Action {
			return fmt.Errorf("saved plan is stale: %s now plans %s, saved plan has %s", c.Address, c.Action, savedActions[c.Address])
		}
	}
	return nil
}
