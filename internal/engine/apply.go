package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/girder-io/girder/internal/eval"
	"github.com/girder-io/girder/internal/ir"
	"github.com/girder-io/girder/internal/logging"
	"github.com/girder-io/girder/pkg/sdk"
)

const defaultParallelism = 10

// Node outcomes reported per resource after an apply.
const (
	NodeRealized = "realized"
	NodeFailed   = "failed"
	NodeSkipped  = "skipped"
)

// ApplyEvent represents a progress event during apply.
type ApplyEvent struct {
	Address  string
	Action   sdk.Action
	Status   string // "started", "completed", "failed", "skipped"
	Duration time.Duration
	Error    error
}

// ApplyCallback is called for each apply event if set.
type ApplyCallback func(event ApplyEvent)

// ApplyOptions adjusts plan execution.
type ApplyOptions struct {
	// Variables must carry the same overrides the plan was created with.
	Variables map[string]string
	// Parallelism overrides the engine default for this run.
	Parallelism int
	// Callback receives progress events.
	Callback ApplyCallback
}

// NodeResult is the outcome of one resource node.
type NodeResult struct {
	Address  string
	Action   sdk.Action
	Status   string
	Duration time.Duration
	Error    error
}

// ApplyResult aggregates per-node outcomes. A run with failures still
// carries the results of every node that did run.
type ApplyResult struct {
	Results  map[string]*NodeResult
	Realized int
	Failed   int
	Skipped  int
}

func (r *ApplyResult) record(res *NodeResult) {
	r.Results[res.Address] = res
	switch res.Status {
	case NodeRealized:
		r.Realized++
	case NodeFailed:
		r.Failed++
	case NodeSkipped:
		r.Skipped++
	}
}

// ApplyPlan executes a plan and updates the state in place.
func (e *Engine) ApplyPlan(ctx context.Context, cfg *ir.Config, plan *ir.Plan, state *ir.State) (*ApplyResult, error) {
	return e.ApplyPlanWithOptions(ctx, cfg, plan, state, nil)
}

// ApplyPlanWithOptions executes a plan with progress callbacks and bounded
// parallelism. Nodes run concurrently once their dependencies are
// realized; a failed node fails alone, its dependents are skipped, and
// every other branch keeps going. Cancelling ctx stops scheduling new
// nodes while in-flight operations run to completion.
func (e *Engine) ApplyPlanWithOptions(ctx context.Context, cfg *ir.Config, plan *ir.Plan, state *ir.State, opts *ApplyOptions) (*ApplyResult, error) {
	if opts == nil {
		opts = &ApplyOptions{}
	}
	if plan.Metadata.Lineage != state.Lineage {
		return nil, fmt.Errorf("plan was created against a different state lineage")
	}
	if plan.Metadata.StateSerial != state.Serial {
		return nil, &StateConflictError{Expected: plan.Metadata.StateSerial, Actual: state.Serial}
	}

	an, err := e.analyze(cfg, opts.Variables)
	if err != nil {
		return nil, err
	}
	if err := e.configureProviders(ctx, cfg, an, state); err != nil {
		return nil, err
	}

	run := &applyRun{
		engine:  e,
		an:      an,
		state:   state,
		scope:   eval.NewResourceScope(),
		result:  &ApplyResult{Results: map[string]*NodeResult{}},
		emit:    func(ApplyEvent) {},
		workers: e.Parallelism,
	}
	if opts.Parallelism > 0 {
		run.workers = opts.Parallelism
	}
	if run.workers <= 0 {
		run.workers = defaultParallelism
	}
	if opts.Callback != nil {
		run.emit = opts.Callback
	}

	// Seed the evaluation scope with everything already realized so nodes
	// that reference untouched resources resolve immediately.
	for _, rs := range state.Resources {
		if err := run.scope.SetKnown(rs.Type, rs.Name, rs.Outputs); err != nil {
			return nil, err
		}
	}

	var mutations, deletions []*ir.ResourceChange
	for _, change := range plan.Changes {
		if change.Action == sdk.ActionDelete {
			deletions = append(deletions, change)
		} else {
			mutations = append(mutations, change)
		}
	}

	// Creates, updates and replaces run first, ordered by the config
	// graph. Deletions follow, ordered by the recorded state graph so a
	// resource outlives everything that depended on it.
	if len(mutations) > 0 {
		run.runPhase(ctx, buildMutationNodes(mutations, an))
	}
	if len(deletions) > 0 {
		stateDag, err := BuildDAGFromState(state.Resources)
		if err != nil {
			return run.result, err
		}
		run.runPhase(ctx, buildDeletionNodes(deletions, stateDag))
	}

	if plan.Metadata.Destroy {
		state.Outputs = nil
	} else if run.result.Failed == 0 && run.result.Skipped == 0 {
		outs, err := eval.EvalOutputs(cfg.Outputs, run.scope.Context(an.baseCtx))
		if err != nil {
			return run.result, &ConfigurationError{Err: err}
		}
		state.Outputs = outs
	}

	if run.result.Failed > 0 {
		var errs []error
		for _, addr := range sortedAddrs(run.result.Results) {
			if res := run.result.Results[addr]; res.Status == NodeFailed {
				errs = append(errs, res.Error)
			}
		}
		return run.result, fmt.Errorf("%d resource(s) failed: %w", run.result.Failed, errors.Join(errs...))
	}
	// Nodes skipped without any failure means the run was cancelled.
	if err := ctx.Err(); err != nil && run.result.Skipped > 0 {
		return run.result, fmt.Errorf("apply cancelled: %w", err)
	}
	return run.result, nil
}

// applyNode is one schedulable unit. Claim guards against the execute
// path and the skip cascade both finishing the same node.
type applyNode struct {
	change     *ir.ResourceChange
	res        *ir.Resource // nil for state-only deletions
	deps       []string
	dependents []string
	pending    atomic.Int32
	claimed    atomic.Bool
}

// buildMutationNodes wires create/update/replace changes with the edges of
// the configuration graph, restricted to addresses in this run.
func buildMutationNodes(changes []*ir.ResourceChange, an *analysis) map[string]*applyNode {
	nodes := make(map[string]*applyNode, len(changes))
	for _, c := range changes {
		nodes[c.Address] = &applyNode{change: c, res: an.byAddr[c.Address]}
	}
	for addr, node := range nodes {
		for _, dep := range an.dag.Dependencies(addr) {
			if _, scheduled := nodes[dep]; scheduled {
				node.deps = append(node.deps, dep)
				nodes[dep].dependents = append(nodes[dep].dependents, addr)
			}
		}
		node.pending.Store(int32(len(node.deps)))
	}
	return nodes
}

// buildDeletionNodes wires deletions with inverted state edges: an entry
// waits for the deletion of everything that depended on it.
func buildDeletionNodes(changes []*ir.ResourceChange, stateDag *DAG) map[string]*applyNode {
	nodes := make(map[string]*applyNode, len(changes))
	for _, c := range changes {
		nodes[c.Address] = &applyNode{change: c}
	}
	for addr, node := range nodes {
		for _, dependent := range stateDag.Dependents(addr) {
			if _, scheduled := nodes[dependent]; scheduled {
				node.deps = append(node.deps, dependent)
				nodes[dependent].dependents = append(nodes[dependent].dependents, addr)
			}
		}
		node.pending.Store(int32(len(node.deps)))
	}
	return nodes
}

// applyRun carries the shared execution context of one apply. All state
// and scope mutation happens under mu; providers do their work outside it.
type applyRun struct {
	engine  *Engine
	an      *analysis
	state   *ir.State
	scope   *eval.ResourceScope
	result  *ApplyResult
	emit    ApplyCallback
	workers int

	mu sync.Mutex
}

// runPhase drains one node set through a bounded worker pool. Nodes become
// ready when their last dependency is realized; failures cascade a skip
// through their dependents without stopping independent branches.
func (r *applyRun) runPhase(ctx context.Context, nodes map[string]*applyNode) {
	ready := make(chan *applyNode, len(nodes))
	var wg sync.WaitGroup
	wg.Add(len(nodes))

	for _, node := range nodes {
		if node.pending.Load() == 0 {
			ready <- node
		}
	}
	go func() {
		wg.Wait()
		close(ready)
	}()

	workers := r.workers
	if workers > len(nodes) {
		workers = len(nodes)
	}

	var workerWg sync.WaitGroup
	for i := 0; i < workers; i++ {
		workerWg.Add(1)
		go func() {
			defer workerWg.Done()
			for node := range ready {
				if !node.claimed.CompareAndSwap(false, true) {
					continue
				}
				if err := ctx.Err(); err != nil {
					r.finishSkipped(nodes, node, fmt.Errorf("apply cancelled: %w", err), &wg)
					continue
				}
				r.execute(ctx, nodes, node, ready, &wg)
			}
		}()
	}
	workerWg.Wait()
}

func (r *applyRun) execute(ctx context.Context, nodes map[string]*applyNode, node *applyNode, ready chan *applyNode, wg *sync.WaitGroup) {
	addr := node.change.Address
	start := time.Now()
	r.emit(ApplyEvent{Address: addr, Action: node.change.Action, Status: "started"})

	err := r.engine.executeChange(ctx, r, node)
	duration := time.Since(start)

	if err != nil {
		logging.Error("resource operation failed", "address", addr, "error", err)
		r.emit(ApplyEvent{Address: addr, Action: node.change.Action, Status: "failed", Duration: duration, Error: err})
		r.mu.Lock()
		r.result.record(&NodeResult{Address: addr, Action: node.change.Action, Status: NodeFailed, Duration: duration, Error: err})
		r.mu.Unlock()
		wg.Done()
		r.skipDependents(nodes, node, fmt.Errorf("dependency %s failed", addr), wg)
		return
	}

	r.emit(ApplyEvent{Address: addr, Action: node.change.Action, Status: "completed", Duration: duration})
	r.mu.Lock()
	r.result.record(&NodeResult{Address: addr, Action: node.change.Action, Status: NodeRealized, Duration: duration})
	r.mu.Unlock()

	// Notify dependents before releasing this node's slot in the wait
	// group; the ready channel closes once the count drains.
	for _, depAddr := range node.dependents {
		dependent := nodes[depAddr]
		if dependent.pending.Add(-1) == 0 {
			ready <- dependent
		}
	}
	wg.Done()
}

// skipDependents marks every transitive dependent of node as skipped.
// Claiming guards the race with a dependent becoming ready through
// another, still-successful dependency.
func (r *applyRun) skipDependents(nodes map[string]*applyNode, node *applyNode, cause error, wg *sync.WaitGroup) {
	for _, depAddr := range node.dependents {
		dependent := nodes[depAddr]
		if !dependent.claimed.CompareAndSwap(false, true) {
			continue
		}
		r.finishSkipped(nodes, dependent, cause, wg)
	}
}

func (r *applyRun) finishSkipped(nodes map[string]*applyNode, node *applyNode, cause error, wg *sync.WaitGroup) {
	addr := node.change.Address
	r.emit(ApplyEvent{Address: addr, Action: node.change.Action, Status: "skipped", Error: cause})
	r.mu.Lock()
	r.result.record(&NodeResult{Address: addr, Action: node.change.Action, Status: NodeSkipped, Error: cause})
	r.mu.Unlock()
	wg.Done()
	r.skipDependents(nodes, node, fmt.Errorf("dependency %s was skipped", addr), wg)
}

// executeChange performs one node's provider operations. The per-resource
// timeout still applies after a cancel; the operation context is detached
// from the run context so in-flight work drains instead of aborting.
func (e *Engine) executeChange(ctx context.Context, run *applyRun, node *applyNode) error {
	change := node.change
	addr := change.Address
	logging.Debug("applying change", "address", addr, "action", change.Action)

	var timeout time.Duration
	if node.res != nil {
		timeout = node.res.Timeout
	}
	opCtx, cancel := WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	prov, err := e.registry.Get(change.Provider)
	if err != nil {
		return &ConfigurationError{Err: err}
	}

	run.mu.Lock()
	prior := run.state.Resource(addr)
	var priorOutputs map[string]any
	if prior != nil {
		priorOutputs = prior.Outputs
	}
	run.mu.Unlock()

	var priorJSON []byte
	if priorOutputs != nil {
		if priorJSON, err = json.Marshal(priorOutputs); err != nil {
			return fmt.Errorf("marshal prior outputs for %s: %w", addr, err)
		}
	}

	if change.Action == sdk.ActionDelete {
		if err := e.destroyResource(opCtx, prov, change, priorJSON); err != nil {
			return err
		}
		run.mu.Lock()
		run.state.RemoveResource(addr)
		run.mu.Unlock()
		return nil
	}

	// Re-evaluate arguments against realized dependency outputs; values
	// unknown at plan time are concrete now.
	run.mu.Lock()
	evalCtx := eval.InstanceContext(run.scope.Context(run.an.baseCtx), node.res.Each)
	run.mu.Unlock()
	known, unknown, err := eval.EvalArguments(node.res, evalCtx)
	if err != nil {
		return &ConfigurationError{Err: err}
	}
	known, unknown = retainIgnoredChanges(node.res, known, unknown, prior)
	if len(unknown) > 0 {
		return fmt.Errorf("resource %s: attributes %v still unknown at apply time", addr, unknown)
	}
	desiredJSON, err := json.Marshal(known)
	if err != nil {
		return fmt.Errorf("marshal arguments for %s: %w", addr, err)
	}

	var outputs map[string]any
	switch change.Action {
	case sdk.ActionCreate, sdk.ActionUpdate:
		applyPrior := priorJSON
		if change.Action == sdk.ActionCreate {
			applyPrior = nil
		}
		outputs, err = e.applyResource(opCtx, prov, change, desiredJSON, applyPrior)
		if err != nil {
			return err
		}
	case sdk.ActionReplace:
		cbd := node.res.Lifecycle != nil && node.res.Lifecycle.CreateBeforeDestroy
		if cbd {
			outputs, err = e.applyResource(opCtx, prov, change, desiredJSON, nil)
			if err != nil {
				return err
			}
			if err := e.destroyResource(opCtx, prov, change, priorJSON); err != nil {
				return fmt.Errorf("replacement created but the old resource was not destroyed: %w", err)
			}
		} else {
			if err := e.destroyResource(opCtx, prov, change, priorJSON); err != nil {
				return err
			}
			run.mu.Lock()
			run.state.RemoveResource(addr)
			run.mu.Unlock()
			outputs, err = e.applyResource(opCtx, prov, change, desiredJSON, nil)
			if err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("resource %s: unexpected action %q", addr, change.Action)
	}

	newState := &ir.ResourceState{
		Type:         change.Type,
		Name:         change.Name,
		Provider:     change.Provider,
		Status:       ir.StatusRealized,
		Inputs:       known,
		InputsHash:   hashInputs(known),
		Outputs:      outputs,
		Dependencies: run.an.dag.Dependencies(addr),
	}

	run.mu.Lock()
	run.state.PutResource(newState)
	err = run.scope.SetKnown(change.Type, change.Name, outputs)
	run.mu.Unlock()
	return err
}

func (e *Engine) applyResource(ctx context.Context, prov sdk.Provider, change *ir.ResourceChange, desiredJSON, priorJSON []byte) (map[string]any, error) {
	var resp *sdk.ApplyResponse
	err := RetryWithBackoff(ctx, nil, func() error {
		var applyErr error
		resp, applyErr = prov.Apply(ctx, &sdk.ApplyRequest{
			Type:        change.Type,
			Name:        change.Name,
			DesiredJSON: desiredJSON,
			PriorJSON:   priorJSON,
			Action:      change.Action,
		})
		if applyErr != nil {
			return applyErr
		}
		return sdk.DiagnosticsError(resp.Diagnostics)
	}, IsTransientError)
	if err != nil {
		return nil, classifyError(change, err)
	}

	var outputs map[string]any
	if len(resp.StateJSON) > 0 {
		if err := json.Unmarshal(resp.StateJSON, &outputs); err != nil {
			return nil, fmt.Errorf("provider returned invalid state for %s: %w", change.Address, err)
		}
	}
	return outputs, nil
}

func (e *Engine) destroyResource(ctx context.Context, prov sdk.Provider, change *ir.ResourceChange, priorJSON []byte) error {
	err := RetryWithBackoff(ctx, nil, func() error {
		resp, destroyErr := prov.Destroy(ctx, &sdk.DestroyRequest{
			Type:      change.Type,
			Name:      change.Name,
			StateJSON: priorJSON,
		})
		if destroyErr != nil {
			return destroyErr
		}
		return sdk.DiagnosticsError(resp.Diagnostics)
	}, IsTransientError)
	if err != nil {
		return classifyError(change, err)
	}
	return nil
}

// classifyError sorts a provider failure into the taxonomy: commands that
// ran and failed carry their exit status, everything else is an external
// API failure.
func classifyError(change *ir.ResourceChange, err error) error {
	var ec exitCoder
	if errors.As(err, &ec) {
		return &ProvisionerError{Address: change.Address, ExitCode: ec.ExitCode(), Err: err}
	}
	return &ProviderError{Address: change.Address, Provider: change.Provider, Err: err}
}

func sortedAddrs(results map[string]*NodeResult) []string {
	addrs := make([]string, 0, len(results))
	for addr := range results {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}
