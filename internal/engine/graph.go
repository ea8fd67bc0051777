package engine

import (
	"sort"
	"strings"

	"github.com/girder-io/girder/internal/eval"
	"github.com/girder-io/girder/internal/ir"
)

// DAG is the dependency graph over resource instances. Nodes are instance
// addresses; an edge A -> B means A must be realized before B starts.
type DAG struct {
	nodes    map[string]*dagNode
	order    []string // topological order (creation order)
	revOrder []string // reverse topological order (destruction order)
}

type dagNode struct {
	addr      string
	declIndex int
	edges     []string // addresses this node depends on
	revEdges  []string // addresses that depend on this node
}

// BuildDAG constructs the dependency graph from expanded resources,
// resolving explicit depends_on entries and the implicit references in
// argument expressions. A reference to an undeclared identity fails with
// UnresolvedReferenceError; a loop fails with CyclicDependencyError.
func BuildDAG(resources []*ir.Resource) (*DAG, error) {
	dag := &DAG{
		nodes: make(map[string]*dagNode, len(resources)),
	}

	for i, res := range resources {
		dag.nodes[res.Addr()] = &dagNode{addr: res.Addr(), declIndex: i}
	}

	for _, res := range resources {
		node := dag.nodes[res.Addr()]
		seen := map[string]bool{}
		for _, ref := range eval.References(res) {
			targets, ok := dag.resolve(ref.Subject)
			if !ok {
				return nil, &UnresolvedReferenceError{
					Referrer: res.Addr(),
					Subject:  ref.Subject,
					Range:    ref.Range,
				}
			}
			for _, target := range targets {
				if target == res.Addr() || seen[target] {
					continue
				}
				seen[target] = true
				node.edges = append(node.edges, target)
			}
		}
	}

	dag.buildReverseEdges()
	return dag, dag.sortNodes()
}

// BuildDAGFromState constructs the graph from recorded state entries, for
// destroys and for ordering deletions of resources no longer declared.
// Dependencies that point at entries already gone are skipped.
func BuildDAGFromState(resources []*ir.ResourceState) (*DAG, error) {
	dag := &DAG{
		nodes: make(map[string]*dagNode, len(resources)),
	}

	for i, res := range resources {
		dag.nodes[res.Addr()] = &dagNode{addr: res.Addr(), declIndex: i}
	}
	for _, res := range resources {
		node := dag.nodes[res.Addr()]
		for _, dep := range res.Dependencies {
			if _, ok := dag.nodes[dep]; ok {
				node.edges = append(node.edges, dep)
			}
		}
	}

	dag.buildReverseEdges()
	return dag, dag.sortNodes()
}

// resolve maps a reference subject to concrete node addresses. An exact
// instance address matches itself; a bare "type.name" reference to an
// expanded resource matches every instance of it.
func (d *DAG) resolve(subject string) ([]string, bool) {
	if _, ok := d.nodes[subject]; ok {
		return []string{subject}, true
	}
	prefix := subject + "["
	var targets []string
	for addr := range d.nodes {
		if strings.HasPrefix(addr, prefix) {
			targets = append(targets, addr)
		}
	}
	if len(targets) == 0 {
		return nil, false
	}
	sort.Strings(targets)
	return targets, true
}

func (d *DAG) buildReverseEdges() {
	for addr, node := range d.nodes {
		for _, dep := range node.edges {
			d.nodes[dep].revEdges = append(d.nodes[dep].revEdges, addr)
		}
	}
}

// sortNodes computes the topological order with Kahn's algorithm. Among
// simultaneously ready nodes the one declared first wins, which keeps
// plans reproducible across runs.
func (d *DAG) sortNodes() error {
	inDegree := make(map[string]int, len(d.nodes))
	for addr, node := range d.nodes {
		inDegree[addr] = len(node.edges)
	}

	var ready []string
	for addr, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, addr)
		}
	}

	sorted := make([]string, 0, len(d.nodes))
	for len(ready) > 0 {
		min := 0
		for i := 1; i < len(ready); i++ {
			if d.nodes[ready[i]].declIndex < d.nodes[ready[min]].declIndex {
				min = i
			}
		}
		addr := ready[min]
		ready = append(ready[:min], ready[min+1:]...)
		sorted = append(sorted, addr)

		for _, dependent := range d.nodes[addr].revEdges {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(sorted) != len(d.nodes) {
		return &CyclicDependencyError{Cycle: d.findCycle(inDegree)}
	}

	d.order = sorted
	d.revOrder = make([]string, len(sorted))
	for i, addr := range sorted {
		d.revOrder[len(sorted)-1-i] = addr
	}
	return nil
}

// findCycle walks the unsorted remainder left by Kahn's algorithm and
// returns one concrete loop for the error message.
func (d *DAG) findCycle(inDegree map[string]int) []string {
	remaining := map[string]bool{}
	start := ""
	for addr, deg := range inDegree {
		if deg > 0 {
			remaining[addr] = true
			if start == "" || d.nodes[addr].declIndex < d.nodes[start].declIndex {
				start = addr
			}
		}
	}
	if start == "" {
		return nil
	}

	seen := map[string]int{}
	var path []string
	cur := start
	for {
		if at, ok := seen[cur]; ok {
			return append(path[at:], cur)
		}
		seen[cur] = len(path)
		path = append(path, cur)

		next := ""
		for _, dep := range d.nodes[cur].edges {
			if remaining[dep] {
				next = dep
				break
			}
		}
		if next == "" {
			return path
		}
		cur = next
	}
}

// CreationOrder returns instance addresses in dependency-respecting
// creation order.
func (d *DAG) CreationOrder() []string {
	return d.order
}

// DestructionOrder returns instance addresses in reverse dependency
// order, safe for teardown.
func (d *DAG) DestructionOrder() []string {
	return d.revOrder
}

// Dependencies returns the addresses addr depends on.
func (d *DAG) Dependencies(addr string) []string {
	if node, ok := d.nodes[addr]; ok {
		return node.edges
	}
	return nil
}

// Dependents returns the addresses that depend on addr.
func (d *DAG) Dependents(addr string) []string {
	if node, ok := d.nodes[addr]; ok {
		return node.revEdges
	}
	return nil
}

// TransitiveDependencies returns every address reachable from addr along
// dependency edges, used to widen target sets so a targeted resource
// never applies before what it needs.
func (d *DAG) TransitiveDependencies(addr string) []string {
	return d.walk(addr, func(n *dagNode) []string { return n.edges })
}

// TransitiveDependents returns every address that directly or indirectly
// depends on addr, used to widen target sets on destroy.
func (d *DAG) TransitiveDependents(addr string) []string {
	return d.walk(addr, func(n *dagNode) []string { return n.revEdges })
}

func (d *DAG) walk(addr string, next func(*dagNode) []string) []string {
	seen := map[string]bool{addr: true}
	queue := []string{addr}
	var result []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		node, ok := d.nodes[cur]
		if !ok {
			continue
		}
		for _, n := range next(node) {
			if seen[n] {
				continue
			}
			seen[n] = true
			result = append(result, n)
			queue = append(queue, n)
		}
	}
	sort.Strings(result)
	return result
}
