package ir

import (
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// Resource represents a single managed resource declaration. After
// count/for_each expansion each instance is its own Resource with the
// instance key folded into Name, e.g. gcp_subnetwork.tiers["web"].
type Resource struct {
	Type      string
	Name      string
	Provider  string
	Arguments map[string]hcl.Expression
	Lifecycle *Lifecycle
	DependsOn []string
	ForEach   hcl.Expression // nil unless declared; cleared by expansion
	Count     hcl.Expression // nil unless declared; cleared by expansion
	Timeout   time.Duration  // 0 means the engine default
	Each      *EachBinding   // non-nil on expanded instances
	DeclRange hcl.Range
}

// EachBinding carries the per-instance iteration values bound during
// count/for_each expansion.
type EachBinding struct {
	Key        string
	Value      cty.Value
	CountIndex int // -1 for for_each instances
}

type Lifecycle struct {
	CreateBeforeDestroy bool
	PreventDestroy      bool
	IgnoreChanges       []string
}

// Addr returns the resource's global identity, "type.name".
func (r *Resource) Addr() string {
	return r.Type + "." + r.Name
}
