package ir

import (
	"time"

	"github.com/girder-io/girder/pkg/sdk"
)

// Plan is a calculated execution plan: the ordered set of operations that
// would reconcile the desired configuration with the state snapshot.
type Plan struct {
	Metadata *PlanMetadata     `json:"metadata"`
	Changes  []*ResourceChange `json:"changes"`
	Summary  *PlanSummary      `json:"summary"`
	Outputs  map[string]any    `json:"outputs,omitempty"`
}

type PlanMetadata struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	StateSerial uint64    `json:"state_serial"`
	Lineage     string    `json:"lineage"`
	Targets     []string  `json:"targets,omitempty"`
	Destroy     bool      `json:"destroy,omitempty"`
	// Variables records the overrides the plan was created with so a saved
	// plan replays them at apply time.
	Variables map[string]string `json:"variables,omitempty"`
}

// ResourceChange is one planned operation. Changes appear in creation
// order; delete-only changes are ordered for destruction.
type ResourceChange struct {
	Address  string                    `json:"address"`
	Type     string                    `json:"type"`
	Name     string                    `json:"name"`
	Provider string                    `json:"provider"`
	Action   sdk.Action                `json:"action"`
	Prior    map[string]any            `json:"prior,omitempty"`
	Desired  map[string]any            `json:"desired,omitempty"`
	Unknown  []string                  `json:"unknown,omitempty"`
	Diff     map[string]*AttributeDiff `json:"diff,omitempty"`
	Reason   string                    `json:"reason,omitempty"`
}

// AttributeDiff describes one attribute's transition. Unknown marks values
// that cannot be known until a dependency is realized; they render as
// "(known after apply)".
type AttributeDiff struct {
	Before            any  `json:"before"`
	After             any  `json:"after"`
	Unknown           bool `json:"unknown,omitempty"`
	Sensitive         bool `json:"sensitive,omitempty"`
	ForcesReplacement bool `json:"forces_replacement,omitempty"`
}

type PlanSummary struct {
	Create  int `json:"create"`
	Update  int `json:"update"`
	Delete  int `json:"delete"`
	Replace int `json:"replace"`
	NoOp    int `json:"noop"`
}

// HasChanges reports whether the plan proposes any operation besides no-op.
func (p *Plan) HasChanges() bool {
	if p.Summary == nil {
		return false
	}
	s := p.Summary
	return s.Create+s.Update+s.Delete+s.Replace > 0
}

// Change returns the planned change for addr, or nil.
func (p *Plan) Change(addr string) *ResourceChange {
	for _, c := range p.Changes {
		if c.Address == addr {
			return c
		}
	}
	return nil
}
