// Package sdk defines the contract between the girder engine and resource
// providers. All payloads cross the boundary as JSON documents so providers
// stay decoupled from the engine's value representation.
package sdk

import (
	"context"
	"errors"
	"strings"
)

// Action is the operation class planned for a resource.
type Action string

const (
	ActionNoOp    Action = "noop"
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionReplace Action = "replace"
	ActionDelete  Action = "delete"
)

// Severity classifies a diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

type Diagnostic struct {
	Severity Severity `json:"severity"`
	Summary  string   `json:"summary"`
	Detail   string   `json:"detail,omitempty"`
}

type ConfigureRequest struct {
	// ConfigJSON holds the evaluated provider block attributes.
	ConfigJSON []byte
}

type ConfigureResponse struct {
	Diagnostics []*Diagnostic
}

type PlanRequest struct {
	Type string
	Name string
	// DesiredJSON holds the resolved configuration attributes whose values
	// are known at plan time. Nil means the resource is being removed.
	DesiredJSON []byte
	// PriorJSON holds the inputs recorded at the last apply. Nil means the
	// resource does not exist yet.
	PriorJSON []byte
	// Unknown lists attributes whose values depend on a resource the same
	// plan will create or replace. They are absent from DesiredJSON and
	// always count as changed.
	Unknown []string
}

type PlanResponse struct {
	Action            Action
	ChangedAttributes []string
	// ReplacedBy names the changed attributes that forced replacement.
	ReplacedBy []string
}

type ApplyRequest struct {
	Type string
	Name string
	// DesiredJSON holds the fully resolved configuration attributes.
	DesiredJSON []byte
	// PriorJSON holds the outputs recorded at the last apply; it carries
	// the provider-side identity needed for in-place updates.
	PriorJSON []byte
	Action    Action
}

type ApplyResponse struct {
	// StateJSON is the realized resource: echoed inputs plus computed
	// outputs, including the provider-side identity under "id".
	StateJSON   []byte
	Diagnostics []*Diagnostic
}

type ReadRequest struct {
	Type string
	Name string
	// StateJSON holds the outputs recorded at the last apply.
	StateJSON []byte
}

type ReadResponse struct {
	Exists    bool
	StateJSON []byte
}

type DestroyRequest struct {
	Type string
	Name string
	// StateJSON holds the outputs recorded at the last apply.
	StateJSON []byte
}

type DestroyResponse struct {
	Diagnostics []*Diagnostic
}

// Provider is implemented once per provider binary or builtin. A provider
// owns one or more resource kinds and reports their attribute behavior
// through Schema.
type Provider interface {
	Configure(ctx context.Context, req *ConfigureRequest) (*ConfigureResponse, error)
	Schema(resourceType string) (*Schema, error)
	Plan(ctx context.Context, req *PlanRequest) (*PlanResponse, error)
	Apply(ctx context.Context, req *ApplyRequest) (*ApplyResponse, error)
	Read(ctx context.Context, req *ReadRequest) (*ReadResponse, error)
	Destroy(ctx context.Context, req *DestroyRequest) (*DestroyResponse, error)
}

// Schema describes one resource kind's attributes.
type Schema struct {
	Attributes map[string]*AttributeSchema
}

// AttributeSchema describes a single attribute. ForcesReplacement marks
// attributes immutable once realized: a change there plans a replace
// instead of an update.
type AttributeSchema struct {
	Required          bool
	Computed          bool
	ForcesReplacement bool
	Sensitive         bool
}

// ForcesReplacement reports whether name is immutable in this schema.
func (s *Schema) ForcesReplacement(name string) bool {
	if s == nil {
		return false
	}
	a, ok := s.Attributes[name]
	return ok && a.ForcesReplacement
}

// IsComputed reports whether name is provider-populated.
func (s *Schema) IsComputed(name string) bool {
	if s == nil {
		return false
	}
	a, ok := s.Attributes[name]
	return ok && a.Computed
}

// IsSensitive reports whether name should be redacted in rendered diffs.
func (s *Schema) IsSensitive(name string) bool {
	if s == nil {
		return false
	}
	a, ok := s.Attributes[name]
	return ok && a.Sensitive
}

// DiagnosticsError folds error-severity diagnostics into a single error,
// or nil when none carry errors.
func DiagnosticsError(diags []*Diagnostic) error {
	var msgs []string
	for _, d := range diags {
		if d.Severity != SeverityError {
			continue
		}
		if d.Detail != "" {
			msgs = append(msgs, d.Summary+": "+d.Detail)
		} else {
			msgs = append(msgs, d.Summary)
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return errors.New(strings.Join(msgs, "; "))
}
