package sdk

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// DiffAttributes implements the standard plan classification providers
// share: compare desired against prior attribute by attribute, treat the
// listed unknown attributes as changed, and derive the action from the
// schema's replacement rules. Computed attributes are never diffed.
func DiffAttributes(schema *Schema, req *PlanRequest) (*PlanResponse, error) {
	if req.DesiredJSON == nil && req.PriorJSON == nil {
		return &PlanResponse{Action: ActionNoOp}, nil
	}
	if req.DesiredJSON == nil {
		return &PlanResponse{Action: ActionDelete}, nil
	}

	var desired map[string]any
	if err := json.Unmarshal(req.DesiredJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired config: %w", err)
	}

	if req.PriorJSON == nil {
		return &PlanResponse{Action: ActionCreate}, nil
	}
	var prior map[string]any
	if err := json.Unmarshal(req.PriorJSON, &prior); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prior state: %w", err)
	}

	changed := map[string]bool{}
	for name, want := range desired {
		if schema.IsComputed(name) {
			continue
		}
		if got, ok := prior[name]; !ok || !reflect.DeepEqual(want, got) {
			changed[name] = true
		}
	}
	for name := range prior {
		if schema.IsComputed(name) || name == "id" {
			continue
		}
		if _, ok := desired[name]; !ok {
			changed[name] = true
		}
	}
	for _, name := range req.Unknown {
		changed[name] = true
	}

	if len(changed) == 0 {
		return &PlanResponse{Action: ActionNoOp}, nil
	}

	resp := &PlanResponse{Action: ActionUpdate}
	for name := range changed {
		resp.ChangedAttributes = append(resp.ChangedAttributes, name)
		if schema.ForcesReplacement(name) {
			resp.ReplacedBy = append(resp.ReplacedBy, name)
		}
	}
	sort.Strings(resp.ChangedAttributes)
	sort.Strings(resp.ReplacedBy)
	if len(resp.ReplacedBy) > 0 {
		resp.Action = ActionReplace
	}
	return resp, nil
}
