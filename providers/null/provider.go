// Package null implements the null provider: resources with no remote
// object behind them. A null_resource realizes instantly and is replaced
// whenever its triggers change, which makes it the standard way to hang
// provisioner-style work off upstream changes.
package null

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/girder-io/girder/pkg/sdk"
)

type Provider struct{}

func New() *Provider {
	return &Provider{}
}

var resourceSchema = &sdk.Schema{
	Attributes: map[string]*sdk.AttributeSchema{
		"triggers": {ForcesReplacement: true},
		"id":       {Computed: true},
	},
}

func (p *Provider) Configure(ctx context.Context, req *sdk.ConfigureRequest) (*sdk.ConfigureResponse, error) {
	return &sdk.ConfigureResponse{}, nil
}

func (p *Provider) Schema(resourceType string) (*sdk.Schema, error) {
	if resourceType != "null_resource" {
		return nil, fmt.Errorf("unknown resource type: %s", resourceType)
	}
	return resourceSchema, nil
}

func (p *Provider) Plan(ctx context.Context, req *sdk.PlanRequest) (*sdk.PlanResponse, error) {
	if _, err := p.Schema(req.Type); err != nil {
		return nil, err
	}
	return sdk.DiffAttributes(resourceSchema, req)
}

func (p *Provider) Apply(ctx context.Context, req *sdk.ApplyRequest) (*sdk.ApplyResponse, error) {
	var desired map[string]any
	if err := json.Unmarshal(req.DesiredJSON, &desired); err != nil {
		return nil, fmt.Errorf("unmarshal desired config: %w", err)
	}

	state := map[string]any{
		"id": uuid.NewString(),
	}
	if triggers, ok := desired["triggers"]; ok {
		state["triggers"] = triggers
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return &sdk.ApplyResponse{StateJSON: stateJSON}, nil
}

func (p *Provider) Read(ctx context.Context, req *sdk.ReadRequest) (*sdk.ReadResponse, error) {
	// Nothing exists remotely; the recorded state is authoritative.
	return &sdk.ReadResponse{Exists: true, StateJSON: req.StateJSON}, nil
}

func (p *Provider) Destroy(ctx context.Context, req *sdk.DestroyRequest) (*sdk.DestroyResponse, error) {
	return &sdk.DestroyResponse{}, nil
}
