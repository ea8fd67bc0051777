package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	aiplatform "google.golang.org/api/aiplatform/v1"

	"github.com/girder-io/girder/pkg/sdk"
)

type vertexEndpointConfig struct {
	DisplayName string            `json:"display_name"`
	Location    string            `json:"location"`
	Labels      map[string]string `json:"labels"`
	Name        string            `json:"name"`
}

func (p *Provider) vertexLocation(cfg vertexEndpointConfig) string {
	if cfg.Location != "" {
		return cfg.Location
	}
	return p.region
}

func (p *Provider) applyVertexEndpoint(ctx context.Context, req *sdk.ApplyRequest) (*sdk.ApplyResponse, error) {
	var desired vertexEndpointConfig
	if err := json.Unmarshal(req.DesiredJSON, &desired); err != nil {
		return nil, fmt.Errorf("unmarshal desired config: %w", err)
	}

	if req.Action == sdk.ActionUpdate {
		var prior vertexEndpointConfig
		if err := json.Unmarshal(req.PriorJSON, &prior); err != nil {
			return nil, fmt.Errorf("unmarshal prior state: %w", err)
		}
		endpoint, err := p.vertexSvc.Projects.Locations.Endpoints.Patch(prior.Name,
			&aiplatform.GoogleCloudAiplatformV1Endpoint{
				DisplayName: desired.DisplayName,
				Labels:      desired.Labels,
			}).UpdateMask("displayName,labels").Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("patch endpoint: %w", err)
		}
		return echoState(req.DesiredJSON, map[string]any{
			"id":   endpoint.Name,
			"name": endpoint.Name,
		})
	}

	parent := fmt.Sprintf("projects/%s/locations/%s", p.project, p.vertexLocation(desired))
	op, err := p.vertexSvc.Projects.Locations.Endpoints.Create(parent,
		&aiplatform.GoogleCloudAiplatformV1Endpoint{
			DisplayName: desired.DisplayName,
			Labels:      desired.Labels,
		}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("create endpoint: %w", err)
	}
	if op, err = p.waitVertexOp(ctx, op); err != nil {
		return nil, err
	}

	// The finished operation carries the created endpoint.
	var created aiplatform.GoogleCloudAiplatformV1Endpoint
	if err := json.Unmarshal(op.Response, &created); err != nil {
		return nil, fmt.Errorf("unmarshal operation response: %w", err)
	}
	return echoState(req.DesiredJSON, map[string]any{
		"id":   created.Name,
		"name": created.Name,
	})
}

func (p *Provider) readVertexEndpoint(ctx context.Context, req *sdk.ReadRequest) (*sdk.ReadResponse, error) {
	var recorded vertexEndpointConfig
	if err := json.Unmarshal(req.StateJSON, &recorded); err != nil {
		return nil, fmt.Errorf("unmarshal recorded state: %w", err)
	}
	endpoint, err := p.vertexSvc.Projects.Locations.Endpoints.Get(recorded.Name).Context(ctx).Do()
	if isNotFound(err) {
		return &sdk.ReadResponse{Exists: false}, nil
	}
	if err != nil {
		return nil, err
	}
	return refreshState(req.StateJSON, map[string]any{
		"display_name": endpoint.DisplayName,
	})
}

func (p *Provider) destroyVertexEndpoint(ctx context.Context, req *sdk.DestroyRequest) error {
	var recorded vertexEndpointConfig
	if err := json.Unmarshal(req.StateJSON, &recorded); err != nil {
		return fmt.Errorf("unmarshal recorded state: %w", err)
	}
	op, err := p.vertexSvc.Projects.Locations.Endpoints.Delete(recorded.Name).Context(ctx).Do()
	if err != nil {
		return err
	}
	_, err = p.waitVertexOp(ctx, op)
	return err
}

func (p *Provider) waitVertexOp(ctx context.Context, op *aiplatform.GoogleLongrunningOperation) (*aiplatform.GoogleLongrunningOperation, error) {
	for {
		if op.Done {
			if op.Error != nil {
				return nil, fmt.Errorf("operation %s failed: %s", op.Name, op.Error.Message)
			}
			return op, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(computePollInterval):
		}
		var err error
		if op, err = p.vertexSvc.Projects.Locations.Operations.Get(op.Name).Context(ctx).Do(); err != nil {
			return nil, err
		}
	}
}
