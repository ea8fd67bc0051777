package gcp

import (
	"context"
	"encoding/json"
	"fmt"

	cloudbuild "google.golang.org/api/cloudbuild/v1"

	"github.com/girder-io/girder/pkg/sdk"
)

type buildTriggerConfig struct {
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	Repo          string            `json:"repo"`
	Branch        string            `json:"branch"`
	Filename      string            `json:"filename"`
	Substitutions map[string]string `json:"substitutions"`
	Disabled      bool              `json:"disabled"`
	ID            string            `json:"id"`
}

func (c buildTriggerConfig) trigger() *cloudbuild.BuildTrigger {
	branch := c.Branch
	if branch == "" {
		branch = "main"
	}
	filename := c.Filename
	if filename == "" {
		filename = "cloudbuild.yaml"
	}
	return &cloudbuild.BuildTrigger{
		Name:          c.Name,
		Description:   c.Description,
		Filename:      filename,
		Substitutions: c.Substitutions,
		Disabled:      c.Disabled,
		TriggerTemplate: &cloudbuild.RepoSource{
			RepoName:   c.Repo,
			BranchName: branch,
		},
	}
}

func (p *Provider) applyBuildTrigger(ctx context.Context, req *sdk.ApplyRequest) (*sdk.ApplyResponse, error) {
	var desired buildTriggerConfig
	if err := json.Unmarshal(req.DesiredJSON, &desired); err != nil {
		return nil, fmt.Errorf("unmarshal desired config: %w", err)
	}

	if req.Action == sdk.ActionUpdate {
		var prior buildTriggerConfig
		if err := json.Unmarshal(req.PriorJSON, &prior); err != nil {
			return nil, fmt.Errorf("unmarshal prior state: %w", err)
		}
		trigger, err := p.buildSvc.Projects.Triggers.Patch(p.project, prior.ID, desired.trigger()).Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("patch build trigger: %w", err)
		}
		return echoState(req.DesiredJSON, map[string]any{"id": trigger.Id})
	}

	trigger, err := p.buildSvc.Projects.Triggers.Create(p.project, desired.trigger()).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("create build trigger: %w", err)
	}
	return echoState(req.DesiredJSON, map[string]any{"id": trigger.Id})
}

func (p *Provider) readBuildTrigger(ctx context.Context, req *sdk.ReadRequest) (*sdk.ReadResponse, error) {
	var recorded buildTriggerConfig
	if err := json.Unmarshal(req.StateJSON, &recorded); err != nil {
		return nil, fmt.Errorf("unmarshal recorded state: %w", err)
	}
	trigger, err := p.buildSvc.Projects.Triggers.Get(p.project, recorded.ID).Context(ctx).Do()
	if isNotFound(err) {
		return &sdk.ReadResponse{Exists: false}, nil
	}
	if err != nil {
		return nil, err
	}
	return refreshState(req.StateJSON, map[string]any{
		"description": trigger.Description,
		"disabled":    trigger.Disabled,
	})
}

func (p *Provider) destroyBuildTrigger(ctx context.Context, req *sdk.DestroyRequest) error {
	var recorded buildTriggerConfig
	if err := json.Unmarshal(req.StateJSON, &recorded); err != nil {
		return fmt.Errorf("unmarshal recorded state: %w", err)
	}
	_, err := p.buildSvc.Projects.Triggers.Delete(p.project, recorded.ID).Context(ctx).Do()
	return err
}
