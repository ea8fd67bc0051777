package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	cloudfunctions "google.golang.org/api/cloudfunctions/v1"

	"github.com/girder-io/girder/pkg/sdk"
)

type functionConfig struct {
	Name                 string            `json:"name"`
	Region               string            `json:"region"`
	Runtime              string            `json:"runtime"`
	EntryPoint           string            `json:"entry_point"`
	SourceArchiveURL     string            `json:"source_archive_url"`
	MemoryMb             int64             `json:"memory_mb"`
	Timeout              string            `json:"timeout"`
	EnvironmentVariables map[string]string `json:"environment_variables"`
	ServiceAccountEmail  string            `json:"service_account_email"`
	TriggerHTTP          bool              `json:"trigger_http"`
}

func (p *Provider) functionRegion(cfg functionConfig) string {
	if cfg.Region != "" {
		return cfg.Region
	}
	return p.region
}

func (p *Provider) functionName(region, name string) string {
	return fmt.Sprintf("projects/%s/locations/%s/functions/%s", p.project, region, name)
}

func (c functionConfig) function(name string) *cloudfunctions.CloudFunction {
	fn := &cloudfunctions.CloudFunction{
		Name:                 name,
		Runtime:              c.Runtime,
		EntryPoint:           c.EntryPoint,
		SourceArchiveUrl:     c.SourceArchiveURL,
		AvailableMemoryMb:    c.MemoryMb,
		Timeout:              c.Timeout,
		EnvironmentVariables: c.EnvironmentVariables,
		ServiceAccountEmail:  c.ServiceAccountEmail,
	}
	if c.TriggerHTTP {
		fn.HttpsTrigger = &cloudfunctions.HttpsTrigger{}
	}
	return fn
}

func (p *Provider) applyFunction(ctx context.Context, req *sdk.ApplyRequest) (*sdk.ApplyResponse, error) {
	var desired functionConfig
	if err := json.Unmarshal(req.DesiredJSON, &desired); err != nil {
		return nil, fmt.Errorf("unmarshal desired config: %w", err)
	}
	region := p.functionRegion(desired)
	name := p.functionName(region, desired.Name)

	if req.Action == sdk.ActionUpdate {
		op, err := p.functionsSvc.Projects.Locations.Functions.Patch(name, desired.function(name)).
			UpdateMask("runtime,entryPoint,sourceArchiveUrl,availableMemoryMb,timeout,environmentVariables").
			Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("patch function: %w", err)
		}
		if err := p.waitFunctionOp(ctx, op); err != nil {
			return nil, err
		}
	} else {
		location := fmt.Sprintf("projects/%s/locations/%s", p.project, region)
		op, err := p.functionsSvc.Projects.Locations.Functions.Create(location, desired.function(name)).Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("create function: %w", err)
		}
		if err := p.waitFunctionOp(ctx, op); err != nil {
			return nil, err
		}
	}

	fn, err := p.functionsSvc.Projects.Locations.Functions.Get(name).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get function: %w", err)
	}
	computed := map[string]any{"id": name}
	if fn.HttpsTrigger != nil {
		computed["https_url"] = fn.HttpsTrigger.Url
	}
	return echoState(req.DesiredJSON, computed)
}

func (p *Provider) readFunction(ctx context.Context, req *sdk.ReadRequest) (*sdk.ReadResponse, error) {
	var recorded functionConfig
	if err := json.Unmarshal(req.StateJSON, &recorded); err != nil {
		return nil, fmt.Errorf("unmarshal recorded state: %w", err)
	}
	name := p.functionName(p.functionRegion(recorded), recorded.Name)
	fn, err := p.functionsSvc.Projects.Locations.Functions.Get(name).Context(ctx).Do()
	if isNotFound(err) {
		return &sdk.ReadResponse{Exists: false}, nil
	}
	if err != nil {
		return nil, err
	}
	live := map[string]any{
		"runtime":            fn.Runtime,
		"source_archive_url": fn.SourceArchiveUrl,
		"memory_mb":          fn.AvailableMemoryMb,
	}
	if fn.HttpsTrigger != nil {
		live["https_url"] = fn.HttpsTrigger.Url
	}
	return refreshState(req.StateJSON, live)
}

func (p *Provider) destroyFunction(ctx context.Context, req *sdk.DestroyRequest) error {
	var recorded functionConfig
	if err := json.Unmarshal(req.StateJSON, &recorded); err != nil {
		return fmt.Errorf("unmarshal recorded state: %w", err)
	}
	name := p.functionName(p.functionRegion(recorded), recorded.Name)
	op, err := p.functionsSvc.Projects.Locations.Functions.Delete(name).Context(ctx).Do()
	if err != nil {
		return err
	}
	return p.waitFunctionOp(ctx, op)
}

func (p *Provider) waitFunctionOp(ctx context.Context, op *cloudfunctions.Operation) error {
	for {
		if op.Done {
			if op.Error != nil {
				return fmt.Errorf("operation %s failed: %s", op.Name, op.Error.Message)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(computePollInterval):
		}
		var err error
		if op, err = p.functionsSvc.Operations.Get(op.Name).Context(ctx).Do(); err != nil {
			return err
		}
	}
}
