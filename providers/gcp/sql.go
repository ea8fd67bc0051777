package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sqladmin "google.golang.org/api/sqladmin/v1"

	"github.com/girder-io/girder/pkg/sdk"
)

type sqlInstanceConfig struct {
	Name            string `json:"name"`
	Region          string `json:"region"`
	DatabaseVersion string `json:"database_version"`
	Tier            string `json:"tier"`
	DiskSizeGb      int64  `json:"disk_size_gb"`
	BackupsEnabled  bool   `json:"backups_enabled"`
	IPv4Enabled     bool   `json:"ipv4_enabled"`
	PrivateNetwork  string `json:"private_network"`
}

func (c sqlInstanceConfig) settings() *sqladmin.Settings {
	settings := &sqladmin.Settings{
		Tier:           c.Tier,
		DataDiskSizeGb: c.DiskSizeGb,
		BackupConfiguration: &sqladmin.BackupConfiguration{
			Enabled:         c.BackupsEnabled,
			ForceSendFields: []string{"Enabled"},
		},
		IpConfiguration: &sqladmin.IpConfiguration{
			Ipv4Enabled:     c.IPv4Enabled,
			PrivateNetwork:  c.PrivateNetwork,
			ForceSendFields: []string{"Ipv4Enabled"},
		},
	}
	return settings
}

func (p *Provider) applySQLInstance(ctx context.Context, req *sdk.ApplyRequest) (*sdk.ApplyResponse, error) {
	var desired sqlInstanceConfig
	if err := json.Unmarshal(req.DesiredJSON, &desired); err != nil {
		return nil, fmt.Errorf("unmarshal desired config: %w", err)
	}

	if req.Action == sdk.ActionUpdate {
		op, err := p.sqlSvc.Instances.Patch(p.project, desired.Name, &sqladmin.DatabaseInstance{
			Settings: desired.settings(),
		}).Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("patch sql instance: %w", err)
		}
		if err := p.waitSQLOp(ctx, op); err != nil {
			return nil, err
		}
		return p.sqlInstanceState(ctx, req.DesiredJSON, desired.Name)
	}

	region := desired.Region
	if region == "" {
		region = p.region
	}
	op, err := p.sqlSvc.Instances.Insert(p.project, &sqladmin.DatabaseInstance{
		Name:            desired.Name,
		Region:          region,
		DatabaseVersion: desired.DatabaseVersion,
		Settings:        desired.settings(),
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("create sql instance: %w", err)
	}
	if err := p.waitSQLOp(ctx, op); err != nil {
		return nil, err
	}
	return p.sqlInstanceState(ctx, req.DesiredJSON, desired.Name)
}

func (p *Provider) sqlInstanceState(ctx context.Context, desiredJSON []byte, name string) (*sdk.ApplyResponse, error) {
	instance, err := p.sqlSvc.Instances.Get(p.project, name).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get sql instance: %w", err)
	}
	computed := map[string]any{
		"id":              fmt.Sprintf("projects/%s/instances/%s", p.project, name),
		"connection_name": instance.ConnectionName,
	}
	if len(instance.IpAddresses) > 0 {
		computed["ip_address"] = instance.IpAddresses[0].IpAddress
	}
	return echoState(desiredJSON, computed)
}

func (p *Provider) readSQLInstance(ctx context.Context, req *sdk.ReadRequest) (*sdk.ReadResponse, error) {
	var recorded sqlInstanceConfig
	if err := json.Unmarshal(req.StateJSON, &recorded); err != nil {
		return nil, fmt.Errorf("unmarshal recorded state: %w", err)
	}
	instance, err := p.sqlSvc.Instances.Get(p.project, recorded.Name).Context(ctx).Do()
	if isNotFound(err) {
		return &sdk.ReadResponse{Exists: false}, nil
	}
	if err != nil {
		return nil, err
	}
	live := map[string]any{"connection_name": instance.ConnectionName}
	if instance.Settings != nil {
		live["tier"] = instance.Settings.Tier
		live["disk_size_gb"] = instance.Settings.DataDiskSizeGb
	}
	return refreshState(req.StateJSON, live)
}

func (p *Provider) destroySQLInstance(ctx context.Context, req *sdk.DestroyRequest) error {
	var recorded sqlInstanceConfig
	if err := json.Unmarshal(req.StateJSON, &recorded); err != nil {
		return fmt.Errorf("unmarshal recorded state: %w", err)
	}
	op, err := p.sqlSvc.Instances.Delete(p.project, recorded.Name).Context(ctx).Do()
	if err != nil {
		return err
	}
	return p.waitSQLOp(ctx, op)
}

func (p *Provider) waitSQLOp(ctx context.Context, op *sqladmin.Operation) error {
	for {
		if op.Status == "DONE" {
			if op.Error != nil && len(op.Error.Errors) > 0 {
				return fmt.Errorf("operation %s failed: %s", op.Name, op.Error.Errors[0].Message)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(computePollInterval):
		}
		var err error
		if op, err = p.sqlSvc.Operations.Get(p.project, op.Name).Context(ctx).Do(); err != nil {
			return err
		}
	}
}
