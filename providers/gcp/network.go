package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	compute "google.golang.org/api/compute/v1"

	"github.com/girder-io/girder/pkg/sdk"
)

type networkConfig struct {
	Name                  string `json:"name"`
	AutoCreateSubnetworks bool   `json:"auto_create_subnetworks"`
	Description           string `json:"description"`
	RoutingMode           string `json:"routing_mode"`
}

func (p *Provider) applyNetwork(ctx context.Context, req *sdk.ApplyRequest) (*sdk.ApplyResponse, error) {
	var desired networkConfig
	if err := json.Unmarshal(req.DesiredJSON, &desired); err != nil {
		return nil, fmt.Errorf("unmarshal desired config: %w", err)
	}

	if req.Action == sdk.ActionUpdate {
		patch := &compute.Network{}
		if desired.RoutingMode != "" {
			patch.RoutingConfig = &compute.NetworkRoutingConfig{RoutingMode: desired.RoutingMode}
		}
		op, err := p.computeSvc.Networks.Patch(p.project, desired.Name, patch).Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("patch network: %w", err)
		}
		if err := p.waitGlobalOp(ctx, op); err != nil {
			return nil, err
		}
		return p.networkState(ctx, req.DesiredJSON, desired.Name)
	}

	network := &compute.Network{
		Name:                  desired.Name,
		Description:           desired.Description,
		AutoCreateSubnetworks: desired.AutoCreateSubnetworks,
		// False must go over the wire or the API defaults to auto mode.
		ForceSendFields: []string{"AutoCreateSubnetworks"},
	}
	if desired.RoutingMode != "" {
		network.RoutingConfig = &compute.NetworkRoutingConfig{RoutingMode: desired.RoutingMode}
	}

	op, err := p.computeSvc.Networks.Insert(p.project, network).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("create network: %w", err)
	}
	if err := p.waitGlobalOp(ctx, op); err != nil {
		return nil, err
	}
	return p.networkState(ctx, req.DesiredJSON, desired.Name)
}

func (p *Provider) networkState(ctx context.Context, desiredJSON []byte, name string) (*sdk.ApplyResponse, error) {
	network, err := p.computeSvc.Networks.Get(p.project, name).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get network: %w", err)
	}
	return echoState(desiredJSON, map[string]any{
		"id":        fmt.Sprintf("projects/%s/global/networks/%s", p.project, name),
		"self_link": network.SelfLink,
	})
}

func (p *Provider) readNetwork(ctx context.Context, req *sdk.ReadRequest) (*sdk.ReadResponse, error) {
	var recorded networkConfig
	if err := json.Unmarshal(req.StateJSON, &recorded); err != nil {
		return nil, fmt.Errorf("unmarshal recorded state: %w", err)
	}
	network, err := p.computeSvc.Networks.Get(p.project, recorded.Name).Context(ctx).Do()
	if isNotFound(err) {
		return &sdk.ReadResponse{Exists: false}, nil
	}
	if err != nil {
		return nil, err
	}
	live := map[string]any{"self_link": network.SelfLink}
	if network.RoutingConfig != nil {
		live["routing_mode"] = network.RoutingConfig.RoutingMode
	}
	return refreshState(req.StateJSON, live)
}

func (p *Provider) destroyNetwork(ctx context.Context, req *sdk.DestroyRequest) error {
	var recorded networkConfig
	if err := json.Unmarshal(req.StateJSON, &recorded); err != nil {
		return fmt.Errorf("unmarshal recorded state: %w", err)
	}
	op, err := p.computeSvc.Networks.Delete(p.project, recorded.Name).Context(ctx).Do()
	if err != nil {
		return err
	}
	return p.waitGlobalOp(ctx, op)
}

type subnetworkConfig struct {
	Name                  string            `json:"name"`
	Network               string            `json:"network"`
	Region                string            `json:"region"`
	IPCidrRange           string            `json:"ip_cidr_range"`
	SecondaryRanges       map[string]string `json:"secondary_ranges"`
	PrivateIPGoogleAccess bool              `json:"private_ip_google_access"`
}

func (p *Provider) subnetRegion(cfg subnetworkConfig) string {
	if cfg.Region != "" {
		return cfg.Region
	}
	return p.region
}

func (p *Provider) applySubnetwork(ctx context.Context, req *sdk.ApplyRequest) (*sdk.ApplyResponse, error) {
	var desired subnetworkConfig
	if err := json.Unmarshal(req.DesiredJSON, &desired); err != nil {
		return nil, fmt.Errorf("unmarshal desired config: %w", err)
	}
	region := p.subnetRegion(desired)

	if req.Action == sdk.ActionUpdate {
		op, err := p.computeSvc.Subnetworks.SetPrivateIpGoogleAccess(p.project, region, desired.Name,
			&compute.SubnetworksSetPrivateIpGoogleAccessRequest{
				PrivateIpGoogleAccess: desired.PrivateIPGoogleAccess,
			}).Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("set private access: %w", err)
		}
		if err := p.waitRegionOp(ctx, region, op); err != nil {
			return nil, err
		}
		return p.subnetworkState(ctx, req.DesiredJSON, region, desired.Name)
	}

	subnet := &compute.Subnetwork{
		Name:                  desired.Name,
		Network:               desired.Network,
		IpCidrRange:           desired.IPCidrRange,
		PrivateIpGoogleAccess: desired.PrivateIPGoogleAccess,
	}
	for rangeName, cidr := range desired.SecondaryRanges {
		subnet.SecondaryIpRanges = append(subnet.SecondaryIpRanges, &compute.SubnetworkSecondaryRange{
			RangeName:   rangeName,
			IpCidrRange: cidr,
		})
	}

	op, err := p.computeSvc.Subnetworks.Insert(p.project, region, subnet).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("create subnetwork: %w", err)
	}
	if err := p.waitRegionOp(ctx, region, op); err != nil {
		return nil, err
	}
	return p.subnetworkState(ctx, req.DesiredJSON, region, desired.Name)
}

func (p *Provider) subnetworkState(ctx context.Context, desiredJSON []byte, region, name string) (*sdk.ApplyResponse, error) {
	subnet, err := p.computeSvc.Subnetworks.Get(p.project, region, name).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get subnetwork: %w", err)
	}
	return echoState(desiredJSON, map[string]any{
		"id":              fmt.Sprintf("projects/%s/regions/%s/subnetworks/%s", p.project, region, name),
		"self_link":       subnet.SelfLink,
		"gateway_address": subnet.GatewayAddress,
	})
}

func (p *Provider) readSubnetwork(ctx context.Context, req *sdk.ReadRequest) (*sdk.ReadResponse, error) {
	var recorded subnetworkConfig
	if err := json.Unmarshal(req.StateJSON, &recorded); err != nil {
		return nil, fmt.Errorf("unmarshal recorded state: %w", err)
	}
	region := p.subnetRegion(recorded)
	subnet, err := p.computeSvc.Subnetworks.Get(p.project, region, recorded.Name).Context(ctx).Do()
	if isNotFound(err) {
		return &sdk.ReadResponse{Exists: false}, nil
	}
	if err != nil {
		return nil, err
	}
	return refreshState(req.StateJSON, map[string]any{
		"self_link":                subnet.SelfLink,
		"gateway_address":          subnet.GatewayAddress,
		"private_ip_google_access": subnet.PrivateIpGoogleAccess,
	})
}

func (p *Provider) destroySubnetwork(ctx context.Context, req *sdk.DestroyRequest) error {
	var recorded subnetworkConfig
	if err := json.Unmarshal(req.StateJSON, &recorded); err != nil {
		return fmt.Errorf("unmarshal recorded state: %w", err)
	}
	region := p.subnetRegion(recorded)
	op, err := p.computeSvc.Subnetworks.Delete(p.project, region, recorded.Name).Context(ctx).Do()
	if err != nil {
		return err
	}
	return p.waitRegionOp(ctx, region, op)
}

const computePollInterval = 3 * time.Second

func (p *Provider) waitGlobalOp(ctx context.Context, op *compute.Operation) error {
	return p.waitComputeOp(ctx, op, func(name string) (*compute.Operation, error) {
		return p.computeSvc.GlobalOperations.Get(p.project, name).Context(ctx).Do()
	})
}

func (p *Provider) waitRegionOp(ctx context.Context, region string, op *compute.Operation) error {
	return p.waitComputeOp(ctx, op, func(name string) (*compute.Operation, error) {
		return p.computeSvc.RegionOperations.Get(p.project, region, name).Context(ctx).Do()
	})
}

func (p *Provider) waitComputeOp(ctx context.Context, op *compute.Operation, get func(string) (*compute.Operation, error)) error {
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
		if op, err = get(op.Name); err != nil {
			return err
		}
	}
}
