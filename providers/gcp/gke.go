package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	container "google.golang.org/api/container/v1"

	"github.com/girder-io/girder/pkg/sdk"
)

type clusterConfig struct {
	Name           string `json:"name"`
	Location       string `json:"location"`
	Network        string `json:"network"`
	Subnetwork     string `json:"subnetwork"`
	MachineType    string `json:"machine_type"`
	NodeCount      int64  `json:"node_count"`
	DiskSizeGb     int64  `json:"disk_size_gb"`
	ReleaseChannel string `json:"release_channel"`
}

func (p *Provider) clusterLocation(cfg clusterConfig) string {
	if cfg.Location != "" {
		return cfg.Location
	}
	return p.region
}

func (p *Provider) clusterName(location, name string) string {
	return fmt.Sprintf("projects/%s/locations/%s/clusters/%s", p.project, location, name)
}

func (p *Provider) applyCluster(ctx context.Context, req *sdk.ApplyRequest) (*sdk.ApplyResponse, error) {
	var desired clusterConfig
	if err := json.Unmarshal(req.DesiredJSON, &desired); err != nil {
		return nil, fmt.Errorf("unmarshal desired config: %w", err)
	}
	location := p.clusterLocation(desired)

	if req.Action == sdk.ActionUpdate {
		return p.updateCluster(ctx, req, desired, location)
	}

	nodeCount := desired.NodeCount
	if nodeCount == 0 {
		nodeCount = 1
	}
	cluster := &container.Cluster{
		Name:             desired.Name,
		InitialNodeCount: nodeCount,
		Network:          desired.Network,
		Subnetwork:       desired.Subnetwork,
		NodeConfig: &container.NodeConfig{
			MachineType: desired.MachineType,
			DiskSizeGb:  desired.DiskSizeGb,
		},
	}
	if desired.ReleaseChannel != "" {
		cluster.ReleaseChannel = &container.ReleaseChannel{Channel: desired.ReleaseChannel}
	}

	parent := fmt.Sprintf("projects/%s/locations/%s", p.project, location)
	op, err := p.containerSvc.Projects.Locations.Clusters.Create(parent,
		&container.CreateClusterRequest{Cluster: cluster}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("create cluster: %w", err)
	}
	if err := p.waitClusterOp(ctx, location, op); err != nil {
		return nil, err
	}
	return p.gkeState(ctx, req.DesiredJSON, location, desired.Name)
}

// updateCluster touches only the fields that moved; each one is a
// separate long-running operation on the API.
func (p *Provider) updateCluster(ctx context.Context, req *sdk.ApplyRequest, desired clusterConfig, location string) (*sdk.ApplyResponse, error) {
	var prior clusterConfig
	if len(req.PriorJSON) > 0 {
		if err := json.Unmarshal(req.PriorJSON, &prior); err != nil {
			return nil, fmt.Errorf("unmarshal prior state: %w", err)
		}
	}
	name := p.clusterName(location, desired.Name)
	pool := name + "/nodePools/default-pool"

	if desired.MachineType != prior.MachineType {
		op, err := p.containerSvc.Projects.Locations.Clusters.NodePools.Update(pool,
			&container.UpdateNodePoolRequest{MachineType: desired.MachineType}).Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("update node pool machine type: %w", err)
		}
		if err := p.waitClusterOp(ctx, location, op); err != nil {
			return nil, err
		}
	}
	if desired.NodeCount != 0 && desired.NodeCount != prior.NodeCount {
		op, err := p.containerSvc.Projects.Locations.Clusters.NodePools.SetSize(pool,
			&container.SetNodePoolSizeRequest{NodeCount: desired.NodeCount}).Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("resize node pool: %w", err)
		}
		if err := p.waitClusterOp(ctx, location, op); err != nil {
			return nil, err
		}
	}
	if desired.ReleaseChannel != "" && desired.ReleaseChannel != prior.ReleaseChannel {
		op, err := p.containerSvc.Projects.Locations.Clusters.Update(name,
			&container.UpdateClusterRequest{Update: &container.ClusterUpdate{
				DesiredReleaseChannel: &container.ReleaseChannel{Channel: desired.ReleaseChannel},
			}}).Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("update release channel: %w", err)
		}
		if err := p.waitClusterOp(ctx, location, op); err != nil {
			return nil, err
		}
	}
	return p.gkeState(ctx, req.DesiredJSON, location, desired.Name)
}

func (p *Provider) gkeState(ctx context.Context, desiredJSON []byte, location, name string) (*sdk.ApplyResponse, error) {
	cluster, err := p.containerSvc.Projects.Locations.Clusters.Get(p.clusterName(location, name)).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get cluster: %w", err)
	}
	return echoState(desiredJSON, map[string]any{
		"id":       p.clusterName(location, name),
		"endpoint": cluster.Endpoint,
	})
}

func (p *Provider) readCluster(ctx context.Context, req *sdk.ReadRequest) (*sdk.ReadResponse, error) {
	var recorded clusterConfig
	if err := json.Unmarshal(req.StateJSON, &recorded); err != nil {
		return nil, fmt.Errorf("unmarshal recorded state: %w", err)
	}
	location := p.clusterLocation(recorded)
	cluster, err := p.containerSvc.Projects.Locations.Clusters.Get(p.clusterName(location, recorded.Name)).Context(ctx).Do()
	if isNotFound(err) {
		return &sdk.ReadResponse{Exists: false}, nil
	}
	if err != nil {
		return nil, err
	}
	live := map[string]any{
		"endpoint":   cluster.Endpoint,
		"node_count": cluster.CurrentNodeCount,
	}
	if cluster.NodeConfig != nil {
		live["machine_type"] = cluster.NodeConfig.MachineType
	}
	return refreshState(req.StateJSON, live)
}

func (p *Provider) destroyCluster(ctx context.Context, req *sdk.DestroyRequest) error {
	var recorded clusterConfig
	if err := json.Unmarshal(req.StateJSON, &recorded); err != nil {
		return fmt.Errorf("unmarshal recorded state: %w", err)
	}
	location := p.clusterLocation(recorded)
	op, err := p.containerSvc.Projects.Locations.Clusters.Delete(p.clusterName(location, recorded.Name)).Context(ctx).Do()
	if err != nil {
		return err
	}
	return p.waitClusterOp(ctx, location, op)
}

func (p *Provider) waitClusterOp(ctx context.Context, location string, op *container.Operation) error {
	opName := fmt.Sprintf("projects/%s/locations/%s/operations/%s", p.project, location, op.Name)
	for {
		if op.Status == "DONE" {
			if op.StatusMessage != "" {
				return fmt.Errorf("operation %s failed: %s", op.Name, op.StatusMessage)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(computePollInterval):
		}
		var err error
		if op, err = p.containerSvc.Projects.Locations.Operations.Get(opName).Context(ctx).Do(); err != nil {
			return err
		}
	}
}
