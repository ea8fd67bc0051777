// Package docker implements the docker provider: images, containers,
// networks and volumes against the local daemon. Docker objects are not
// mutable in place, so every input change plans a replace.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/go-connections/nat"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/girder-io/girder/pkg/sdk"
)

type Provider struct {
	client *client.Client
}

func New() *Provider {
	return &Provider{}
}

func (p *Provider) ensureClient() error {
	if p.client != nil {
		return nil
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	p.client = cli
	return nil
}

var schemas = map[string]*sdk.Schema{
	"docker_image": {
		Attributes: map[string]*sdk.AttributeSchema{
			"name":          {Required: true, ForcesReplacement: true},
			"build_context": {ForcesReplacement: true},
			"dockerfile":    {ForcesReplacement: true},
			"id":            {Computed: true},
		},
	},
	"docker_container": {
		Attributes: map[string]*sdk.AttributeSchema{
			"name":        {Required: true, ForcesReplacement: true},
			"image":       {Required: true, ForcesReplacement: true},
			"command":     {ForcesReplacement: true},
			"env":         {ForcesReplacement: true},
			"ports":       {ForcesReplacement: true},
			"volumes":     {ForcesReplacement: true},
			"networks":    {ForcesReplacement: true},
			"labels":      {ForcesReplacement: true},
			"working_dir": {ForcesReplacement: true},
			"user":        {ForcesReplacement: true},
			"restart":     {ForcesReplacement: true},
			"healthcheck": {ForcesReplacement: true},
			"id":          {Computed: true},
		},
	},
	"docker_network": {
		Attributes: map[string]*sdk.AttributeSchema{
			"name":     {Required: true, ForcesReplacement: true},
			"driver":   {ForcesReplacement: true},
			"internal": {ForcesReplacement: true},
			"labels":   {ForcesReplacement: true},
			"id":       {Computed: true},
		},
	},
	"docker_volume": {
		Attributes: map[string]*sdk.AttributeSchema{
			"name":   {Required: true, ForcesReplacement: true},
			"driver": {ForcesReplacement: true},
			"id":     {Computed: true},
		},
	},
}

func (p *Provider) Configure(ctx context.Context, req *sdk.ConfigureRequest) (*sdk.ConfigureResponse, error) {
	if err := p.ensureClient(); err != nil {
		return &sdk.ConfigureResponse{
			Diagnostics: []*sdk.Diagnostic{
				{
					Severity: sdk.SeverityError,
					Summary:  "Failed to create Docker client",
					Detail:   err.Error(),
				},
			},
		}, nil
	}
	return &sdk.ConfigureResponse{}, nil
}

func (p *Provider) Schema(resourceType string) (*sdk.Schema, error) {
	schema, ok := schemas[resourceType]
	if !ok {
		return nil, fmt.Errorf("unknown resource type: %s", resourceType)
	}
	return schema, nil
}

func (p *Provider) Plan(ctx context.Context, req *sdk.PlanRequest) (*sdk.PlanResponse, error) {
	schema, err := p.Schema(req.Type)
	if err != nil {
		return nil, err
	}
	return sdk.DiffAttributes(schema, req)
}

func (p *Provider) Apply(ctx context.Context, req *sdk.ApplyRequest) (*sdk.ApplyResponse, error) {
	if err := p.ensureClient(); err != nil {
		return nil, err
	}

	switch req.Type {
	case "docker_image":
		return p.applyImage(ctx, req)
	case "docker_container":
		return p.applyContainer(ctx, req)
	case "docker_network":
		return p.applyNetwork(ctx, req)
	case "docker_volume":
		return p.applyVolume(ctx, req)
	}
	return nil, fmt.Errorf("unknown resource type: %s", req.Type)
}

func (p *Provider) Read(ctx context.Context, req *sdk.ReadRequest) (*sdk.ReadResponse, error) {
	if err := p.ensureClient(); err != nil {
		return nil, err
	}

	var prior struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if len(req.StateJSON) > 0 {
		if err := json.Unmarshal(req.StateJSON, &prior); err != nil {
			return nil, fmt.Errorf("unmarshal recorded state: %w", err)
		}
	}

	var err error
	switch req.Type {
	case "docker_image":
		_, _, err = p.client.ImageInspectWithRaw(ctx, prior.ID)
	case "docker_container":
		_, err = p.client.ContainerInspect(ctx, prior.ID)
	case "docker_network":
		_, err = p.client.NetworkInspect(ctx, prior.ID, network.InspectOptions{})
	case "docker_volume":
		_, err = p.client.VolumeInspect(ctx, prior.Name)
	default:
		return nil, fmt.Errorf("unknown resource type: %s", req.Type)
	}
	if client.IsErrNotFound(err) {
		return &sdk.ReadResponse{Exists: false}, nil
	}
	if err != nil {
		return nil, err
	}
	return &sdk.ReadResponse{Exists: true, StateJSON: req.StateJSON}, nil
}

func (p *Provider) Destroy(ctx context.Context, req *sdk.DestroyRequest) (*sdk.DestroyResponse, error) {
	if err := p.ensureClient(); err != nil {
		return nil, err
	}

	var prior struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if len(req.StateJSON) > 0 {
		if err := json.Unmarshal(req.StateJSON, &prior); err != nil {
			return nil, fmt.Errorf("unmarshal recorded state: %w", err)
		}
	}

	var err error
	switch req.Type {
	case "docker_image":
		if prior.ID != "" {
			_, err = p.client.ImageRemove(ctx, prior.ID, image.RemoveOptions{Force: true})
		}
	case "docker_container":
		if prior.ID != "" {
			timeout := 10 // seconds
			_ = p.client.ContainerStop(ctx, prior.ID, container.StopOptions{Timeout: &timeout})
			err = p.client.ContainerRemove(ctx, prior.ID, container.RemoveOptions{Force: true})
		}
	case "docker_network":
		if prior.ID != "" {
			err = p.client.NetworkRemove(ctx, prior.ID)
		}
	case "docker_volume":
		if prior.Name != "" {
			err = p.client.VolumeRemove(ctx, prior.Name, true)
		}
	default:
		return nil, fmt.Errorf("unknown resource type: %s", req.Type)
	}
	if err != nil && !client.IsErrNotFound(err) {
		return nil, err
	}
	return &sdk.DestroyResponse{}, nil
}

type imageConfig struct {
	Name         string `json:"name"`
	BuildContext string `json:"build_context"`
	Dockerfile   string `json:"dockerfile"`
}

func (p *Provider) applyImage(ctx context.Context, req *sdk.ApplyRequest) (*sdk.ApplyResponse, error) {
	var desired imageConfig
	if err := json.Unmarshal(req.DesiredJSON, &desired); err != nil {
		return nil, fmt.Errorf("unmarshal desired config: %w", err)
	}

	if desired.BuildContext != "" {
		tar, err := archive.TarWithOptions(desired.BuildContext, &archive.TarOptions{})
		if err != nil {
			return nil, fmt.Errorf("create build context tar: %w", err)
		}

		resp, err := p.client.ImageBuild(ctx, tar, types.ImageBuildOptions{
			Tags:       []string{desired.Name},
			Dockerfile: desired.Dockerfile,
			Remove:     true,
		})
		if err != nil {
			return nil, fmt.Errorf("build image: %w", err)
		}
		// Drain the build stream so the daemon is not blocked.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	} else {
		reader, err := p.client.ImagePull(ctx, desired.Name, image.PullOptions{})
		if err != nil {
			return nil, fmt.Errorf("pull image: %w", err)
		}
		io.Copy(io.Discard, reader)
		reader.Close()
	}

	inspect, _, err := p.client.ImageInspectWithRaw(ctx, desired.Name)
	if err != nil {
		return nil, fmt.Errorf("inspect image: %w", err)
	}
	return echoState(req.DesiredJSON, map[string]any{"id": inspect.ID})
}

type containerConfig struct {
	Name        string             `json:"name"`
	Image       string             `json:"image"`
	Command     []string           `json:"command"`
	Env         map[string]string  `json:"env"`
	Ports       map[string]int     `json:"ports"`
	Volumes     []string           `json:"volumes"`
	Networks    []string           `json:"networks"`
	Labels      map[string]string  `json:"labels"`
	WorkingDir  string             `json:"working_dir"`
	User        string             `json:"user"`
	Restart     string             `json:"restart"`
	Healthcheck *healthcheckConfig `json:"healthcheck"`
}

type healthcheckConfig struct {
	Test        []string `json:"test"`
	Interval    string   `json:"interval"`
	Timeout     string   `json:"timeout"`
	StartPeriod string   `json:"start_period"`
	Retries     int      `json:"retries"`
}

func (p *Provider) applyContainer(ctx context.Context, req *sdk.ApplyRequest) (*sdk.ApplyResponse, error) {
	var desired containerConfig
	if err := json.Unmarshal(req.DesiredJSON, &desired); err != nil {
		return nil, fmt.Errorf("unmarshal desired config: %w", err)
	}

	reader, err := p.client.ImagePull(ctx, desired.Image, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("pull image %s: %w", desired.Image, err)
	}
	io.Copy(io.Discard, reader)
	reader.Close()

	portBindings := nat.PortMap{}
	for hostPort, containerPort := range desired.Ports {
		port := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
		portBindings[port] = []nat.PortBinding{
			{HostIP: "0.0.0.0", HostPort: hostPort},
		}
	}

	var binds []string
	for _, v := range desired.Volumes {
		parts := strings.SplitN(v, ":", 2)
		if strings.HasPrefix(parts[0], "./") || strings.HasPrefix(parts[0], "../") {
			if abs, err := filepath.Abs(parts[0]); err == nil {
				parts[0] = abs
				binds = append(binds, strings.Join(parts, ":"))
				continue
			}
		}
		binds = append(binds, v)
	}

	hostConfig := &container.HostConfig{
		PortBindings: portBindings,
		Binds:        binds,
	}
	if len(desired.Networks) > 0 {
		hostConfig.NetworkMode = container.NetworkMode(desired.Networks[0])
	}
	if desired.Restart != "" {
		hostConfig.RestartPolicy = container.RestartPolicy{
			Name: container.RestartPolicyMode(desired.Restart),
		}
	}

	config := &container.Config{
		Image:      desired.Image,
		Cmd:        desired.Command,
		Env:        envList(desired.Env),
		Labels:     desired.Labels,
		WorkingDir: desired.WorkingDir,
		User:       desired.User,
	}
	if hc := desired.Healthcheck; hc != nil {
		test := hc.Test
		if len(test) == 0 {
			test = []string{"NONE"}
		}
		interval, _ := time.ParseDuration(hc.Interval)
		timeout, _ := time.ParseDuration(hc.Timeout)
		startPeriod, _ := time.ParseDuration(hc.StartPeriod)
		config.Healthcheck = &container.HealthConfig{
			Test:        test,
			Interval:    interval,
			Timeout:     timeout,
			StartPeriod: startPeriod,
			Retries:     hc.Retries,
		}
	}

	resp, err := p.client.ContainerCreate(ctx, config, hostConfig, &network.NetworkingConfig{}, &v1.Platform{}, desired.Name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}
	return echoState(req.DesiredJSON, map[string]any{"id": resp.ID})
}

type networkConfig struct {
	Name     string            `json:"name"`
	Driver   string            `json:"driver"`
	Internal bool              `json:"internal"`
	Labels   map[string]string `json:"labels"`
}

func (p *Provider) applyNetwork(ctx context.Context, req *sdk.ApplyRequest) (*sdk.ApplyResponse, error) {
	var desired networkConfig
	if err := json.Unmarshal(req.DesiredJSON, &desired); err != nil {
		return nil, fmt.Errorf("unmarshal desired config: %w", err)
	}

	resp, err := p.client.NetworkCreate(ctx, desired.Name, types.NetworkCreate{
		Driver:   desired.Driver,
		Internal: desired.Internal,
		Labels:   desired.Labels,
	})
	if err != nil {
		return nil, fmt.Errorf("create network: %w", err)
	}
	return echoState(req.DesiredJSON, map[string]any{"id": resp.ID})
}

type volumeConfig struct {
	Name   string `json:"name"`
	Driver string `json:"driver"`
}

func (p *Provider) applyVolume(ctx context.Context, req *sdk.ApplyRequest) (*sdk.ApplyResponse, error) {
	var desired volumeConfig
	if err := json.Unmarshal(req.DesiredJSON, &desired); err != nil {
		return nil, fmt.Errorf("unmarshal desired config: %w", err)
	}

	vol, err := p.client.VolumeCreate(ctx, volume.CreateOptions{
		Name:   desired.Name,
		Driver: desired.Driver,
	})
	if err != nil {
		return nil, fmt.Errorf("create volume: %w", err)
	}
	return echoState(req.DesiredJSON, map[string]any{"id": vol.Name, "name": vol.Name})
}

func envList(m map[string]string) []string {
	var env []string
	for k, v := range m {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// echoState merges the desired inputs with computed attributes into the
// realized state document.
func echoState(desiredJSON []byte, computed map[string]any) (*sdk.ApplyResponse, error) {
	state := map[string]any{}
	if err := json.Unmarshal(desiredJSON, &state); err != nil {
		return nil, err
	}
	for k, v := range computed {
		state[k] = v
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return &sdk.ApplyResponse{StateJSON: stateJSON}, nil
}
