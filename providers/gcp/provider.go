// Package gcp implements the gcp provider. Resource kinds map onto the
// Google Cloud services the pipeline provisions: VPC networking, GKE,
// Cloud SQL, Cloud Storage, IAM, Cloud Build, Cloud Functions and
// Vertex AI endpoints.
package gcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/storage"
	aiplatform "google.golang.org/api/aiplatform/v1"
	cloudbuild "google.golang.org/api/cloudbuild/v1"
	cloudfunctions "google.golang.org/api/cloudfunctions/v1"
	compute "google.golang.org/api/compute/v1"
	container "google.golang.org/api/container/v1"
	"google.golang.org/api/googleapi"
	iam "google.golang.org/api/iam/v1"
	"google.golang.org/api/option"
	sqladmin "google.golang.org/api/sqladmin/v1"

	"github.com/girder-io/girder/pkg/sdk"
)

type Provider struct {
	project string
	region  string

	computeSvc    *compute.Service
	containerSvc  *container.Service
	sqlSvc        *sqladmin.Service
	storageClient *storage.Client
	iamSvc        *iam.Service
	buildSvc      *cloudbuild.Service
	functionsSvc  *cloudfunctions.Service
	vertexSvc     *aiplatform.Service
}

func New() *Provider {
	return &Provider{}
}

type providerConfig struct {
	Project         string `json:"project"`
	Region          string `json:"region"`
	CredentialsFile string `json:"credentials_file"`
}

func (p *Provider) Configure(ctx context.Context, req *sdk.ConfigureRequest) (*sdk.ConfigureResponse, error) {
	var cfg providerConfig
	if len(req.ConfigJSON) > 0 {
		if err := json.Unmarshal(req.ConfigJSON, &cfg); err != nil {
			return configureError("Invalid provider configuration", err), nil
		}
	}
	if cfg.Project == "" {
		return configureError("Missing provider configuration",
			errors.New("the gcp provider block requires a project")), nil
	}
	p.project = cfg.Project
	p.region = cfg.Region

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if err := p.buildServices(ctx, opts); err != nil {
		return configureError("Failed to create Google Cloud clients", err), nil
	}
	return &sdk.ConfigureResponse{}, nil
}

func (p *Provider) buildServices(ctx context.Context, opts []option.ClientOption) error {
	var err error
	if p.computeSvc, err = compute.NewService(ctx, opts...); err != nil {
		return fmt.Errorf("compute: %w", err)
	}
	if p.containerSvc, err = container.NewService(ctx, opts...); err != nil {
		return fmt.Errorf("container: %w", err)
	}
	if p.sqlSvc, err = sqladmin.NewService(ctx, opts...); err != nil {
		return fmt.Errorf("sqladmin: %w", err)
	}
	if p.storageClient, err = storage.NewClient(ctx, opts...); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if p.iamSvc, err = iam.NewService(ctx, opts...); err != nil {
		return fmt.Errorf("iam: %w", err)
	}
	if p.buildSvc, err = cloudbuild.NewService(ctx, opts...); err != nil {
		return fmt.Errorf("cloudbuild: %w", err)
	}
	if p.functionsSvc, err = cloudfunctions.NewService(ctx, opts...); err != nil {
		return fmt.Errorf("cloudfunctions: %w", err)
	}

	// Vertex AI only answers on regional endpoints.
	vertexOpts := opts
	if p.region != "" {
		vertexOpts = append(vertexOpts,
			option.WithEndpoint(fmt.Sprintf("https://%s-aiplatform.googleapis.com/", p.region)))
	}
	if p.vertexSvc, err = aiplatform.NewService(ctx, vertexOpts...); err != nil {
		return fmt.Errorf("aiplatform: %w", err)
	}
	return nil
}

func configureError(summary string, err error) *sdk.ConfigureResponse {
	return &sdk.ConfigureResponse{
		Diagnostics: []*sdk.Diagnostic{
			{Severity: sdk.SeverityError, Summary: summary, Detail: err.Error()},
		},
	}
}

var schemas = map[string]*sdk.Schema{
	"gcp_network": {
		Attributes: map[string]*sdk.AttributeSchema{
			"name":                    {Required: true, ForcesReplacement: true},
			"auto_create_subnetworks": {ForcesReplacement: true},
			"description":             {ForcesReplacement: true},
			"routing_mode":            {},
			"id":                      {Computed: true},
			"self_link":               {Computed: true},
		},
	},
	"gcp_subnetwork": {
		Attributes: map[string]*sdk.AttributeSchema{
			"name":                     {Required: true, ForcesReplacement: true},
			"network":                  {Required: true, ForcesReplacement: true},
			"region":                   {ForcesReplacement: true},
			"ip_cidr_range":            {Required: true, ForcesReplacement: true},
			"secondary_ranges":         {ForcesReplacement: true},
			"private_ip_google_access": {},
			"id":                       {Computed: true},
			"self_link":                {Computed: true},
			"gateway_address":          {Computed: true},
		},
	},
	"gcp_gke_cluster": {
		Attributes: map[string]*sdk.AttributeSchema{
			"name":            {Required: true, ForcesReplacement: true},
			"location":        {ForcesReplacement: true},
			"network":         {ForcesReplacement: true},
			"subnetwork":      {ForcesReplacement: true},
			"machine_type":    {},
			"node_count":      {},
			"disk_size_gb":    {ForcesReplacement: true},
			"release_channel": {},
			"id":              {Computed: true},
			"endpoint":        {Computed: true},
		},
	},
	"gcp_sql_instance": {
		Attributes: map[string]*sdk.AttributeSchema{
			"name":             {Required: true, ForcesReplacement: true},
			"region":           {ForcesReplacement: true},
			"database_version": {Required: true, ForcesReplacement: true},
			"tier":             {Required: true},
			"disk_size_gb":     {},
			"backups_enabled":  {},
			"ipv4_enabled":     {},
			"private_network":  {ForcesReplacement: true},
			"id":               {Computed: true},
			"connection_name":  {Computed: true},
			"ip_address":       {Computed: true},
		},
	},
	"gcp_storage_bucket": {
		Attributes: map[string]*sdk.AttributeSchema{
			"name":           {Required: true, ForcesReplacement: true},
			"location":       {ForcesReplacement: true},
			"storage_class":  {},
			"versioning":     {},
			"uniform_access": {},
			"labels":         {},
			"force_destroy":  {},
			"id":             {Computed: true},
			"url":            {Computed: true},
		},
	},
	"gcp_service_account": {
		Attributes: map[string]*sdk.AttributeSchema{
			"account_id":   {Required: true, ForcesReplacement: true},
			"display_name": {},
			"description":  {},
			"id":           {Computed: true},
			"email":        {Computed: true},
			"unique_id":    {Computed: true},
		},
	},
	"gcp_build_trigger": {
		Attributes: map[string]*sdk.AttributeSchema{
			"name":          {Required: true},
			"description":   {},
			"repo":          {Required: true},
			"branch":        {},
			"filename":      {},
			"substitutions": {},
			"disabled":      {},
			"id":            {Computed: true},
		},
	},
	"gcp_cloud_function": {
		Attributes: map[string]*sdk.AttributeSchema{
			"name":                  {Required: true, ForcesReplacement: true},
			"region":                {ForcesReplacement: true},
			"runtime":               {Required: true},
			"entry_point":           {},
			"source_archive_url":    {},
			"memory_mb":             {},
			"timeout":               {},
			"environment_variables": {},
			"service_account_email": {ForcesReplacement: true},
			"trigger_http":          {ForcesReplacement: true},
			"id":                    {Computed: true},
			"https_url":             {Computed: true},
		},
	},
	"gcp_vertex_endpoint": {
		Attributes: map[string]*sdk.AttributeSchema{
			"display_name": {Required: true},
			"location":     {ForcesReplacement: true},
			"labels":       {},
			"id":           {Computed: true},
			"name":         {Computed: true},
		},
	},
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
	if err := p.ready(); err != nil {
		return nil, err
	}

	switch req.Type {
	case "gcp_network":
		return p.applyNetwork(ctx, req)
	case "gcp_subnetwork":
		return p.applySubnetwork(ctx, req)
	case "gcp_gke_cluster":
		return p.applyCluster(ctx, req)
	case "gcp_sql_instance":
		return p.applySQLInstance(ctx, req)
	case "gcp_storage_bucket":
		return p.applyBucket(ctx, req)
	case "gcp_service_account":
		return p.applyServiceAccount(ctx, req)
	case "gcp_build_trigger":
		return p.applyBuildTrigger(ctx, req)
	case "gcp_cloud_function":
		return p.applyFunction(ctx, req)
	case "gcp_vertex_endpoint":
		return p.applyVertexEndpoint(ctx, req)
	}
	return nil, fmt.Errorf("unknown resource type: %s", req.Type)
}

func (p *Provider) Read(ctx context.Context, req *sdk.ReadRequest) (*sdk.ReadResponse, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}

	switch req.Type {
	case "gcp_network":
		return p.readNetwork(ctx, req)
	case "gcp_subnetwork":
		return p.readSubnetwork(ctx, req)
	case "gcp_gke_cluster":
		return p.readCluster(ctx, req)
	case "gcp_sql_instance":
		return p.readSQLInstance(ctx, req)
	case "gcp_storage_bucket":
		return p.readBucket(ctx, req)
	case "gcp_service_account":
		return p.readServiceAccount(ctx, req)
	case "gcp_build_trigger":
		return p.readBuildTrigger(ctx, req)
	case "gcp_cloud_function":
		return p.readFunction(ctx, req)
	case "gcp_vertex_endpoint":
		return p.readVertexEndpoint(ctx, req)
	}
	return nil, fmt.Errorf("unknown resource type: %s", req.Type)
}

func (p *Provider) Destroy(ctx context.Context, req *sdk.DestroyRequest) (*sdk.DestroyResponse, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}

	var err error
	switch req.Type {
	case "gcp_network":
		err = p.destroyNetwork(ctx, req)
	case "gcp_subnetwork":
		err = p.destroySubnetwork(ctx, req)
	case "gcp_gke_cluster":
		err = p.destroyCluster(ctx, req)
	case "gcp_sql_instance":
		err = p.destroySQLInstance(ctx, req)
	case "gcp_storage_bucket":
		err = p.destroyBucket(ctx, req)
	case "gcp_service_account":
		err = p.destroyServiceAccount(ctx, req)
	case "gcp_build_trigger":
		err = p.destroyBuildTrigger(ctx, req)
	case "gcp_cloud_function":
		err = p.destroyFunction(ctx, req)
	case "gcp_vertex_endpoint":
		err = p.destroyVertexEndpoint(ctx, req)
	default:
		return nil, fmt.Errorf("unknown resource type: %s", req.Type)
	}
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	return &sdk.DestroyResponse{}, nil
}

func (p *Provider) ready() error {
	if p.computeSvc == nil {
		return errors.New("gcp provider is not configured")
	}
	return nil
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

// echoState merges the desired inputs with computed attributes into the
// realized state document.
func echoState(desiredJSON []byte, computed map[string]any) (*sdk.ApplyResponse, error) {
	state := map[string]any{}
	if len(desiredJSON) > 0 {
		if err := json.Unmarshal(desiredJSON, &state); err != nil {
			return nil, err
		}
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

// refreshState overlays live attribute values onto the recorded state so
// refresh surfaces drift on mutable attributes.
func refreshState(recorded []byte, live map[string]any) (*sdk.ReadResponse, error) {
	state := map[string]any{}
	if len(recorded) > 0 {
		if err := json.Unmarshal(recorded, &state); err != nil {
			return nil, err
		}
	}
	for k, v := range live {
		state[k] = v
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return &sdk.ReadResponse{Exists: true, StateJSON: stateJSON}, nil
}
