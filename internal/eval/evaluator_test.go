package eval

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/girder-io/girder/internal/ir"
)

func writeConfig(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, src := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644))
	}
}

func loadConfig(t *testing.T, src string) *ir.Config {
	t.Helper()
	dir := t.TempDir()
	writeConfig(t, dir, map[string]string{"main.hcl": src})
	cfg, err := NewEvaluator(dir).LoadConfig()
	require.NoError(t, err)
	return cfg
}

func loadConfigErr(t *testing.T, src string) error {
	t.Helper()
	dir := t.TempDir()
	writeConfig(t, dir, map[string]string{"main.hcl": src})
	_, err := NewEvaluator(dir).LoadConfig()
	require.Error(t, err)
	return err
}

func TestLoadConfig_FullProject(t *testing.T) {
	cfg := loadConfig(t, `
girder {
  backend "gcs" {
    bucket = "acme-state"
    prefix = "pipelines/girder"
  }
}

variable "project" {
  type        = string
  default     = "acme-staging"
  description = "Project the pipeline deploys into"
}

variable "replicas" {
  type    = number
  default = 2
}

provider "gcp" {
  project = var.project
  region  = "us-central1"
}

resource "gcp_network" "vpc" {
  name = "pipeline-net"
}

resource "gcp_instance" "worker" {
  count      = var.replicas
  network    = gcp_network.vpc.id
  timeout    = "10m"
  depends_on = [gcp_network.vpc]

  lifecycle {
    create_before_destroy = true
    ignore_changes        = ["labels"]
  }
}

output "network_id" {
  value       = gcp_network.vpc.id
  description = "Self link of the pipeline network"
}

output "admin_password" {
  value     = "swordfish"
  sensitive = true
}
`)

	require.NotNil(t, cfg.Backend)
	assert.Equal(t, "gcs", cfg.Backend.Type)
	assert.Equal(t, map[string]string{"bucket": "acme-state", "prefix": "pipelines/girder"}, cfg.Backend.Config)

	require.Len(t, cfg.Variables, 2)
	project := cfg.Variables[0]
	assert.Equal(t, "project", project.Name)
	assert.Equal(t, cty.String, project.Type)
	assert.True(t, project.Default.RawEquals(cty.StringVal("acme-staging")))
	assert.Equal(t, "Project the pipeline deploys into", project.Description)
	assert.Equal(t, cty.Number, cfg.Variables[1].Type)

	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "gcp", cfg.Providers[0].Name)
	assert.Contains(t, cfg.Providers[0].Arguments, "project")
	assert.Contains(t, cfg.Providers[0].Arguments, "region")

	require.Len(t, cfg.Resources, 2)
	vpc := cfg.Resources[0]
	assert.Equal(t, "gcp_network", vpc.Type)
	assert.Equal(t, "vpc", vpc.Name)
	assert.Equal(t, "gcp", vpc.Provider)
	assert.Contains(t, vpc.Arguments, "name")
	assert.Nil(t, vpc.Lifecycle)

	worker := cfg.Resources[1]
	assert.NotNil(t, worker.Count)
	assert.Equal(t, 10*time.Minute, worker.Timeout)
	assert.Equal(t, []string{"gcp_network.vpc"}, worker.DependsOn)
	require.NotNil(t, worker.Lifecycle)
	assert.True(t, worker.Lifecycle.CreateBeforeDestroy)
	assert.False(t, worker.Lifecycle.PreventDestroy)
	assert.Equal(t, []string{"labels"}, worker.Lifecycle.IgnoreChanges)

	require.Len(t, cfg.Outputs, 2)
	assert.Equal(t, "network_id", cfg.Outputs[0].Name)
	assert.Equal(t, "Self link of the pipeline network", cfg.Outputs[0].Description)
	assert.False(t, cfg.Outputs[0].Sensitive)
	assert.True(t, cfg.Outputs[1].Sensitive)
}

func TestLoadConfig_ProviderDerivedFromTypePrefix(t *testing.T) {
	cfg := loadConfig(t, `
resource "docker_container" "runner" {
  image = "python:3.12"
}

resource "null_resource" "marker" {
}

resource "custom_thing" "special" {
  provider = "sandbox"
}
`)
	require.Len(t, cfg.Resources, 3)
	assert.Equal(t, "docker", cfg.Resources[0].Provider)
	assert.Equal(t, "null", cfg.Resources[1].Provider)
	assert.Equal(t, "sandbox", cfg.Resources[2].Provider)
}

func TestProviderForType(t *testing.T) {
	assert.Equal(t, "gcp", providerForType("gcp_storage_bucket"))
	assert.Equal(t, "exec", providerForType("exec_command"))
	assert.Equal(t, "datadog", providerForType("datadog"))
	assert.Equal(t, "_odd", providerForType("_odd"))
}

func TestLoadConfig_FileOrderIsDeclarationOrder(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, map[string]string{
		"10_app.hcl": `
resource "test_thing" "app" {
  size = "s"
}
`,
		"00_base.hcl": `
resource "test_thing" "base" {
  size = "b"
}
`,
	})
	cfg, err := NewEvaluator(dir).LoadConfig()
	require.NoError(t, err)

	require.Len(t, cfg.Resources, 2)
	assert.Equal(t, "test_thing.base", cfg.Resources[0].Addr())
	assert.Equal(t, "test_thing.app", cfg.Resources[1].Addr())
}

func TestLoadConfig_SkipsNonConfigEntries(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "modules"), 0o755))
	writeConfig(t, dir, map[string]string{
		"main.hcl":  `resource "test_thing" "only" {}`,
		".tmp.hcl":  `{{{ not hcl`,
		"notes.txt": `also not hcl`,
	})
	writeConfig(t, filepath.Join(dir, "modules"), map[string]string{
		"nested.hcl": `%%% broken`,
	})

	cfg, err := NewEvaluator(dir).LoadConfig()
	require.NoError(t, err)
	require.Len(t, cfg.Resources, 1)
	assert.Equal(t, "test_thing.only", cfg.Resources[0].Addr())
}

func TestLoadConfig_SingleFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "solo.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`
resource "test_thing" "solo" {
  size = "s"
}
`), 0o644))

	cfg, err := NewEvaluator(path).LoadConfig()
	require.NoError(t, err)
	require.Len(t, cfg.Resources, 1)
	assert.Equal(t, "test_thing.solo", cfg.Resources[0].Addr())
}

func TestLoadConfig_EmptyDirectory(t *testing.T) {
	_, err := NewEvaluator(t.TempDir()).LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no .hcl configuration files")
}

func TestLoadConfig_MissingPath(t *testing.T) {
	_, err := NewEvaluator(filepath.Join(t.TempDir(), "absent")).LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read configuration path")
}

func TestLoadConfig_BadSyntax(t *testing.T) {
	err := loadConfigErr(t, `resource "test_thing" {{{`)
	assert.Contains(t, err.Error(), "failed to parse")
}

func TestLoadConfig_Duplicates(t *testing.T) {
	t.Run("resource", func(t *testing.T) {
		err := loadConfigErr(t, `
resource "test_thing" "a" {}
resource "test_thing" "a" {}
`)
		assert.Contains(t, err.Error(), "duplicate resource test_thing.a")
	})

	t.Run("variable", func(t *testing.T) {
		err := loadConfigErr(t, `
variable "x" {
  default = "1"
}

variable "x" {
  default = "2"
}
`)
		assert.Contains(t, err.Error(), `duplicate variable "x"`)
	})

	t.Run("output", func(t *testing.T) {
		err := loadConfigErr(t, `
output "x" {
  value = "1"
}

output "x" {
  value = "2"
}
`)
		assert.Contains(t, err.Error(), `duplicate output "x"`)
	})

	t.Run("provider", func(t *testing.T) {
		err := loadConfigErr(t, `
provider "gcp" {
  project = "a"
}

provider "gcp" {
  project = "b"
}
`)
		assert.Contains(t, err.Error(), `duplicate provider block "gcp"`)
	})

	t.Run("backend", func(t *testing.T) {
		err := loadConfigErr(t, `
girder {
  backend "local" {
    path = "a.json"
  }

  backend "gcs" {
    bucket = "b"
  }
}
`)
		assert.Contains(t, err.Error(), "duplicate backend block")
	})
}

func TestLoadConfig_CountForEachConflict(t *testing.T) {
	err := loadConfigErr(t, `
resource "test_thing" "x" {
  count    = 2
  for_each = ["a"]
}
`)
	assert.Contains(t, err.Error(), "declares both count and for_each")
}

func TestLoadConfig_InvalidTimeout(t *testing.T) {
	err := loadConfigErr(t, `
resource "test_thing" "x" {
  timeout = "soon"
}
`)
	assert.Contains(t, err.Error(), "invalid timeout")
}

func TestLoadConfig_TypedDefaultMismatch(t *testing.T) {
	err := loadConfigErr(t, `
variable "workers" {
  type    = number
  default = ["nope"]
}
`)
	assert.Contains(t, err.Error(), `variable "workers" default does not match its type`)
}

func TestVariableValues(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := loadConfig(t, `
variable "project" {
  default = "acme-staging"
}
`)
		vals, err := VariableValues(cfg, nil)
		require.NoError(t, err)
		assert.True(t, vals["project"].RawEquals(cty.StringVal("acme-staging")))
	})

	t.Run("environment beats default", func(t *testing.T) {
		cfg := loadConfig(t, `
variable "project" {
  default = "acme-staging"
}
`)
		t.Setenv("GIRDER_VAR_project", "acme-prod")
		vals, err := VariableValues(cfg, nil)
		require.NoError(t, err)
		assert.True(t, vals["project"].RawEquals(cty.StringVal("acme-prod")))
	})

	t.Run("override beats environment", func(t *testing.T) {
		cfg := loadConfig(t, `
variable "project" {
  default = "acme-staging"
}
`)
		t.Setenv("GIRDER_VAR_project", "acme-prod")
		vals, err := VariableValues(cfg, map[string]string{"project": "acme-dev"})
		require.NoError(t, err)
		assert.True(t, vals["project"].RawEquals(cty.StringVal("acme-dev")))
	})

	t.Run("typed values parse as expressions", func(t *testing.T) {
		cfg := loadConfig(t, `
variable "workers" {
  type = number
}

variable "zones" {
  type = list(string)
}
`)
		vals, err := VariableValues(cfg, map[string]string{
			"workers": "3",
			"zones":   `["us-central1-a", "us-central1-b"]`,
		})
		require.NoError(t, err)
		assert.True(t, vals["workers"].RawEquals(cty.NumberIntVal(3)))
		assert.True(t, vals["zones"].RawEquals(cty.ListVal([]cty.Value{
			cty.StringVal("us-central1-a"),
			cty.StringVal("us-central1-b"),
		})))
	})

	t.Run("value does not fit the type", func(t *testing.T) {
		cfg := loadConfig(t, `
variable "workers" {
  type = number
}
`)
		_, err := VariableValues(cfg, map[string]string{"workers": `["a"]`})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `invalid value for variable "workers"`)
	})

	t.Run("missing value", func(t *testing.T) {
		cfg := loadConfig(t, `
variable "region" {
  type = string
}
`)
		_, err := VariableValues(cfg, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `variable "region" has no value and no default`)
	})
}
