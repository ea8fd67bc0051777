package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/girder-io/girder/internal/ir"
)

func TestNewS3BackendRequiresBucket(t *testing.T) {
	_, err := newS3Backend(map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")
}

func TestNewS3BackendDefaults(t *testing.T) {
	b, err := newS3Backend(map[string]string{"bucket": "my-bucket"})
	if err != nil {
		t.Skipf("skipping s3 backend test (no AWS credentials): %v", err)
	}
	s3b, ok := b.(*s3Backend)
	require.True(t, ok)
	assert.Equal(t, "my-bucket", s3b.bucket)
	assert.Equal(t, "girder/state.json", s3b.key)
	assert.Equal(t, "us-east-1", s3b.region)
	assert.Empty(t, s3b.dynamoDBTable)
	assert.False(t, s3b.encrypt)
}

func TestNewS3BackendCustomConfig(t *testing.T) {
	config := map[string]string{
		"bucket":         "custom-bucket",
		"key":            "custom/path/state.json",
		"region":         "eu-west-1",
		"dynamodb_table": "girder-locks",
		"encrypt":        "true",
		"profile":        "staging",
	}
	b, err := newS3Backend(config)
	if err != nil {
		t.Skipf("skipping s3 backend test (no AWS credentials): %v", err)
	}
	s3b, ok := b.(*s3Backend)
	require.True(t, ok)
	assert.Equal(t, "custom-bucket", s3b.bucket)
	assert.Equal(t, "custom/path/state.json", s3b.key)
	assert.Equal(t, "eu-west-1", s3b.region)
	assert.Equal(t, "girder-locks", s3b.dynamoDBTable)
	assert.True(t, s3b.encrypt)
}

func TestNewGCSBackendRequiresBucket(t *testing.T) {
	_, err := newGCSBackend(map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")
}

func TestNewGCSBackendObjectPath(t *testing.T) {
	b, err := newGCSBackend(map[string]string{"bucket": "tfstate", "prefix": "envs/prod"})
	if err != nil {
		t.Skipf("skipping gcs backend test (no Google credentials): %v", err)
	}
	gcsb, ok := b.(*gcsBackend)
	require.True(t, ok)
	assert.Equal(t, "tfstate", gcsb.bucket)
	assert.Equal(t, "envs/prod/state.json", gcsb.object)
}

func TestNewBackendLocalWhenUnset(t *testing.T) {
	b, err := NewBackend(nil, "/tmp/girder/state.json")
	require.NoError(t, err)
	mgr, ok := b.(*Manager)
	require.True(t, ok)
	assert.Equal(t, "/tmp/girder/state.json", mgr.Path())
}

func TestNewBackendLocalCustomPath(t *testing.T) {
	cfg := &ir.Backend{Type: "local", Config: map[string]string{"path": "/var/lib/girder/state.json"}}
	b, err := NewBackend(cfg, "/tmp/default.json")
	require.NoError(t, err)
	mgr, ok := b.(*Manager)
	require.True(t, ok)
	assert.Equal(t, "/var/lib/girder/state.json", mgr.Path())
}

func TestNewBackendRejectsUnknownType(t *testing.T) {
	_, err := NewBackend(&ir.Backend{Type: "redis"}, "/tmp/state.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend type")
}

func TestMarshalStateRoundTrip(t *testing.T) {
	s := &ir.State{
		Version: ir.StateVersion,
		Serial:  7,
		Lineage: "abc-123",
		Resources: []*ir.ResourceState{
			{Type: "gcp_network", Name: "vpc", Provider: "gcp", Status: ir.StatusRealized},
		},
	}
	data, err := MarshalState(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"serial": 7`)
	assert.Contains(t, string(data), `"lineage": "abc-123"`)

	got, err := UnmarshalState(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.Serial)
	require.Len(t, got.Resources, 1)
	assert.Equal(t, "gcp_network.vpc", got.Resources[0].Addr())
}
