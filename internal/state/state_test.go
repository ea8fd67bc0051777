package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/girder-io/girder/internal/engine"
	"github.com/girder-io/girder/internal/ir"
)

func TestManager_ReadMissingIsFresh(t *testing.T) {
	mgr := NewManager(filepath.Join(t.TempDir(), "state.json"))

	s, err := mgr.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ir.StateVersion, s.Version)
	assert.Equal(t, uint64(0), s.Serial)
	assert.Empty(t, s.Lineage)
	assert.Empty(t, s.Resources)
}

func TestManager_WriteReadRoundTrip(t *testing.T) {
	mgr := NewManager(filepath.Join(t.TempDir(), "state.json"))
	ctx := context.Background()

	s, err := mgr.Read(ctx)
	require.NoError(t, err)

	s.Resources = []*ir.ResourceState{
		{
			Type:       "gcp_storage_bucket",
			Name:       "artifacts",
			Provider:   "gcp",
			Status:     ir.StatusRealized,
			Inputs:     map[string]any{"name": "ml-artifacts", "location": "US"},
			InputsHash: "deadbeef",
			Outputs:    map[string]any{"id": "ml-artifacts", "url": "gs://ml-artifacts"},
		},
	}
	s.Outputs = map[string]*ir.OutputState{
		"bucket_url": {Value: "gs://ml-artifacts"},
	}
	require.NoError(t, mgr.Write(ctx, s))

	// The first write mints a lineage and advances the serial.
	assert.Equal(t, uint64(1), s.Serial)
	assert.NotEmpty(t, s.Lineage)

	got, err := mgr.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, s.Serial, got.Serial)
	assert.Equal(t, s.Lineage, got.Lineage)
	require.Len(t, got.Resources, 1)
	assert.Equal(t, "gcp_storage_bucket.artifacts", got.Resources[0].Addr())
	assert.Equal(t, "ml-artifacts", got.Resources[0].Inputs["name"])
	assert.Equal(t, "gs://ml-artifacts", got.Outputs["bucket_url"].Value)
}

func TestManager_SerialAdvancesEveryWrite(t *testing.T) {
	mgr := NewManager(filepath.Join(t.TempDir(), "state.json"))
	ctx := context.Background()

	s, err := mgr.Read(ctx)
	require.NoError(t, err)
	require.NoError(t, mgr.Write(ctx, s))
	require.NoError(t, mgr.Write(ctx, s))
	assert.Equal(t, uint64(2), s.Serial)
}

func TestManager_StaleWriteConflicts(t *testing.T) {
	mgr := NewManager(filepath.Join(t.TempDir(), "state.json"))
	ctx := context.Background()

	s, err := mgr.Read(ctx)
	require.NoError(t, err)
	require.NoError(t, mgr.Write(ctx, s))

	stale := &ir.State{Version: ir.StateVersion, Serial: 0, Lineage: s.Lineage}
	err = mgr.Write(ctx, stale)
	var conflict *engine.StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, uint64(0), conflict.Expected)
	assert.Equal(t, uint64(1), conflict.Actual)
}

func TestManager_RejectsForeignLineage(t *testing.T) {
	mgr := NewManager(filepath.Join(t.TempDir(), "state.json"))
	ctx := context.Background()

	s, err := mgr.Read(ctx)
	require.NoError(t, err)
	require.NoError(t, mgr.Write(ctx, s))

	foreign := &ir.State{Version: ir.StateVersion, Serial: s.Serial, Lineage: "someone-else"}
	err = mgr.Write(ctx, foreign)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lineage")
}

func TestManager_EncryptedRoundTrip(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "state-key-for-round-trip-testing")
	mgr := NewManager(filepath.Join(t.TempDir(), "state.json"))
	ctx := context.Background()

	s, err := mgr.Read(ctx)
	require.NoError(t, err)
	s.Resources = []*ir.ResourceState{{Type: "null_resource", Name: "seed", Provider: "null", Status: ir.StatusRealized}}
	require.NoError(t, mgr.Write(ctx, s))

	raw, err := os.ReadFile(mgr.Path())
	require.NoError(t, err)
	assert.True(t, IsEncrypted(raw))
	assert.NotContains(t, string(raw), "null_resource")

	got, err := mgr.Read(ctx)
	require.NoError(t, err)
	require.Len(t, got.Resources, 1)
	assert.Equal(t, "null_resource.seed", got.Resources[0].Addr())
}

func TestManager_RejectsNewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 99, "serial": 3}`), 0600))

	_, err := NewManager(path).Read(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer girder release")
}

func TestManager_LockExcludes(t *testing.T) {
	mgr := NewManager(filepath.Join(t.TempDir(), "state.json"))

	require.NoError(t, mgr.Lock())
	err := mgr.Lock()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked by another process")

	require.NoError(t, mgr.Unlock())
	require.NoError(t, mgr.Lock())
	require.NoError(t, mgr.Unlock())
}

func TestManager_StaleLockIsReclaimed(t *testing.T) {
	mgr := NewManager(filepath.Join(t.TempDir(), "state.json"))

	require.NoError(t, mgr.Lock())
	old := time.Now().Add(-staleLockAge - time.Minute)
	require.NoError(t, os.Chtimes(mgr.lockPath(), old, old))

	require.NoError(t, mgr.Lock())
	require.NoError(t, mgr.Unlock())
}

func TestManager_UnlockWithoutLockIsNoop(t *testing.T) {
	mgr := NewManager(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, mgr.Unlock())
}
