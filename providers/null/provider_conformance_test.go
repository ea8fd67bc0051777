package null

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/girder-io/girder/pkg/sdk"
)

// Provider conformance test suite.
// These tests verify that a provider correctly implements the full lifecycle:
// Configure -> Plan (create) -> Apply -> Read -> Plan (noop) -> Plan (replace) -> Apply -> Destroy

func TestConformance_FullLifecycle(t *testing.T) {
	ctx := context.Background()
	p := New()

	// 1. Configure
	configResp, err := p.Configure(ctx, &sdk.ConfigureRequest{ConfigJSON: []byte("{}")})
	require.NoError(t, err)
	assert.Empty(t, configResp.Diagnostics)

	// 2. Plan (create) - no prior state
	desiredJSON, _ := json.Marshal(map[string]any{"triggers": map[string]string{"key": "value"}})

	planResp, err := p.Plan(ctx, &sdk.PlanRequest{
		Type:        "null_resource",
		Name:        "test",
		DesiredJSON: desiredJSON,
	})
	require.NoError(t, err)
	assert.Equal(t, sdk.ActionCreate, planResp.Action)

	// 3. Apply
	applyResp, err := p.Apply(ctx, &sdk.ApplyRequest{
		Type:        "null_resource",
		Name:        "test",
		DesiredJSON: desiredJSON,
		Action:      sdk.ActionCreate,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, applyResp.StateJSON)

	var state map[string]any
	require.NoError(t, json.Unmarshal(applyResp.StateJSON, &state))
	assert.NotEmpty(t, state["id"])

	// 4. Read
	readResp, err := p.Read(ctx, &sdk.ReadRequest{
		Type:      "null_resource",
		Name:      "test",
		StateJSON: applyResp.StateJSON,
	})
	require.NoError(t, err)
	assert.True(t, readResp.Exists)

	// 5. Plan (noop) - same desired as last applied inputs
	planResp2, err := p.Plan(ctx, &sdk.PlanRequest{
		Type:        "null_resource",
		Name:        "test",
		DesiredJSON: desiredJSON,
		PriorJSON:   desiredJSON,
	})
	require.NoError(t, err)
	assert.Equal(t, sdk.ActionNoOp, planResp2.Action)

	// 6. Plan (replace) - changed triggers
	newDesiredJSON, _ := json.Marshal(map[string]any{"triggers": map[string]string{"key": "new-value"}})

	planResp3, err := p.Plan(ctx, &sdk.PlanRequest{
		Type:        "null_resource",
		Name:        "test",
		DesiredJSON: newDesiredJSON,
		PriorJSON:   desiredJSON,
	})
	require.NoError(t, err)
	assert.Equal(t, sdk.ActionReplace, planResp3.Action)

	// 7. Apply the replacement
	applyResp2, err := p.Apply(ctx, &sdk.ApplyRequest{
		Type:        "null_resource",
		Name:        "test",
		DesiredJSON: newDesiredJSON,
		Action:      sdk.ActionReplace,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, applyResp2.StateJSON)

	// 8. Destroy
	destroyResp, err := p.Destroy(ctx, &sdk.DestroyRequest{
		Type:      "null_resource",
		Name:      "test",
		StateJSON: applyResp2.StateJSON,
	})
	require.NoError(t, err)
	assert.NotNil(t, destroyResp)
}

func TestConformance_Schema(t *testing.T) {
	p := New()

	schema, err := p.Schema("null_resource")
	require.NoError(t, err)
	assert.True(t, schema.ForcesReplacement("triggers"))
	assert.True(t, schema.IsComputed("id"))

	_, err = p.Schema("null_wrong")
	assert.Error(t, err)
}

func TestConformance_ConfigureIdempotent(t *testing.T) {
	ctx := context.Background()
	p := New()

	// Configure should be idempotent
	for i := 0; i < 3; i++ {
		resp, err := p.Configure(ctx, &sdk.ConfigureRequest{ConfigJSON: []byte("{}")})
		require.NoError(t, err)
		assert.Empty(t, resp.Diagnostics)
	}
}
