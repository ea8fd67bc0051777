package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/girder-io/girder/internal/eval"
	"github.com/girder-io/girder/internal/ir"
	"github.com/girder-io/girder/internal/provider"
	"github.com/girder-io/girder/pkg/sdk"
)

// fakeProvider is an in-memory provider for exercising the engine. It
// classifies plans with the shared diff helper against a fixed schema and
// replays scripted failures and latency per address.
type fakeProvider struct {
	mu          sync.Mutex
	ops         []string // "apply type.name" / "destroy type.name" in call order
	configs     []string
	applyReqs   map[string]*sdk.ApplyRequest
	destroyReqs map[string]*sdk.DestroyRequest
	applyErr    map[string]error
	destroyErr  map[string]error
	throttled   map[string]int // Apply answers 429 this many times first
	applyDelay  time.Duration
	inFlight    int
	maxInFlight int
}

var _ sdk.Provider = (*fakeProvider)(nil)

// region is immutable once realized, password is redacted in diffs, id is
// provider-populated.
var fakeSchema = &sdk.Schema{
	Attributes: map[string]*sdk.AttributeSchema{
		"region":   {ForcesReplacement: true},
		"password": {Sensitive: true},
		"id":       {Computed: true},
	},
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		applyReqs:   map[string]*sdk.ApplyRequest{},
		destroyReqs: map[string]*sdk.DestroyRequest{},
		applyErr:    map[string]error{},
		destroyErr:  map[string]error{},
		throttled:   map[string]int{},
	}
}

func (f *fakeProvider) Configure(ctx context.Context, req *sdk.ConfigureRequest) (*sdk.ConfigureResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs = append(f.configs, string(req.ConfigJSON))
	return &sdk.ConfigureResponse{}, nil
}

func (f *fakeProvider) Schema(resourceType string) (*sdk.Schema, error) {
	return fakeSchema, nil
}

func (f *fakeProvider) Plan(ctx context.Context, req *sdk.PlanRequest) (*sdk.PlanResponse, error) {
	return sdk.DiffAttributes(fakeSchema, req)
}

func (f *fakeProvider) Apply(ctx context.Context, req *sdk.ApplyRequest) (*sdk.ApplyResponse, error) {
	addr := req.Type + "." + req.Name

	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	delay := f.applyDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			f.mu.Lock()
			f.inFlight--
			f.mu.Unlock()
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	f.mu.Lock()
	f.inFlight--
	f.ops = append(f.ops, "apply "+addr)
	f.applyReqs[addr] = req
	if f.throttled[addr] > 0 {
		f.throttled[addr]--
		f.mu.Unlock()
		return nil, errors.New("googleapi: Error 429: too many requests")
	}
	err := f.applyErr[addr]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var outputs map[string]any
	if len(req.DesiredJSON) > 0 {
		if err := json.Unmarshal(req.DesiredJSON, &outputs); err != nil {
			return nil, err
		}
	}
	if outputs == nil {
		outputs = map[string]any{}
	}
	outputs["id"] = addr + "-id"
	stateJSON, err := json.Marshal(outputs)
	if err != nil {
		return nil, err
	}
	return &sdk.ApplyResponse{StateJSON: stateJSON}, nil
}

func (f *fakeProvider) Read(ctx context.Context, req *sdk.ReadRequest) (*sdk.ReadResponse, error) {
	return &sdk.ReadResponse{Exists: true, StateJSON: req.StateJSON}, nil
}

func (f *fakeProvider) Destroy(ctx context.Context, req *sdk.DestroyRequest) (*sdk.DestroyResponse, error) {
	addr := req.Type + "." + req.Name
	f.mu.Lock()
	f.ops = append(f.ops, "destroy "+addr)
	f.destroyReqs[addr] = req
	err := f.destroyErr[addr]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &sdk.DestroyResponse{}, nil
}

func (f *fakeProvider) operations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

// loadTestConfig parses an HCL configuration from a throwaway directory.
func loadTestConfig(t *testing.T, src string) *ir.Config {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.hcl"), []byte(src), 0o644))
	cfg, err := eval.NewEvaluator(dir).LoadConfig()
	require.NoError(t, err)
	return cfg
}

func newTestEngine(fake *fakeProvider) *Engine {
	reg := provider.NewRegistry()
	reg.Register("test", fake)
	return NewEngine(reg)
}

// testState builds a snapshot with a fixed serial and lineage so plans
// created from it verify cleanly against it.
func testState(entries ...*ir.ResourceState) *ir.State {
	return &ir.State{
		Version:   ir.StateVersion,
		Serial:    4,
		Lineage:   "4c7d9f2a-8e13-4f60-9b5d-0a61c2d8e7b4",
		Resources: entries,
	}
}

func realizedEntry(name string, inputs map[string]any) *ir.ResourceState {
	outputs := map[string]any{"id": "test_thing." + name + "-id"}
	for k, v := range inputs {
		outputs[k] = v
	}
	return &ir.ResourceState{
		Type:       "test_thing",
		Name:       name,
		Provider:   "test",
		Status:     ir.StatusRealized,
		Inputs:     inputs,
		InputsHash: hashInputs(inputs),
		Outputs:    outputs,
	}
}

func TestCreatePlan_Create(t *testing.T) {
	fake := newFakeProvider()
	eng := newTestEngine(fake)

	cfg := loadTestConfig(t, `
resource "test_thing" "web" {
  size   = "small"
  region = "us-east1"
}
`)
	st := testState()

	plan, err := eng.CreatePlan(context.Background(), cfg, st)
	require.NoError(t, err)

	require.Len(t, plan.Changes, 1)
	change := plan.Changes[0]
	assert.Equal(t, "test_thing.web", change.Address)
	assert.Equal(t, sdk.ActionCreate, change.Action)
	assert.Equal(t, "test", change.Provider)
	assert.Equal(t, map[string]any{"size": "small", "region": "us-east1"}, change.Desired)
	assert.Nil(t, change.Prior)

	require.Contains(t, change.Diff, "size")
	assert.Equal(t, "small", change.Diff["size"].After)
	assert.Nil(t, change.Diff["size"].Before)
	assert.True(t, change.Diff["region"].ForcesReplacement)

	assert.Equal(t, &ir.PlanSummary{Create: 1}, plan.Summary)
	assert.True(t, plan.HasChanges())

	require.NotNil(t, plan.Metadata)
	assert.NotEmpty(t, plan.Metadata.ID)
	assert.False(t, plan.Metadata.CreatedAt.IsZero())
	assert.Equal(t, st.Serial, plan.Metadata.StateSerial)
	assert.Equal(t, st.Lineage, plan.Metadata.Lineage)
}

func TestCreatePlan_NoOpWhenUnchanged(t *testing.T) {
	eng := newTestEngine(newFakeProvider())

	cfg := loadTestConfig(t, `
resource "test_thing" "web" {
  size = "small"
}
`)
	st := testState(realizedEntry("web", map[string]any{"size": "small"}))

	plan, err := eng.CreatePlan(context.Background(), cfg, st)
	require.NoError(t, err)

	assert.Empty(t, plan.Changes)
	assert.Equal(t, 1, plan.Summary.NoOp)
	assert.False(t, plan.HasChanges())
}

func TestCreatePlan_Update(t *testing.T) {
	eng := newTestEngine(newFakeProvider())

	cfg := loadTestConfig(t, `
resource "test_thing" "web" {
  size = "large"
}
`)
	st := testState(realizedEntry("web", map[string]any{"size": "small"}))

	plan, err := eng.CreatePlan(context.Background(), cfg, st)
	require.NoError(t, err)

	require.Len(t, plan.Changes, 1)
	change := plan.Changes[0]
	assert.Equal(t, sdk.ActionUpdate, change.Action)
	assert.Empty(t, change.Reason)
	assert.Equal(t, map[string]any{"size": "small"}, change.Prior)

	require.Contains(t, change.Diff, "size")
	assert.Equal(t, "small", change.Diff["size"].Before)
	assert.Equal(t, "large", change.Diff["size"].After)
	assert.Equal(t, 1, plan.Summary.Update)
}

func TestCreatePlan_ReplaceOnImmutableChange(t *testing.T) {
	eng := newTestEngine(newFakeProvider())

	cfg := loadTestConfig(t, `
resource "test_thing" "db" {
  size   = "small"
  region = "eu-west1"
}
`)
	st := testState(realizedEntry("db", map[string]any{"size": "small", "region": "us-east1"}))

	plan, err := eng.CreatePlan(context.Background(), cfg, st)
	require.NoError(t, err)

	require.Len(t, plan.Changes, 1)
	change := plan.Changes[0]
	assert.Equal(t, sdk.ActionReplace, change.Action)
	assert.Equal(t, "forces replacement: region", change.Reason)

	require.Contains(t, change.Diff, "region")
	assert.Equal(t, "us-east1", change.Diff["region"].Before)
	assert.Equal(t, "eu-west1", change.Diff["region"].After)
	assert.True(t, change.Diff["region"].ForcesReplacement)
	assert.NotContains(t, change.Diff, "size")
	assert.Equal(t, 1, plan.Summary.Replace)
}

func TestCreatePlan_UnknownCascadesToDependents(t *testing.T) {
	eng := newTestEngine(newFakeProvider())

	cfg := loadTestConfig(t, `
resource "test_thing" "db" {
  region = "eu-west1"
}

resource "test_thing" "app" {
  size = "small"
  conn = test_thing.db.id
}
`)
	st := testState(
		realizedEntry("db", map[string]any{"region": "us-east1"}),
		realizedEntry("app", map[string]any{"size": "small", "conn": "test_thing.db-id"}),
	)

	plan, err := eng.CreatePlan(context.Background(), cfg, st)
	require.NoError(t, err)

	require.Len(t, plan.Changes, 2)
	assert.Equal(t, "test_thing.db", plan.Changes[0].Address)
	assert.Equal(t, sdk.ActionReplace, plan.Changes[0].Action)

	app := plan.Changes[1]
	assert.Equal(t, "test_thing.app", app.Address)
	assert.Equal(t, sdk.ActionUpdate, app.Action)
	assert.Equal(t, []string{"conn"}, app.Unknown)

	// The replacement's new id does not exist yet, so the reference is
	// known only after apply.
	require.Contains(t, app.Diff, "conn")
	assert.True(t, app.Diff["conn"].Unknown)
	assert.Equal(t, "test_thing.db-id", app.Diff["conn"].Before)
	assert.Nil(t, app.Diff["conn"].After)
	assert.NotContains(t, app.Diff, "size")
}

func TestCreatePlan_TaintedForcesReplace(t *testing.T) {
	eng := newTestEngine(newFakeProvider())

	cfg := loadTestConfig(t, `
resource "test_thing" "web" {
  size = "small"
}
`)
	entry := realizedEntry("web", map[string]any{"size": "small"})
	entry.Tainted = true
	st := testState(entry)

	plan, err := eng.CreatePlan(context.Background(), cfg, st)
	require.NoError(t, err)

	require.Len(t, plan.Changes, 1)
	assert.Equal(t, sdk.ActionReplace, plan.Changes[0].Action)
	assert.Equal(t, "tainted", plan.Changes[0].Reason)
	assert.Equal(t, 1, plan.Summary.Replace)
}

func TestCreatePlan_PreventDestroyBlocksReplace(t *testing.T) {
	eng := newTestEngine(newFakeProvider())

	cfg := loadTestConfig(t, `
resource "test_thing" "db" {
  region = "eu-west1"

  lifecycle {
    prevent_destroy = true
  }
}
`)
	st := testState(realizedEntry("db", map[string]any{"region": "us-east1"}))

	_, err := eng.CreatePlan(context.Background(), cfg, st)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "test_thing.db has prevent_destroy set but the plan requires destroying it")
}

func TestCreatePlan_IgnoreChangesRetainsPrior(t *testing.T) {
	eng := newTestEngine(newFakeProvider())

	cfg := loadTestConfig(t, `
resource "test_thing" "web" {
  size = "huge"

  lifecycle {
    ignore_changes = ["size"]
  }
}
`)
	st := testState(realizedEntry("web", map[string]any{"size": "small"}))

	plan, err := eng.CreatePlan(context.Background(), cfg, st)
	require.NoError(t, err)

	assert.Empty(t, plan.Changes)
	assert.Equal(t, 1, plan.Summary.NoOp)
}

func TestCreatePlan_IgnoreChangesNewAttribute(t *testing.T) {
	eng := newTestEngine(newFakeProvider())

	// memory was never applied, so the configured value stands even though
	// it is listed in ignore_changes.
	cfg := loadTestConfig(t, `
resource "test_thing" "web" {
  size   = "small"
  memory = "2gb"

  lifecycle {
    ignore_changes = ["memory"]
  }
}
`)
	st := testState(realizedEntry("web", map[string]any{"size": "small"}))

	plan, err := eng.CreatePlan(context.Background(), cfg, st)
	require.NoError(t, err)

	require.Len(t, plan.Changes, 1)
	change := plan.Changes[0]
	assert.Equal(t, sdk.ActionUpdate, change.Action)
	assert.Equal(t, "2gb", change.Desired["memory"])
	require.Contains(t, change.Diff, "memory")
	assert.Equal(t, "2gb", change.Diff["memory"].After)
}

func TestCreatePlan_IgnoreChangesSuppressesUnknown(t *testing.T) {
	eng := newTestEngine(newFakeProvider())

	cfg := loadTestConfig(t, `
resource "test_thing" "db" {
  region = "eu-west1"
}

resource "test_thing" "app" {
  conn = test_thing.db.id

  lifecycle {
    ignore_changes = ["conn"]
  }
}
`)
	st := testState(
		realizedEntry("db", map[string]any{"region": "us-east1"}),
		realizedEntry("app", map[string]any{"conn": "test_thing.db-id"}),
	)

	plan, err := eng.CreatePlan(context.Background(), cfg, st)
	require.NoError(t, err)

	// The db replacement makes conn unknown, but ignore_changes pins it to
	// the applied value, so app stays untouched.
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, "test_thing.db", plan.Changes[0].Address)
	assert.Equal(t, 1, plan.Summary.Replace)
	assert.Equal(t, 1, plan.Summary.NoOp)
}

func TestCreatePlan_DeletesUndeclared(t *testing.T) {
	eng := newTestEngine(newFakeProvider())

	cfg := loadTestConfig(t, `
resource "test_thing" "web" {
  size = "small"
}
`)
	cache := realizedEntry("cache", map[string]any{"size": "tiny"})
	queue := realizedEntry("queue", map[string]any{"size": "tiny"})
	queue.Dependencies = []string{"test_thing.cache"}
	st := testState(
		realizedEntry("web", map[string]any{"size": "small"}),
		cache,
		queue,
	)

	plan, err := eng.CreatePlan(context.Background(), cfg, st)
	require.NoError(t, err)

	// The queue depended on the cache, so it is deleted first.
	require.Len(t, plan.Changes, 2)
	assert.Equal(t, "test_thing.queue", plan.Changes[0].Address)
	assert.Equal(t, "test_thing.cache", plan.Changes[1].Address)
	for _, c := range plan.Changes {
		assert.Equal(t, sdk.ActionDelete, c.Action)
		assert.Equal(t, "tiny", c.Diff["size"].Before)
	}
	assert.Equal(t, 2, plan.Summary.Delete)
	assert.Equal(t, 1, plan.Summary.NoOp)
}

func TestCreatePlan_Targets(t *testing.T) {
	eng := newTestEngine(newFakeProvider())

	cfg := loadTestConfig(t, `
resource "test_thing" "net" {
  size = "n1"
}

resource "test_thing" "app" {
  conn = test_thing.net.id
}

resource "test_thing" "other" {
  size = "o1"
}
`)
	st := testState(realizedEntry("stale", map[string]any{"size": "old"}))

	plan, err := eng.CreatePlanWithOptions(context.Background(), cfg, st, &PlanOptions{
		Targets: []string{"test_thing.app"},
	})
	require.NoError(t, err)

	// Targeting app pulls in net, leaves other alone, and leaves the stale
	// state entry alone too.
	require.Len(t, plan.Changes, 2)
	assert.Equal(t, "test_thing.net", plan.Changes[0].Address)
	assert.Equal(t, "test_thing.app", plan.Changes[1].Address)
	assert.Equal(t, 2, plan.Summary.Create)
	assert.Equal(t, 0, plan.Summary.Delete)
	assert.Equal(t, 1, plan.Summary.NoOp)
	assert.Equal(t, []string{"test_thing.app"}, plan.Metadata.Targets)
}

func TestCreatePlan_TargetMatchesNothing(t *testing.T) {
	eng := newTestEngine(newFakeProvider())

	cfg := loadTestConfig(t, `
resource "test_thing" "web" {
  size = "small"
}
`)

	_, err := eng.CreatePlanWithOptions(context.Background(), cfg, testState(), &PlanOptions{
		Targets: []string{"test_thing.nope"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), `target "test_thing.nope" matches no resource`)
}

func TestCreatePlan_Destroy(t *testing.T) {
	eng := newTestEngine(newFakeProvider())

	cfg := loadTestConfig(t, `
resource "test_thing" "db" {
  size = "small"
}

resource "test_thing" "web" {
  conn = test_thing.db.id
}
`)
	web := realizedEntry("web", map[string]any{"conn": "test_thing.db-id"})
	web.Dependencies = []string{"test_thing.db"}
	st := testState(realizedEntry("db", map[string]any{"size": "small"}), web)

	plan, err := eng.CreatePlanWithOptions(context.Background(), cfg, st, &PlanOptions{Destroy: true})
	require.NoError(t, err)

	assert.True(t, plan.Metadata.Destroy)
	require.Len(t, plan.Changes, 2)
	assert.Equal(t, "test_thing.web", plan.Changes[0].Address)
	assert.Equal(t, "test_thing.db", plan.Changes[1].Address)
	assert.Equal(t, sdk.ActionDelete, plan.Changes[0].Action)
	assert.Equal(t, 2, plan.Summary.Delete)
}

func TestCreatePlan_DestroyPreventDestroy(t *testing.T) {
	eng := newTestEngine(newFakeProvider())

	cfg := loadTestConfig(t, `
resource "test_thing" "db" {
  size = "small"

  lifecycle {
    prevent_destroy = true
  }
}
`)
	st := testState(realizedEntry("db", map[string]any{"size": "small"}))

	_, err := eng.CreatePlanWithOptions(context.Background(), cfg, st, &PlanOptions{Destroy: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "prevent_destroy")
}

func TestCreatePlan_DestroyTargeted(t *testing.T) {
	eng := newTestEngine(newFakeProvider())

	cfg := loadTestConfig(t, `
resource "test_thing" "db" {
  size = "small"
}

resource "test_thing" "app" {
  conn = test_thing.db.id
}

resource "test_thing" "worker" {
  conn = test_thing.app.id
}

resource "test_thing" "cache" {
  size = "tiny"
}
`)
	app := realizedEntry("app", map[string]any{"conn": "test_thing.db-id"})
	app.Dependencies = []string{"test_thing.db"}
	worker := realizedEntry("worker", map[string]any{"conn": "test_thing.app-id"})
	worker.Dependencies = []string{"test_thing.app"}
	st := testState(
		realizedEntry("db", map[string]any{"size": "small"}),
		app,
		worker,
		realizedEntry("cache", map[string]any{"size": "tiny"}),
	)

	plan, err := eng.CreatePlanWithOptions(context.Background(), cfg, st, &PlanOptions{
		Destroy: true,
		Targets: []string{"test_thing.db"},
	})
	require.NoError(t, err)

	// Destroying db pulls in everything that depends on it; the cache is
	// untouched.
	require.Len(t, plan.Changes, 3)
	assert.Equal(t, "test_thing.worker", plan.Changes[0].Address)
	assert.Equal(t, "test_thing.app", plan.Changes[1].Address)
	assert.Equal(t, "test_thing.db", plan.Changes[2].Address)
}

func TestCreatePlan_CountInstances(t *testing.T) {
	eng := newTestEngine(newFakeProvider())

	cfg := loadTestConfig(t, `
resource "test_thing" "srv" {
  count = 2
  size  = "srv-${count.index}"
}
`)

	plan, err := eng.CreatePlan(context.Background(), cfg, testState())
	require.NoError(t, err)

	require.Len(t, plan.Changes, 2)
	assert.Equal(t, "test_thing.srv[0]", plan.Changes[0].Address)
	assert.Equal(t, "test_thing.srv[1]", plan.Changes[1].Address)
	assert.Equal(t, "srv-0", plan.Changes[0].Desired["size"])
	assert.Equal(t, "srv-1", plan.Changes[1].Desired["size"])
}

func TestCreatePlan_ForEachInstances(t *testing.T) {
	eng := newTestEngine(newFakeProvider())

	cfg := loadTestConfig(t, `
resource "test_thing" "tier" {
  for_each = ["web", "db"]
  size     = each.key
}
`)

	plan, err := eng.CreatePlan(context.Background(), cfg, testState())
	require.NoError(t, err)

	require.Len(t, plan.Changes, 2)
	assert.Equal(t, `test_thing.tier["db"]`, plan.Changes[0].Address)
	assert.Equal(t, `test_thing.tier["web"]`, plan.Changes[1].Address)
	assert.Equal(t, "db", plan.Changes[0].Desired["size"])
	assert.Equal(t, "web", plan.Changes[1].Desired["size"])
}

func TestCreatePlan_VariableOverrides(t *testing.T) {
	eng := newTestEngine(newFakeProvider())

	cfg := loadTestConfig(t, `
variable "size" {
  type    = string
  default = "small"
}

resource "test_thing" "web" {
  size = var.size
}
`)

	plan, err := eng.CreatePlan(context.Background(), cfg, testState())
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, "small", plan.Changes[0].Desired["size"])

	overrides := map[string]string{"size": "large"}
	plan, err = eng.CreatePlanWithOptions(context.Background(), cfg, testState(), &PlanOptions{
		Variables: overrides,
	})
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, "large", plan.Changes[0].Desired["size"])
	assert.Equal(t, overrides, plan.Metadata.Variables)
}

func TestCreatePlan_ConfiguresProvider(t *testing.T) {
	fake := newFakeProvider()
	eng := newTestEngine(fake)

	cfg := loadTestConfig(t, `
variable "project" {
  type    = string
  default = "acme-staging"
}

provider "test" {
  project = var.project
}

resource "test_thing" "web" {
  size = "small"
}
`)

	_, err := eng.CreatePlan(context.Background(), cfg, testState())
	require.NoError(t, err)

	require.Len(t, fake.configs, 1)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(fake.configs[0]), &got))
	assert.Equal(t, map[string]any{"project": "acme-staging"}, got)
}

func TestCreatePlan_SensitiveAttributesFlagged(t *testing.T) {
	eng := newTestEngine(newFakeProvider())

	cfg := loadTestConfig(t, `
resource "test_thing" "db" {
  password = "swordfish"
}
`)

	plan, err := eng.CreatePlan(context.Background(), cfg, testState())
	require.NoError(t, err)

	require.Len(t, plan.Changes, 1)
	require.Contains(t, plan.Changes[0].Diff, "password")
	assert.True(t, plan.Changes[0].Diff["password"].Sensitive)
}

func TestCreatePlan_CycleFailsBeforeExecution(t *testing.T) {
	fake := newFakeProvider()
	eng := newTestEngine(fake)

	cfg := loadTestConfig(t, `
resource "test_thing" "a" {
  conn = test_thing.b.id
}

resource "test_thing" "b" {
  conn = test_thing.a.id
}
`)

	_, err := eng.CreatePlan(context.Background(), cfg, testState())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Empty(t, fake.operations())
}

func TestVerifyPlan(t *testing.T) {
	base := func() *ir.Plan {
		return &ir.Plan{
			Metadata: &ir.PlanMetadata{
				StateSerial: 4,
				Lineage:     "4c7d9f2a-8e13-4f60-9b5d-0a61c2d8e7b4",
			},
			Changes: []*ir.ResourceChange{
				{Address: "test_thing.web", Action: sdk.ActionCreate},
				{Address: "test_thing.db", Action: sdk.ActionUpdate},
			},
		}
	}

	t.Run("matching plans verify", func(t *testing.T) {
		assert.NoError(t, VerifyPlan(base(), base()))
	})

	t.Run("lineage drift", func(t *testing.T) {
		saved := base()
		saved.Metadata.Lineage = "something-else"
		err := VerifyPlan(saved, base())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "different state lineage")
	})

	t.Run("serial drift", func(t *testing.T) {
		fresh := base()
		fresh.Metadata.StateSerial = 9
		err := VerifyPlan(base(), fresh)
		require.Error(t, err)
		var conflict *StateConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, uint64(4), conflict.Expected)
		assert.Equal(t, uint64(9), conflict.Actual)
	})

	t.Run("change count drift", func(t *testing.T) {
		fresh := base()
		fresh.Changes = append(fresh.Changes, &ir.ResourceChange{
			Address: "test_thing.cache",
			Action:  sdk.ActionDelete,
		})
		err := VerifyPlan(base(), fresh)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "now produces 3")
	})

	t.Run("action drift", func(t *testing.T) {
		fresh := base()
		fresh.Changes[1].Action = sdk.ActionReplace
		err := VerifyPlan(base(), fresh)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "test_thing.db now plans replace, saved plan has update")
	})
}
