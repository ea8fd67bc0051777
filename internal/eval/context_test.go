package eval

import (
	"encoding/json"
	"testing"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/girder-io/girder/internal/ir"
)

func parseExpr(t *testing.T, src string) hcl.Expression {
	t.Helper()
	expr, diags := hclsyntax.ParseExpression([]byte(src), "test.hcl", hcl.InitialPos)
	require.False(t, diags.HasErrors(), diags.Error())
	return expr
}

func evalExpr(t *testing.T, src string, ctx *hcl.EvalContext) cty.Value {
	t.Helper()
	val, diags := parseExpr(t, src).Value(ctx)
	require.False(t, diags.HasErrors(), diags.Error())
	return val
}

func TestBaseContext(t *testing.T) {
	ctx := BaseContext(map[string]cty.Value{"project": cty.StringVal("acme")})
	assert.True(t, evalExpr(t, "var.project", ctx).RawEquals(cty.StringVal("acme")))

	// An undeclared variable is an evaluation error, not an unknown.
	_, diags := parseExpr(t, "var.missing").Value(BaseContext(nil))
	assert.True(t, diags.HasErrors())
}

func TestInstanceContext(t *testing.T) {
	base := BaseContext(nil)

	t.Run("count binding", func(t *testing.T) {
		ctx := InstanceContext(base, &ir.EachBinding{CountIndex: 2})
		assert.True(t, evalExpr(t, "count.index", ctx).RawEquals(cty.NumberIntVal(2)))
	})

	t.Run("for_each binding", func(t *testing.T) {
		ctx := InstanceContext(base, &ir.EachBinding{
			Key:        "web",
			Value:      cty.StringVal("10.0.0.0/24"),
			CountIndex: -1,
		})
		assert.True(t, evalExpr(t, "each.key", ctx).RawEquals(cty.StringVal("web")))
		assert.True(t, evalExpr(t, "each.value", ctx).RawEquals(cty.StringVal("10.0.0.0/24")))
	})

	t.Run("singular resources share the parent", func(t *testing.T) {
		assert.Same(t, base, InstanceContext(base, nil))
	})
}

func TestResourceScope(t *testing.T) {
	t.Run("known outputs resolve", func(t *testing.T) {
		scope := NewResourceScope()
		require.NoError(t, scope.SetKnown("test_thing", "db", map[string]any{"id": "db-1", "port": 5432}))
		ctx := scope.Context(BaseContext(nil))

		assert.True(t, evalExpr(t, "test_thing.db.id", ctx).RawEquals(cty.StringVal("db-1")))
		assert.True(t, evalExpr(t, "test_thing.db.port", ctx).RawEquals(cty.NumberIntVal(5432)))
	})

	t.Run("pending instance is unknown", func(t *testing.T) {
		scope := NewResourceScope()
		scope.SetUnknown("test_thing", "app")
		ctx := scope.Context(BaseContext(nil))

		val := evalExpr(t, "test_thing.app.id", ctx)
		assert.False(t, val.IsWhollyKnown())
	})

	t.Run("count instances form a tuple", func(t *testing.T) {
		scope := NewResourceScope()
		require.NoError(t, scope.SetKnown("test_thing", "srv[0]", map[string]any{"id": "a"}))
		require.NoError(t, scope.SetKnown("test_thing", "srv[1]", map[string]any{"id": "b"}))
		ctx := scope.Context(BaseContext(nil))

		assert.True(t, evalExpr(t, "test_thing.srv[1].id", ctx).RawEquals(cty.StringVal("b")))
		assert.Equal(t, 2, evalExpr(t, "test_thing.srv", ctx).LengthInt())
	})

	t.Run("missing index stays unknown", func(t *testing.T) {
		scope := NewResourceScope()
		require.NoError(t, scope.SetKnown("test_thing", "srv[1]", map[string]any{"id": "b"}))
		ctx := scope.Context(BaseContext(nil))

		assert.False(t, evalExpr(t, "test_thing.srv[0].id", ctx).IsWhollyKnown())
	})

	t.Run("for_each instances form an object", func(t *testing.T) {
		scope := NewResourceScope()
		require.NoError(t, scope.SetKnown("test_thing", `tiers["web"]`, map[string]any{"cidr": "10.0.0.0/24"}))
		ctx := scope.Context(BaseContext(nil))

		assert.True(t, evalExpr(t, `test_thing.tiers["web"].cidr`, ctx).RawEquals(cty.StringVal("10.0.0.0/24")))
	})
}

func TestSplitInstanceName(t *testing.T) {
	cases := []struct {
		name  string
		base  string
		key   string
		index int
	}{
		{"web", "web", "", -1},
		{`tiers["web"]`, "tiers", "web", -1},
		{"servers[2]", "servers", "", 2},
		{"odd[", "odd[", "", -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			base, key, index := splitInstanceName(tc.name)
			assert.Equal(t, tc.base, base)
			assert.Equal(t, tc.key, key)
			assert.Equal(t, tc.index, index)
		})
	}
}

func TestEvalArguments(t *testing.T) {
	scope := NewResourceScope()
	require.NoError(t, scope.SetKnown("test_thing", "db", map[string]any{"id": "db-1"}))
	scope.SetUnknown("test_thing", "queue")
	ctx := scope.Context(BaseContext(map[string]cty.Value{"size": cty.StringVal("large")}))

	res := &ir.Resource{
		Type: "test_thing",
		Name: "app",
		Arguments: map[string]hcl.Expression{
			"size":  parseExpr(t, "var.size"),
			"conn":  parseExpr(t, "test_thing.db.id"),
			"queue": parseExpr(t, "test_thing.queue.id"),
			"note":  parseExpr(t, "null"),
		},
	}

	known, unknown, err := EvalArguments(res, ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"size": "large", "conn": "db-1"}, known)
	assert.Equal(t, []string{"queue"}, unknown)
	assert.NotContains(t, known, "note")
}

func TestEvalArguments_BadReference(t *testing.T) {
	res := &ir.Resource{
		Type: "test_thing",
		Name: "app",
		Arguments: map[string]hcl.Expression{
			"conn": parseExpr(t, "test_thing.ghost.id"),
		},
	}

	_, _, err := EvalArguments(res, NewResourceScope().Context(BaseContext(nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resource test_thing.app")
	assert.Contains(t, err.Error(), `attribute "conn"`)
}

func TestEvalProviderConfig(t *testing.T) {
	p := &ir.ProviderConfig{
		Name: "gcp",
		Arguments: map[string]hcl.Expression{
			"project": parseExpr(t, "var.project"),
			"region":  parseExpr(t, `"us-central1"`),
		},
	}

	b, err := EvalProviderConfig(p, BaseContext(map[string]cty.Value{"project": cty.StringVal("acme")}))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, map[string]any{"project": "acme", "region": "us-central1"}, got)
}

func TestEvalOutputs(t *testing.T) {
	scope := NewResourceScope()
	require.NoError(t, scope.SetKnown("test_thing", "db", map[string]any{"id": "db-1"}))
	scope.SetUnknown("test_thing", "app")
	ctx := scope.Context(BaseContext(nil))

	outputs := []*ir.Output{
		{Name: "db_id", Value: parseExpr(t, "test_thing.db.id")},
		{Name: "app_id", Value: parseExpr(t, "test_thing.app.id")},
		{Name: "secret", Value: parseExpr(t, `"hunter2"`), Sensitive: true},
	}

	result, err := EvalOutputs(outputs, ctx)
	require.NoError(t, err)

	// The output depending on an unrealized resource is left out.
	require.Len(t, result, 2)
	assert.Equal(t, "db-1", result["db_id"].Value)
	assert.Equal(t, "hunter2", result["secret"].Value)
	assert.True(t, result["secret"].Sensitive)
	assert.NotContains(t, result, "app_id")
}
