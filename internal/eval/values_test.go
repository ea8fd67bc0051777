package eval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func TestCtyToGo(t *testing.T) {
	obj := cty.ObjectVal(map[string]cty.Value{
		"name":  cty.StringVal("web"),
		"count": cty.NumberIntVal(3),
		"tags":  cty.ListVal([]cty.Value{cty.StringVal("ml"), cty.StringVal("batch")}),
	})

	got, err := CtyToGo(obj)
	require.NoError(t, err)

	// Values pass through JSON, so numbers come back as float64, the same
	// shape they have after a state round trip.
	assert.Equal(t, map[string]any{
		"name":  "web",
		"count": float64(3),
		"tags":  []any{"ml", "batch"},
	}, got)
}

func TestCtyToGo_Null(t *testing.T) {
	got, err := CtyToGo(cty.NullVal(cty.String))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGoToCty(t *testing.T) {
	val, err := GoToCty(map[string]any{"name": "web", "replicas": float64(2)})
	require.NoError(t, err)
	assert.True(t, val.RawEquals(cty.ObjectVal(map[string]cty.Value{
		"name":     cty.StringVal("web"),
		"replicas": cty.NumberIntVal(2),
	})))

	null, err := GoToCty(nil)
	require.NoError(t, err)
	assert.True(t, null.IsNull())
}

func TestObjectFromOutputs(t *testing.T) {
	empty, err := ObjectFromOutputs(nil)
	require.NoError(t, err)
	assert.True(t, empty.RawEquals(cty.EmptyObjectVal))

	obj, err := ObjectFromOutputs(map[string]any{"id": "vpc-1"})
	require.NoError(t, err)
	assert.True(t, obj.RawEquals(cty.ObjectVal(map[string]cty.Value{
		"id": cty.StringVal("vpc-1"),
	})))
}
