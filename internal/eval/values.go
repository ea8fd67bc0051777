package eval

import (
	"encoding/json"
	"fmt"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// CtyToGo converts a wholly known cty value into plain Go data via its
// JSON form, the same shape resolved attributes take in the state snapshot.
func CtyToGo(v cty.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	b, err := ctyjson.Marshal(v, v.Type())
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return out, nil
}

// GoToCty converts plain Go data back into a cty value with an implied type.
func GoToCty(v any) (cty.Value, error) {
	if v == nil {
		return cty.NullVal(cty.DynamicPseudoType), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return cty.NilVal, fmt.Errorf("failed to encode value: %w", err)
	}
	t, err := ctyjson.ImpliedType(b)
	if err != nil {
		return cty.NilVal, fmt.Errorf("failed to imply type: %w", err)
	}
	val, err := ctyjson.Unmarshal(b, t)
	if err != nil {
		return cty.NilVal, fmt.Errorf("failed to decode value: %w", err)
	}
	return val, nil
}

// ObjectFromOutputs builds the cty object representing one realized
// resource in the evaluation scope.
func ObjectFromOutputs(outputs map[string]any) (cty.Value, error) {
	if len(outputs) == 0 {
		return cty.EmptyObjectVal, nil
	}
	attrs := make(map[string]cty.Value, len(outputs))
	for k, v := range outputs {
		cv, err := GoToCty(v)
		if err != nil {
			return cty.NilVal, fmt.Errorf("attribute %q: %w", k, err)
		}
		attrs[k] = cv
	}
	return cty.ObjectVal(attrs), nil
}
