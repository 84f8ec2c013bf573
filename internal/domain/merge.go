package domain

import (
	"dario.cat/mergo"

	"github.com/eleven-am/conduit/internal/xjson"
)

// MergeJSON overlays patch onto current. Objects merge key by key with patch winning,
// arrays concatenate, anything else is replaced by patch.
func MergeJSON(current, patch xjson.RawMessage) (xjson.RawMessage, error) {
	if len(current) == 0 {
		return patch, nil
	}

	if len(patch) == 0 {
		return current, nil
	}

	var currentData, patchData interface{}

	if err := xjson.Unmarshal(current, &currentData); err != nil {
		return nil, NewValidationError("merge: unmarshal current", err, WithComponent("domain.MergeJSON"))
	}

	if err := xjson.Unmarshal(patch, &patchData); err != nil {
		return nil, NewValidationError("merge: unmarshal patch", err, WithComponent("domain.MergeJSON"))
	}

	if !sameContainer(currentData, patchData) {
		return patch, nil
	}

	merged, err := MergeValues(currentData, patchData)
	if err != nil {
		return nil, err
	}

	out, err := xjson.Marshal(merged)
	if err != nil {
		return nil, NewValidationError("merge: marshal merged", err, WithComponent("domain.MergeJSON"))
	}
	return out, nil
}

// MergeValues merges decoded JSON-like values with the same rules as MergeJSON.
func MergeValues(current, patch interface{}) (interface{}, error) {
	switch {
	case isObject(current) && isObject(patch):
		currentMap := cloneObject(current.(map[string]interface{}))
		patchMap := patch.(map[string]interface{})

		if err := mergo.Merge(&currentMap, patchMap,
			mergo.WithOverride,
			mergo.WithAppendSlice); err != nil {
			return nil, NewValidationError("merge: mergo merge", err, WithComponent("domain.MergeValues"))
		}
		return currentMap, nil

	case isArray(current) && isArray(patch):
		currentSlice := current.([]interface{})
		patchSlice := patch.([]interface{})

		merged := make([]interface{}, 0, len(currentSlice)+len(patchSlice))
		merged = append(merged, currentSlice...)
		merged = append(merged, patchSlice...)
		return merged, nil

	default:
		return patch, nil
	}
}

func sameContainer(a, b interface{}) bool {
	return (isObject(a) && isObject(b)) || (isArray(a) && isArray(b))
}

func cloneObject(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func isObject(v interface{}) bool {
	_, ok := v.(map[string]interface{})
	return ok
}

func isArray(v interface{}) bool {
	_, ok := v.([]interface{})
	return ok
}
