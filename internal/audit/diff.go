package audit

import (
	"bytes"
	"encoding/json"
	"reflect"

	"github.com/medtrack/integrity-core/pkg/utils"
)

// Diff reduces before/after state to the fields that changed. Either side may
// be nil (creation or deletion). Values are compared by their JSON form, and the
// result is compact JSON with keys in sorted order.
func Diff(before, after interface{}) (json.RawMessage, error) {
	b, err := toObject(before)
	if err != nil {
		return nil, err
	}
	a, err := toObject(after)
	if err != nil {
		return nil, err
	}

	// field -> {"before": x, "after": y}; a side is absent when the field did not exist
	changes := make(map[string]map[string]interface{})
	for key, old := range b {
		if updated, ok := a[key]; ok {
			if !reflect.DeepEqual(old, updated) {
				changes[key] = map[string]interface{}{"before": old, "after": updated}
			}
			continue
		}
		changes[key] = map[string]interface{}{"before": old}
	}
	for key, added := range a {
		if _, ok := b[key]; !ok {
			changes[key] = map[string]interface{}{"after": added}
		}
	}

	out, err := json.Marshal(changes)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Failed to encode audit diff", err.Error())
	}
	return out, nil
}

func toObject(v interface{}) (map[string]interface{}, error) {
	if v == nil {
		return map[string]interface{}{}, nil
	}

	raw, ok := v.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(v); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeValidation, "Audit state is not serializable", err.Error())
		}
	}
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return map[string]interface{}{}, nil
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		// Scalars and arrays are diffed as a single value
		var scalar interface{}
		if err := json.Unmarshal(raw, &scalar); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeValidation, "Audit state is not valid JSON", err.Error())
		}
		return map[string]interface{}{"value": scalar}, nil
	}
	return obj, nil
}

// normalizeChanges validates caller-supplied changes and compacts them so the
// stored bytes are stable through every artifact format
func normalizeChanges(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("{}"), nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Audit changes are not valid JSON", err.Error())
	}
	return buf.Bytes(), nil
}
