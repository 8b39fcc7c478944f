package domain

import (
	"encoding/json"
	"fmt"
)

// NormalizeValue converts a callable's return value into the serializable
// value contract: nil, bool, float64, string, []any or map[string]any.
// Values that cannot be encoded as JSON are rejected.
func NormalizeValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch v.(type) {
	case string, bool, float64:
		return v, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("result is not serializable: %w", err)
	}

	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("result is not serializable: %w", err)
	}
	return out, nil
}
