package masterdata

import (
	"encoding/json"
	"fmt"
	"time"
)

// EncodeValue validates a raw attribute value against the declared data
// type and returns its JSON encoding, or nil for an absent value.
// Blank values (empty/whitespace string, empty array) normalize to nil
// so that absent fields compare equal regardless of representation.
// Malformed values are rejected here, before anything is persisted.
func EncodeValue(dataType string, v any) (*string, error) {
	v = NormalizeValue(v)
	if v == nil {
		return nil, nil
	}

	switch dataType {
	case TypeText:
		if _, ok := v.(string); !ok {
			return nil, fmt.Errorf("text attribute requires a string, got %T", v)
		}
	case TypeNumber:
		switch v.(type) {
		case float64, float32, int, int64, int32:
		case json.Number:
		default:
			return nil, fmt.Errorf("number attribute requires a numeric value, got %T", v)
		}
	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			return nil, fmt.Errorf("boolean attribute requires true/false, got %T", v)
		}
	case TypeDate:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("date attribute requires a string, got %T", v)
		}
		if _, err := time.Parse("2006-01-02", s); err != nil {
			if _, err := time.Parse(time.RFC3339, s); err != nil {
				return nil, fmt.Errorf("date attribute %q: want YYYY-MM-DD or RFC3339", s)
			}
		}
	case TypeLink:
		if _, ok := v.(string); !ok {
			return nil, fmt.Errorf("link attribute requires a target entity id, got %T", v)
		}
	case TypeJSON:
		// any marshalable value
	default:
		return nil, fmt.Errorf("unknown data type %q", dataType)
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s value: %w", dataType, err)
	}
	s := string(b)
	return &s, nil
}

// DecodeValue parses a stored value_json back into its dynamic form.
func DecodeValue(valueJSON *string) (any, error) {
	if valueJSON == nil {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(*valueJSON), &v); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return NormalizeValue(v), nil
}

// NormalizeValue maps blank representations (empty/whitespace string,
// empty array) to nil. Used on both the write path and when comparing
// attribute sets, so "" and null and a missing key all mean absent.
func NormalizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		if isBlank(val) {
			return nil
		}
		return val
	case []any:
		if len(val) == 0 {
			return nil
		}
		return val
	case []string:
		if len(val) == 0 {
			return nil
		}
		return val
	default:
		return v
	}
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}

// ValuesEqual compares two decoded attribute values after
// normalization, using JSON encoding as the canonical form so numbers
// of different Go types compare by value.
func ValuesEqual(a, b any) bool {
	a = NormalizeValue(a)
	b = NormalizeValue(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}
