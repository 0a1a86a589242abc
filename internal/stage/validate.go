package stage

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ValidationError represents a single validation issue with a stage configuration.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ParseValue converts raw command-line text into a value of the field's kind.
// Lists are comma separated; blank items are dropped.
func ParseValue(f FieldSpec, raw string) (any, error) {
	switch f.Kind {
	case KindInt:
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("field %s: %q is not an integer", f.Name, raw)
		}
		return n, nil
	case KindBool:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("field %s: %q is not a boolean", f.Name, raw)
		}
		return b, nil
	case KindList:
		out := []string{}
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		return out, nil
	default:
		return raw, nil
	}
}

// normalizeValue coerces values decoded from YAML or JSON into the Go type
// the field kind expects. Values that cannot be coerced are returned as-is
// and reported later by checkValue.
func normalizeValue(f FieldSpec, v any) any {
	switch f.Kind {
	case KindInt:
		if n, ok := asInt(v); ok {
			return n
		}
	case KindList:
		switch t := v.(type) {
		case []any:
			out := make([]string, 0, len(t))
			for _, item := range t {
				s, ok := item.(string)
				if !ok {
					return v
				}
				out = append(out, s)
			}
			return out
		case string:
			parsed, _ := ParseValue(f, t)
			return parsed
		}
	}
	return v
}

// checkValue returns a human-readable problem with v, or "" if v is acceptable.
func checkValue(f FieldSpec, v any) string {
	if !isSet(v) {
		return ""
	}
	switch f.Kind {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return fmt.Sprintf("expected a string, got %T", v)
		}
		if len(f.Enum) > 0 && !contains(f.Enum, s) {
			return fmt.Sprintf("%q is not one of %s", s, strings.Join(f.Enum, ", "))
		}
	case KindInt:
		n, ok := asInt(v)
		if !ok {
			return fmt.Sprintf("expected an integer, got %T", v)
		}
		if f.Min != nil && n < *f.Min {
			return fmt.Sprintf("must be >= %d", *f.Min)
		}
		if f.Max != nil && n > *f.Max {
			return fmt.Sprintf("must be <= %d", *f.Max)
		}
	case KindBool:
		if _, ok := v.(bool); !ok {
			return fmt.Sprintf("expected a boolean, got %T", v)
		}
	case KindList:
		if _, ok := v.([]string); !ok {
			return fmt.Sprintf("expected a list of strings, got %T", v)
		}
	}
	return ""
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		if t == math.Trunc(t) {
			return int(t), true
		}
	case json.Number:
		n, err := t.Int64()
		if err == nil {
			return int(n), true
		}
	}
	return 0, false
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
