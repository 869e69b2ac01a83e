package tools

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
)

// ValidateArguments checks args against a JSON-schema style object
// definition: required fields, declared property types, and
// additionalProperties. Only the subset of JSON Schema that tool
// definitions use is understood; anything else is accepted.
func ValidateArguments(schema map[string]any, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	required, err := requiredFields(schema["required"])
	if err != nil {
		return err
	}
	for _, field := range required {
		if _, ok := args[field]; !ok {
			return fmt.Errorf("missing required argument %q", field)
		}
	}

	properties, hasProperties := schema["properties"].(map[string]any)
	additionalAllowed := true
	if raw, ok := schema["additionalProperties"]; ok {
		b, ok := raw.(bool)
		if !ok {
			return errors.New(`schema "additionalProperties" must be a bool`)
		}
		additionalAllowed = b
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		prop, ok := properties[key]
		if !ok {
			if hasProperties && !additionalAllowed {
				return fmt.Errorf("unknown argument %q", key)
			}
			continue
		}
		propMap, ok := prop.(map[string]any)
		if !ok {
			continue
		}
		want, ok := propMap["type"].(string)
		if !ok {
			continue
		}
		if !matchesType(want, args[key]) {
			return fmt.Errorf("argument %q must be of type %s", key, want)
		}
		if enum, ok := propMap["enum"].([]string); ok {
			if s, _ := args[key].(string); !contains(enum, s) {
				return fmt.Errorf("argument %q must be one of %v", key, enum)
			}
		}
	}
	return nil
}

func requiredFields(raw any) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, errors.New(`schema "required" entries must be strings`)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, errors.New(`schema "required" must be an array`)
	}
}

func matchesType(want string, v any) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "number":
		switch v.(type) {
		case float64, float32, int, int64, int32:
			return true
		}
		return false
	case "integer":
		switch n := v.(type) {
		case int, int64, int32:
			return true
		case float64:
			// JSON numbers decode as float64.
			return n == math.Trunc(n)
		}
		return false
	case "object":
		if v == nil {
			return false
		}
		return reflect.TypeOf(v).Kind() == reflect.Map
	case "array":
		if v == nil {
			return false
		}
		k := reflect.TypeOf(v).Kind()
		return k == reflect.Slice || k == reflect.Array
	default:
		return true
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
