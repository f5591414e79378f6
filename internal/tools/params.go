package tools

import (
	"encoding/json"
	"fmt"
	"math"
)

// validateParams checks args against a JSON-schema-shaped parameter spec.
// Only the subset the tools actually declare is enforced: required,
// type, enum, minimum/maximum.
func validateParams(schema map[string]interface{}, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	props, _ := schema["properties"].(map[string]interface{})

	if required, ok := schema["required"].([]interface{}); ok {
		for _, r := range required {
			name, _ := r.(string)
			if _, present := args[name]; !present {
				return fmt.Errorf("missing required parameter %q", name)
			}
		}
	}
	if required, ok := schema["required"].([]string); ok {
		for _, name := range required {
			if _, present := args[name]; !present {
				return fmt.Errorf("missing required parameter %q", name)
			}
		}
	}

	for name, value := range args {
		spec, ok := props[name].(map[string]interface{})
		if !ok {
			continue // unknown args tolerated; models add extras
		}
		if err := validateValue(name, spec, value); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(name string, spec map[string]interface{}, value interface{}) error {
	if typ, ok := spec["type"].(string); ok {
		if err := checkType(name, typ, value); err != nil {
			return err
		}
	}

	if enum, ok := spec["enum"].([]interface{}); ok {
		matched := false
		for _, allowed := range enum {
			if fmt.Sprintf("%v", allowed) == fmt.Sprintf("%v", value) {
				matched = true
				break
			}
		}
		if !matched {
			return fmt.Errorf("parameter %q must be one of %v", name, enum)
		}
	}

	if num, ok := asFloat(value); ok {
		if min, ok := asFloat(spec["minimum"]); ok && num < min {
			return fmt.Errorf("parameter %q below minimum %v", name, min)
		}
		if max, ok := asFloat(spec["maximum"]); ok && num > max {
			return fmt.Errorf("parameter %q above maximum %v", name, max)
		}
	}
	return nil
}

func checkType(name, typ string, value interface{}) error {
	ok := true
	switch typ {
	case "string":
		_, ok = value.(string)
	case "number":
		_, ok = asFloat(value)
	case "integer":
		num, isNum := asFloat(value)
		ok = isNum && num == math.Trunc(num)
	case "boolean":
		_, ok = value.(bool)
	case "array":
		_, ok = value.([]interface{})
	case "object":
		_, ok = value.(map[string]interface{})
	}
	if !ok {
		return fmt.Errorf("parameter %q must be a %s", name, typ)
	}
	return nil
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
