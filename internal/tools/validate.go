package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// decodeArgs parses raw model-produced arguments into an object. Empty
// input is treated as an empty object.
func decodeArgs(tool, argsJSON string) (map[string]any, error) {
	args := map[string]any{}
	if strings.TrimSpace(argsJSON) == "" {
		return args, nil
	}
	var v any
	if err := json.Unmarshal([]byte(argsJSON), &v); err != nil {
		return nil, &ValidationError{Tool: tool, Reason: fmt.Sprintf("are not valid JSON (%v)", err)}
	}
	switch obj := v.(type) {
	case map[string]any:
		return obj, nil
	case nil:
		return args, nil
	default:
		return nil, &ValidationError{Tool: tool, Reason: "must be a JSON object"}
	}
}

// validateArgs checks args against the subset of JSON Schema the tool
// definitions use: required properties and primitive property types.
// Required string properties must also be non-blank. Properties not in
// the schema are ignored.
func validateArgs(tool string, schema, args map[string]any) error {
	props, _ := schema["properties"].(map[string]any)

	for _, name := range requiredFields(schema) {
		v, ok := args[name]
		if !ok || v == nil {
			return &ValidationError{Tool: tool, Field: name, Reason: "is required"}
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			return &ValidationError{Tool: tool, Field: name, Reason: "must not be empty"}
		}
	}

	for name, v := range args {
		prop, ok := props[name].(map[string]any)
		if !ok || v == nil {
			continue
		}
		want, _ := prop["type"].(string)
		if want != "" && !matchesType(want, v) {
			return &ValidationError{Tool: tool, Field: name, Reason: "must be of type " + want}
		}
	}
	return nil
}

func requiredFields(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func matchesType(want string, v any) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "integer":
		f, ok := v.(float64)
		return ok && f == math.Trunc(f)
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	}
	return true
}
