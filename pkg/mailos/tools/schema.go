package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
)

// parseArgs decodes the model's raw argument JSON. Anything but an object
// (or empty input) is rejected.
func parseArgs(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var args map[string]any
	if err := dec.Decode(&args); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON arguments")
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// validateArgs checks required names and primitive types.
func validateArgs(s Schema, args map[string]any) error {
	var missing []string
	for _, name := range s.Required {
		if v, ok := args[name]; !ok || v == nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing required argument(s): %s", strings.Join(missing, ", "))
	}

	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		prop, ok := s.Properties[name]
		if !ok || args[name] == nil {
			continue
		}
		if err := checkType(prop, args[name]); err != nil {
			return fmt.Errorf("argument %q: %w", name, err)
		}
	}
	return nil
}

func checkType(p Property, v any) error {
	switch p.Type {
	case "string":
		str, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %s", jsonType(v))
		}
		if len(p.Enum) > 0 && !slices.Contains(p.Enum, str) {
			return fmt.Errorf("expected one of %s, got %q", strings.Join(p.Enum, ", "), str)
		}
	case "integer":
		n, ok := v.(json.Number)
		if !ok {
			return fmt.Errorf("expected integer, got %s", jsonType(v))
		}
		if _, err := n.Int64(); err != nil {
			f, ferr := n.Float64()
			if ferr != nil || f != math.Trunc(f) {
				return fmt.Errorf("expected integer, got %s", n)
			}
		}
	case "number":
		if _, ok := v.(json.Number); !ok {
			return fmt.Errorf("expected number, got %s", jsonType(v))
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected boolean, got %s", jsonType(v))
		}
	case "object":
		if _, ok := v.(map[string]any); !ok {
			return fmt.Errorf("expected object, got %s", jsonType(v))
		}
	case "array":
		items, ok := v.([]any)
		if !ok {
			return fmt.Errorf("expected array, got %s", jsonType(v))
		}
		if p.Items != nil {
			for i, item := range items {
				if err := checkType(*p.Items, item); err != nil {
					return fmt.Errorf("item %d: %w", i, err)
				}
			}
		}
	}
	return nil
}

func jsonType(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case json.Number, float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// ---------- Argument helpers for handlers ----------

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func argInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
		if f, err := v.Float64(); err == nil {
			return int(f)
		}
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func argBool(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

func argStrings(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	case string:
		if v == "" {
			return nil
		}
		var out []string
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}
