package expressions

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// tokenPattern matches {{path}} tokens, tolerating inner whitespace.
var tokenPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// RenderResult carries a rendered value and the references that did not resolve.
type RenderResult struct {
	Value      any
	Unresolved []string
}

// RenderString replaces every {{path}} token in s. A string that is exactly one
// token keeps the referenced value's type. Unresolved references render empty.
func RenderString(s string, scope map[string]any) RenderResult {
	var res RenderResult
	res.Value = renderString(s, scope, &res.Unresolved)
	return res
}

// String returns the rendered value as text.
func (r RenderResult) String() string {
	if s, ok := r.Value.(string); ok {
		return s
	}
	return stringify(r.Value)
}

// RenderValue walks maps and slices rendering every string it finds.
// The input is never modified.
func RenderValue(v any, scope map[string]any) RenderResult {
	var res RenderResult
	res.Value = renderValue(v, scope, &res.Unresolved)
	return res
}

// RenderPayload renders a payload template into a fresh map.
func RenderPayload(payload map[string]any, scope map[string]any) (map[string]any, []string) {
	var unresolved []string
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = renderValue(v, scope, &unresolved)
	}
	return out, unresolved
}

func renderValue(v any, scope map[string]any, unresolved *[]string) any {
	switch val := v.(type) {
	case string:
		return renderString(val, scope, unresolved)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = renderValue(item, scope, unresolved)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = renderValue(item, scope, unresolved)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = renderString(item, scope, unresolved)
		}
		return out
	default:
		return v
	}
}

func renderString(s string, scope map[string]any, unresolved *[]string) any {
	if !strings.Contains(s, "{{") {
		return s
	}

	if m := tokenPattern.FindStringSubmatchIndex(s); m != nil && m[0] == 0 && m[1] == len(s) {
		path := s[m[2]:m[3]]
		val, ok := Lookup(scope, path)
		if !ok {
			*unresolved = append(*unresolved, path)
			return ""
		}
		return val
	}

	return tokenPattern.ReplaceAllStringFunc(s, func(token string) string {
		path := tokenPattern.FindStringSubmatch(token)[1]
		val, ok := Lookup(scope, path)
		if !ok {
			*unresolved = append(*unresolved, path)
			return ""
		}
		return stringify(val)
	})
}

// Lookup resolves a dotted path (numeric segments index slices) against scope.
func Lookup(scope map[string]any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}

	var current any = scope
	for _, seg := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = next
		case map[string]string:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		case []string:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	if current == nil {
		return nil, false
	}
	return current, true
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case map[string]any, []any, []string, map[string]string:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	default:
		return fmt.Sprint(val)
	}
}

// References lists the {{path}} tokens found anywhere in v, in walk order.
// Map keys are visited in sorted order.
func References(v any) []string {
	var out []string
	collectReferences(v, &out)
	return out
}

func collectReferences(v any, out *[]string) {
	switch val := v.(type) {
	case string:
		for _, m := range tokenPattern.FindAllStringSubmatch(val, -1) {
			*out = append(*out, strings.TrimSpace(m[1]))
		}
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectReferences(val[k], out)
		}
	case []any:
		for _, item := range val {
			collectReferences(item, out)
		}
	case []string:
		for _, item := range val {
			collectReferences(item, out)
		}
	}
}
