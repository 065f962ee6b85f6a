package providers

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// RequestMapping rewrites top-level request fields.
//
//	field_map   target -> source, copies source into target
//	rename      old -> new, moves a field unless new already exists
//	add_fields  key -> fixed value
type RequestMapping struct {
	FieldMap  map[string]string          `json:"field_map,omitempty"`
	Rename    map[string]string          `json:"rename,omitempty"`
	AddFields map[string]json.RawMessage `json:"add_fields,omitempty"`
}

// ResponseMapping locates the response text, usage object and error message
// in an upstream body using paths such as "choices[0].message.content".
type ResponseMapping struct {
	ContentPath string `json:"content_path,omitempty"`
	UsagePath   string `json:"usage_path,omitempty"`
	ErrorPath   string `json:"error_path,omitempty"`
}

// ParseRequestMapping parses a stored mapping. Empty input yields nil.
func ParseRequestMapping(raw string) (*RequestMapping, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var m RequestMapping
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("invalid request mapping: %w", err)
	}
	return &m, nil
}

// ParseResponseMapping parses a stored mapping. Empty input yields nil.
func ParseResponseMapping(raw string) (*ResponseMapping, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var m ResponseMapping
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("invalid response mapping: %w", err)
	}
	return &m, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Apply rewrites body, which must be a JSON object.
func (m *RequestMapping) Apply(body []byte) ([]byte, error) {
	if m == nil || (len(m.FieldMap) == 0 && len(m.Rename) == 0 && len(m.AddFields) == 0) {
		return body, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("request mapping needs a JSON object: %w", err)
	}

	for _, target := range sortedKeys(m.FieldMap) {
		if v, ok := obj[m.FieldMap[target]]; ok {
			obj[target] = v
		}
	}
	for _, from := range sortedKeys(m.Rename) {
		to := m.Rename[from]
		v, ok := obj[from]
		if _, taken := obj[to]; !ok || taken {
			continue
		}
		delete(obj, from)
		obj[to] = v
	}
	for _, k := range sortedKeys(m.AddFields) {
		obj[k] = m.AddFields[k]
	}
	return json.Marshal(obj)
}

type pathPart struct {
	key   string
	index int
	isIdx bool
}

func parsePath(path string) ([]pathPart, error) {
	var parts []pathPart
	for _, seg := range strings.Split(path, ".") {
		for seg != "" {
			open := strings.IndexByte(seg, '[')
			if open < 0 {
				parts = append(parts, pathPart{key: seg})
				break
			}
			if open > 0 {
				parts = append(parts, pathPart{key: seg[:open]})
			}
			end := strings.IndexByte(seg[open:], ']')
			if end < 0 {
				return nil, fmt.Errorf("unclosed index in path %q", path)
			}
			idx, err := strconv.Atoi(seg[open+1 : open+end])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("bad index in path %q", path)
			}
			parts = append(parts, pathPart{index: idx, isIdx: true})
			seg = seg[open+end+1:]
		}
	}
	return parts, nil
}

// ExtractPath walks a decoded JSON value. Missing keys, out-of-range
// indexes and malformed paths report false.
func ExtractPath(v any, path string) (any, bool) {
	parts, err := parsePath(path)
	if err != nil || len(parts) == 0 {
		return nil, false
	}
	cur := v
	for _, p := range parts {
		if p.isIdx {
			arr, ok := cur.([]any)
			if !ok || p.index >= len(arr) {
				return nil, false
			}
			cur = arr[p.index]
			continue
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[p.key]; !ok {
			return nil, false
		}
	}
	return cur, true
}
