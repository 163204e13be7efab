package settings

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Strob0t/crewflow/internal/domain"
)

// Layer names in precedence order, least specific first.
const (
	LayerGlobal  = "global"
	LayerProject = "project"
	LayerTask    = "task"
	LayerRuntime = "runtime"
)

// Layer is one source of configuration values.
type Layer struct {
	Name   string
	Values map[string]any
}

// ParseLayer decodes a YAML document into a layer. An empty document yields an
// empty layer.
func ParseLayer(name string, data []byte) (Layer, error) {
	l := Layer{Name: name, Values: map[string]any{}}
	if len(bytes.TrimSpace(data)) == 0 {
		return l, nil
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Layer{}, &domain.ConfigError{Layer: name, Reason: err.Error()}
	}
	switch v := doc.(type) {
	case nil:
		return l, nil
	case map[string]any:
		l.Values = v
		return l, nil
	default:
		return Layer{}, &domain.ConfigError{Layer: name, Reason: "top level must be a mapping"}
	}
}

// Resolve merges layers over Defaults in the order given and returns the
// effective settings. Nested mappings merge key by key; scalars and lists
// from a later layer replace earlier values wholesale. Any key outside the
// recognized schema is a *domain.ConfigError. Resolve does not modify its
// inputs and always returns the same result for the same layers.
func Resolve(layers ...Layer) (Settings, error) {
	schema := schemaTree()
	merged := cloneMap(schema)

	for _, l := range layers {
		if err := checkKeys(l.Name, "", l.Values, schema); err != nil {
			return Settings{}, err
		}
		merged = mergeMaps(merged, l.Values)
	}

	raw, err := yaml.Marshal(merged)
	if err != nil {
		return Settings{}, &domain.ConfigError{Reason: fmt.Sprintf("encode merged config: %v", err)}
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var s Settings
	if err := dec.Decode(&s); err != nil {
		return Settings{}, &domain.ConfigError{Reason: typeErrorReason(err)}
	}
	if err := s.Validate(); err != nil {
		return Settings{}, &domain.ConfigError{Reason: err.Error()}
	}
	return s, nil
}

// Keys lists every recognized option as a dotted path, sorted.
func Keys() []string {
	var out []string
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			path := joinKey(prefix, k)
			if sub, ok := v.(map[string]any); ok {
				walk(path, sub)
				continue
			}
			out = append(out, path)
		}
	}
	walk("", schemaTree())
	slices.Sort(out)
	return out
}

// schemaTree renders Defaults as a generic tree. Its key set is the
// recognized option set.
func schemaTree() map[string]any {
	raw, err := yaml.Marshal(Defaults())
	if err != nil {
		panic(fmt.Sprintf("settings: marshal defaults: %v", err))
	}
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		panic(fmt.Sprintf("settings: unmarshal defaults: %v", err))
	}
	return tree
}

func checkKeys(layer, prefix string, values, schema map[string]any) error {
	for _, k := range slices.Sorted(maps.Keys(values)) {
		path := joinKey(prefix, k)
		want, ok := schema[k]
		if !ok {
			return &domain.ConfigError{Layer: layer, Key: path, Reason: "unrecognized option"}
		}
		sub, isMap := want.(map[string]any)
		if !isMap {
			if _, gotMap := values[k].(map[string]any); gotMap {
				return &domain.ConfigError{Layer: layer, Key: path, Reason: "expected a value, got a mapping"}
			}
			continue
		}
		switch v := values[k].(type) {
		case nil:
		case map[string]any:
			if err := checkKeys(layer, path, v, sub); err != nil {
				return err
			}
		default:
			return &domain.ConfigError{Layer: layer, Key: path, Reason: "expected a mapping"}
		}
	}
	return nil
}

// mergeMaps returns a new map with src laid over dst. A null in src leaves
// the dst value in place.
func mergeMaps(dst, src map[string]any) map[string]any {
	out := cloneMap(dst)
	for k, v := range src {
		if v == nil {
			continue
		}
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := out[k].(map[string]any); ok {
				out[k] = mergeMaps(dv, sv)
				continue
			}
		}
		out[k] = cloneValue(v)
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

func joinKey(prefix, k string) string {
	if prefix == "" {
		return k
	}
	return prefix + "." + k
}

// typeErrorReason trims yaml's multi-line type error into one line.
func typeErrorReason(err error) string {
	msg := err.Error()
	msg = strings.TrimPrefix(msg, "yaml: unmarshal errors:\n")
	lines := strings.Split(msg, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return strings.Join(lines, "; ")
}
