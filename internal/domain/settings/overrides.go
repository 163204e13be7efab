package settings

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Strob0t/crewflow/internal/domain"
)

// ParseOverrides builds the runtime layer from "dotted.key=value" pairs.
// Values are parsed as YAML, so "true", "5" and "[25, 75]" keep their types.
func ParseOverrides(pairs []string) (Layer, error) {
	l := Layer{Name: LayerRuntime, Values: map[string]any{}}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return Layer{}, &domain.ConfigError{Layer: LayerRuntime, Key: pair, Reason: "expected key=value"}
		}

		var val any
		if err := yaml.Unmarshal([]byte(raw), &val); err != nil {
			return Layer{}, &domain.ConfigError{Layer: LayerRuntime, Key: key, Reason: err.Error()}
		}
		if val == nil {
			val = ""
		}

		parts := strings.Split(key, ".")
		node := l.Values
		for _, p := range parts[:len(parts)-1] {
			next, ok := node[p].(map[string]any)
			if !ok {
				next = map[string]any{}
				node[p] = next
			}
			node = next
		}
		node[parts[len(parts)-1]] = val
	}
	return l, nil
}
