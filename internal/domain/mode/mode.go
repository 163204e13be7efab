// Package mode defines workflow modes: which phases run, and in what order.
package mode

import (
	"fmt"
	"slices"

	"github.com/Strob0t/crewflow/internal/domain/phase"
)

// Name identifies a workflow mode.
type Name string

const (
	Full    Name = "full"
	Turbo   Name = "turbo"
	Fast    Name = "fast"
	Minimal Name = "minimal"
)

// ValidNames lists all modes.
var ValidNames = []Name{Full, Turbo, Fast, Minimal}

// Default is used when no detection signal matches.
const Default = Turbo

// Mode describes a preset phase chain.
type Mode struct {
	Name        Name          `json:"name" yaml:"name"`
	Description string        `json:"description" yaml:"description"`
	Phases      []phase.Phase `json:"phases" yaml:"phases"`
}

// Valid reports whether n is a known mode.
func (n Name) Valid() bool {
	return slices.Contains(ValidNames, n)
}

// Parse validates s as a mode name.
func Parse(s string) (Name, error) {
	n := Name(s)
	if !n.Valid() {
		return "", fmt.Errorf("unknown mode %q: must be full, turbo, fast, or minimal", s)
	}
	return n, nil
}

// Get returns the preset for n.
func Get(n Name) (Mode, bool) {
	m, ok := presets[n]
	if !ok {
		return Mode{}, false
	}
	m.Phases = slices.Clone(m.Phases)
	return m, true
}

// Chain returns a copy of the ordered phase chain for n, or nil for an
// unknown mode.
func Chain(n Name) []phase.Phase {
	m, ok := Get(n)
	if !ok {
		return nil
	}
	return m.Phases
}

// Effort returns the recommended thinking effort for an agent phase in mode n.
// Phases outside the mode's chain report "medium".
func Effort(n Name, p phase.Phase) string {
	if levels, ok := effort[n]; ok {
		if e, ok := levels[p]; ok {
			return e
		}
	}
	return "medium"
}
