package mode

import "github.com/Strob0t/crewflow/internal/domain/phase"

// presets is the sole source of truth for which agents run and in what order.
var presets = map[Name]Mode{
	Full: {
		Name:        Full,
		Description: "All seven agents: complex features and critical changes.",
		Phases: []phase.Phase{
			phase.Architect, phase.Developer, phase.Reviewer, phase.Skeptic,
			phase.Implementer, phase.Feedback, phase.TechnicalWriter,
		},
	},
	Fast: {
		Name:        Fast,
		Description: "Skips skeptic and feedback: standard multi-module changes.",
		Phases: []phase.Phase{
			phase.Architect, phase.Developer, phase.Reviewer,
			phase.Implementer, phase.TechnicalWriter,
		},
	},
	Turbo: {
		Name:        Turbo,
		Description: "Developer plans in a single pass: standard features.",
		Phases:      []phase.Phase{phase.Developer, phase.Implementer, phase.TechnicalWriter},
	},
	Minimal: {
		Name:        Minimal,
		Description: "Simple fixes, typos, renames.",
		Phases:      []phase.Phase{phase.Developer, phase.Implementer, phase.TechnicalWriter},
	},
}

var effort = map[Name]map[phase.Phase]string{
	Full: {
		phase.Architect:       "max",
		phase.Developer:       "max",
		phase.Reviewer:        "high",
		phase.Skeptic:         "max",
		phase.Implementer:     "high",
		phase.Feedback:        "high",
		phase.TechnicalWriter: "medium",
	},
	Fast: {
		phase.Architect:       "high",
		phase.Developer:       "high",
		phase.Reviewer:        "high",
		phase.Implementer:     "high",
		phase.TechnicalWriter: "medium",
	},
	Turbo: {
		phase.Developer:       "max",
		phase.Implementer:     "high",
		phase.TechnicalWriter: "medium",
	},
	Minimal: {
		phase.Developer:       "medium",
		phase.Implementer:     "medium",
		phase.TechnicalWriter: "medium",
	},
}

// All returns every preset in a stable order.
func All() []Mode {
	out := make([]Mode, 0, len(ValidNames))
	for _, n := range ValidNames {
		m, _ := Get(n)
		out = append(out, m)
	}
	return out
}
