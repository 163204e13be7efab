// Package phase defines the workflow phase identifiers.
package phase

import (
	"slices"
	"strings"
)

// Phase names a stage of the workflow, each assigned to one agent.
type Phase string

const (
	Architect       Phase = "architect"
	Developer       Phase = "developer"
	Reviewer        Phase = "reviewer"
	Skeptic         Phase = "skeptic"
	Implementer     Phase = "implementer"
	Feedback        Phase = "feedback"
	TechnicalWriter Phase = "technical_writer"

	// Complete is the terminal marker, not an agent phase.
	Complete Phase = "complete"
)

// All lists every agent phase in canonical order.
var All = []Phase{Architect, Developer, Reviewer, Skeptic, Implementer, Feedback, TechnicalWriter}

// Normalize lower-cases a phase name and maps "-" to "_", so
// "Technical-Writer" becomes technical_writer.
func Normalize(s string) Phase {
	return Phase(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
}

// Valid reports whether p is a known agent phase.
func (p Phase) Valid() bool {
	return slices.Contains(All, p)
}

// IsTerminal reports whether p is the complete marker.
func (p Phase) IsTerminal() bool {
	return p == Complete
}

// IsDownstreamReviewer reports whether concerns raised by p can force a
// revision back to the developer.
func (p Phase) IsDownstreamReviewer() bool {
	return p == Reviewer || p == Skeptic
}

func (p Phase) String() string { return string(p) }
