package task

import (
	"maps"
	"slices"
)

// Relationship names how a task relates to another one.
type Relationship string

const (
	RelRelated   Relationship = "related"
	RelBuildsOn  Relationship = "builds_on"
	RelSupersede Relationship = "supersedes"
	RelBlockedBy Relationship = "blocked_by"

	// Recorded on the other side of a link.
	RelBuiltUponBy  Relationship = "built_upon_by"
	RelSupersededBy Relationship = "superseded_by"
	RelBlocks       Relationship = "blocks"
)

// LinkRelationships are the relationships a caller may create.
var LinkRelationships = []Relationship{RelRelated, RelBuildsOn, RelSupersede, RelBlockedBy}

// Valid reports whether r can be used to create a link.
func (r Relationship) Valid() bool { return slices.Contains(LinkRelationships, r) }

// Inverse returns the relationship recorded on the linked task.
func (r Relationship) Inverse() Relationship {
	switch r {
	case RelBuildsOn:
		return RelBuiltUponBy
	case RelSupersede:
		return RelSupersededBy
	case RelBlockedBy:
		return RelBlocks
	}
	return RelRelated
}

// Links maps a relationship to the ids of the tasks on its other side.
type Links map[Relationship][]string

// Add records ids under r, skipping ones already there, and returns the ids
// that were new.
func (l *Links) Add(r Relationship, ids ...string) []string {
	var added []string
	for _, id := range ids {
		if slices.Contains((*l)[r], id) || slices.Contains(added, id) {
			continue
		}
		added = append(added, id)
	}
	if len(added) == 0 {
		return nil
	}
	if *l == nil {
		*l = Links{}
	}
	(*l)[r] = append((*l)[r], added...)
	return added
}

// IDs returns every linked task id once, sorted.
func (l Links) IDs() []string {
	var out []string
	for _, ids := range l {
		out = append(out, ids...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func (l Links) clone() Links {
	if l == nil {
		return nil
	}
	out := maps.Clone(l)
	for r, ids := range out {
		out[r] = slices.Clone(ids)
	}
	return out
}
