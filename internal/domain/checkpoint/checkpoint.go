// Package checkpoint defines human decision points and the pure gate that
// decides whether one applies.
package checkpoint

import (
	"fmt"
	"slices"
	"time"

	"github.com/Strob0t/crewflow/internal/domain"
	"github.com/Strob0t/crewflow/internal/domain/phase"
	"github.com/Strob0t/crewflow/internal/domain/settings"
)

// Decision is a human verdict on a checkpoint.
type Decision string

const (
	Approve Decision = "approve"
	Revise  Decision = "revise"
	Restart Decision = "restart"
	Skip    Decision = "skip"
	Pending Decision = "pending"
)

// ValidDecisions lists the decisions a human can record.
var ValidDecisions = []Decision{Approve, Revise, Restart, Skip}

// Resolvable reports whether d can clear a pending checkpoint.
func (d Decision) Resolvable() bool {
	return slices.Contains(ValidDecisions, d)
}

// Kind groups checkpoints that share decision semantics.
type Kind string

const (
	KindAfterPhase   Kind = "after_phase"
	KindMilestone    Kind = "milestone"
	KindBeforeCommit Kind = "before_commit"
	KindDeviation    Kind = "on_deviation"
	KindAgentFailure Kind = "agent_failure"
	KindEscalation   Kind = "escalation"
)

// Record is a checkpoint raised for a task. It is created pending and
// resolved exactly once.
type Record struct {
	ID             string      `json:"id"`
	Phase          phase.Phase `json:"phase"`
	Kind           Kind        `json:"kind"`
	Name           string      `json:"name"`
	OutcomeSummary string      `json:"outcome_summary"`
	Concerns       []string    `json:"concerns,omitempty"`
	Step           int         `json:"step,omitempty"`
	Milestone      int         `json:"milestone,omitempty"`
	Decision       Decision    `json:"decision"`
	Notes          string      `json:"notes,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty"`
}

// IsPending reports whether the record still awaits a decision.
func (r *Record) IsPending() bool {
	return r.Decision == Pending
}

// Resolve records the human decision. A record can be resolved only once.
func (r *Record) Resolve(d Decision, notes string, now time.Time) error {
	if !d.Resolvable() {
		return domain.Validationf("invalid decision %q: must be approve, revise, restart, or skip", d)
	}
	if !r.IsPending() {
		return fmt.Errorf("checkpoint %s already resolved as %s: %w", r.Name, r.Decision, domain.ErrConflict)
	}
	r.Decision = d
	r.Notes = notes
	r.ResolvedAt = &now
	return nil
}

// Outcome summarizes what just happened, for the gate to judge.
type Outcome struct {
	Phase        phase.Phase
	Summary      string
	Concerns     []string
	Deviations   []string
	Milestone    int  // progress milestone just crossed, 0 if none
	Step         int  // step involved in a milestone or escalation
	AllStepsDone bool // implementation loop finished its last step
	AgentFailed  bool // agent invocation failed after its retry
	Escalated    bool // implementation step exhausted its budget
	ForceReview  bool // engine needs a human regardless of toggles
}

// Evaluate decides whether outcome requires a human decision under cfg. When
// it does, the returned record is pending; the caller assigns ID and
// Timestamp.
func Evaluate(cfg settings.Checkpoints, o Outcome) (Record, bool) {
	rec := Record{
		Phase:          o.Phase,
		OutcomeSummary: o.Summary,
		Concerns:       o.Concerns,
		Step:           o.Step,
		Decision:       Pending,
	}

	switch {
	case o.Escalated:
		rec.Kind, rec.Name = KindEscalation, "escalation"
	case o.AgentFailed:
		if !cfg.OnAgentFailure {
			return Record{}, false
		}
		rec.Kind, rec.Name = KindAgentFailure, "agent_failure"
	case o.Milestone > 0:
		if !slices.Contains(cfg.Milestones, o.Milestone) {
			return Record{}, false
		}
		rec.Kind, rec.Name = KindMilestone, fmt.Sprintf("milestone_%d", o.Milestone)
		rec.Milestone = o.Milestone
	case o.AllStepsDone && cfg.BeforeCommit:
		rec.Kind, rec.Name = KindBeforeCommit, "before_commit"
	case len(o.Deviations) > 0 && cfg.OnDeviation:
		rec.Kind, rec.Name = KindDeviation, "on_deviation"
		rec.Concerns = append(slices.Clone(o.Concerns), o.Deviations...)
	case o.ForceReview || cfg.AfterPhase(o.Phase):
		rec.Kind, rec.Name = KindAfterPhase, "after_"+string(o.Phase)
	default:
		return Record{}, false
	}
	return rec, true
}
