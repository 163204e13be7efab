package task

import (
	"fmt"
	"slices"
	"time"

	"github.com/Strob0t/crewflow/internal/domain"
	"github.com/Strob0t/crewflow/internal/domain/phase"
)

// TransitionKind classifies a permitted phase change.
type TransitionKind string

const (
	TransitionRerun    TransitionKind = "rerun"
	TransitionForward  TransitionKind = "forward"
	TransitionLoopBack TransitionKind = "loop_back"
	TransitionFinish   TransitionKind = "finish"
)

// CheckTransition validates a caller-requested move to target without
// changing the task. Permitted moves: re-run the current phase, advance to the
// next phase in the chain (or complete from the last), and loop back from
// reviewer or skeptic to developer. The implementer is left only once every
// planned step is done or skipped.
func (t *Task) CheckTransition(target phase.Phase) (TransitionKind, error) {
	fail := func(reason string) (TransitionKind, error) {
		return "", &domain.PhaseTransitionError{
			TaskID: t.ID, From: string(t.CurrentPhase), To: string(target), Reason: reason,
		}
	}

	switch {
	case t.IsComplete():
		return fail("task is complete")
	case t.PendingCheckpoint != nil:
		return fail("checkpoint " + t.PendingCheckpoint.Name + " is pending a decision")
	case t.Status == StatusBlocked:
		return fail("task is blocked on an escalation")
	}

	leaving := target != t.CurrentPhase && target == t.NextPhase()
	if leaving && t.CurrentPhase == phase.Implementer && t.Progress.IsSet() && !t.Progress.AllDone() {
		return fail(fmt.Sprintf("%d of %d implementation steps remain",
			t.Progress.TotalSteps-t.Progress.CompletedSteps, t.Progress.TotalSteps))
	}
	if target == phase.Complete {
		if t.NextPhase() == phase.Complete {
			return TransitionFinish, nil
		}
		return fail("phases remain before complete")
	}
	if t.PhaseIndex(target) < 0 {
		return fail("phase is not in the " + string(t.Mode) + " chain")
	}

	switch {
	case target == t.CurrentPhase:
		return TransitionRerun, nil
	case target == t.NextPhase():
		return TransitionForward, nil
	case target == phase.Developer && t.CurrentPhase.IsDownstreamReviewer():
		return TransitionLoopBack, nil
	}
	return fail("only the next phase, a re-run, or a loop back to developer is allowed")
}

// Advance marks the current phase complete and moves to the next phase in the
// chain, or to Complete after the last one.
func (t *Task) Advance(now time.Time) {
	if !slices.Contains(t.PhasesCompleted, t.CurrentPhase) && t.PhaseIndex(t.CurrentPhase) >= 0 {
		t.PhasesCompleted = append(t.PhasesCompleted, t.CurrentPhase)
	}
	t.CurrentPhase = t.NextPhase()
	t.Feedback = nil
	if t.CurrentPhase == phase.Complete {
		t.Status = StatusComplete
	} else {
		t.Status = StatusActive
	}
	t.UpdatedAt = now
}

// Revise returns control to target with notes appended to the feedback and
// the iteration counter incremented. Phases from target onward are removed
// from PhasesCompleted so they run again.
func (t *Task) Revise(target phase.Phase, notes []string, now time.Time) {
	t.Iteration++
	for _, n := range notes {
		if n != "" {
			t.Feedback = append(t.Feedback, n)
		}
	}
	if idx := t.PhaseIndex(target); idx >= 0 {
		t.PhasesCompleted = slices.DeleteFunc(t.PhasesCompleted, func(p phase.Phase) bool {
			return t.PhaseIndex(p) >= idx
		})
		t.CurrentPhase = target
	}
	t.Status = StatusActive
	t.UpdatedAt = now
}

// Restart returns the task to the first phase of its chain with iteration 0
// and a cleared plan. Discovery and cost history live outside the task and
// are untouched.
func (t *Task) Restart(now time.Time) {
	t.Iteration = 0
	t.CurrentPhase = t.PhaseChain[0]
	t.PhasesCompleted = nil
	t.Progress = Progress{}
	t.Loop.RecordSuccess()
	t.Feedback = nil
	t.Status = StatusActive
	t.UpdatedAt = now
}
