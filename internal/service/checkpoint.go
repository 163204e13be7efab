package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	cfotel "github.com/Strob0t/crewflow/internal/adapter/otel"
	"github.com/Strob0t/crewflow/internal/domain"
	"github.com/Strob0t/crewflow/internal/domain/checkpoint"
	"github.com/Strob0t/crewflow/internal/domain/phase"
	"github.com/Strob0t/crewflow/internal/domain/task"
)

// CheckpointGate opens checkpoints on a task and applies human decisions to
// them. It only mutates the task in memory; callers persist.
type CheckpointGate struct {
	metrics *cfotel.Metrics
}

// NewCheckpointGate creates a CheckpointGate.
func NewCheckpointGate(metrics *cfotel.Metrics) *CheckpointGate {
	return &CheckpointGate{metrics: metrics}
}

// Open evaluates o under the task's settings and, when a human is needed,
// makes the resulting record the task's pending checkpoint.
func (g *CheckpointGate) Open(t *task.Task, o checkpoint.Outcome, now time.Time) (*checkpoint.Record, bool) {
	rec, ok := checkpoint.Evaluate(t.ConfigSnapshot.Checkpoints, o)
	if !ok {
		return nil, false
	}
	rec.ID = uuid.NewString()
	rec.Timestamp = now
	t.PendingCheckpoint = &rec
	if rec.Kind == checkpoint.KindEscalation {
		t.Status = task.StatusBlocked
	} else {
		t.Status = task.StatusAwaitingCheckpoint
	}
	t.UpdatedAt = now
	return &rec, true
}

// Apply resolves the pending checkpoint with decision and notes and moves the
// task accordingly. It returns the resolved record.
func (g *CheckpointGate) Apply(ctx context.Context, t *task.Task, decision checkpoint.Decision, notes string, now time.Time) (checkpoint.Record, error) {
	if t.PendingCheckpoint == nil {
		return checkpoint.Record{}, &domain.PhaseTransitionError{
			TaskID: t.ID, From: string(t.CurrentPhase), To: string(t.CurrentPhase),
			Reason: "no checkpoint is pending",
		}
	}
	rec := *t.PendingCheckpoint
	if err := rec.Resolve(decision, notes, now); err != nil {
		return checkpoint.Record{}, err
	}
	t.PendingCheckpoint = nil
	t.Checkpoints = append(t.Checkpoints, rec)
	t.Status = task.StatusActive
	t.UpdatedAt = now

	if decision == checkpoint.Restart {
		resolveEscalation(t, now)
		t.Restart(now)
		g.metrics.CheckpointResolved(ctx, string(rec.Kind), string(decision))
		return rec, nil
	}

	var err error
	switch {
	case rec.Kind == checkpoint.KindMilestone:
		g.applyContinue(t, &rec, decision, now)
	case rec.Kind == checkpoint.KindBeforeCommit:
		g.applyBeforeCommit(t, &rec, decision, now)
	case rec.Kind == checkpoint.KindEscalation:
		err = g.applyEscalation(t, &rec, decision, now)
	case rec.Step > 0:
		// Deviation and agent failure raised mid-loop resume the loop.
		err = g.applyStep(t, &rec, decision, now)
	case rec.Kind == checkpoint.KindAfterPhase && rec.Phase == phase.Implementer && decision == checkpoint.Revise:
		// Revising a finished implementation adds work instead of rerunning
		// completed steps.
		g.applyBeforeCommit(t, &rec, decision, now)
	default:
		g.applyPhase(t, &rec, decision, now)
	}
	if err != nil {
		return checkpoint.Record{}, err
	}
	g.metrics.CheckpointResolved(ctx, string(rec.Kind), string(decision))
	return rec, nil
}

func (g *CheckpointGate) applyPhase(t *task.Task, rec *checkpoint.Record, d checkpoint.Decision, now time.Time) {
	switch d {
	case checkpoint.Approve:
		t.Advance(now)
	case checkpoint.Revise:
		t.Revise(t.CurrentPhase, []string{rec.Notes}, now)
	case checkpoint.Skip:
		logOverride(t, rec, now)
		t.Advance(now)
	}
}

func (g *CheckpointGate) applyContinue(t *task.Task, rec *checkpoint.Record, d checkpoint.Decision, now time.Time) {
	switch d {
	case checkpoint.Revise:
		addFeedback(t, rec.Notes)
	case checkpoint.Skip:
		logOverride(t, rec, now)
	}
}

func (g *CheckpointGate) applyBeforeCommit(t *task.Task, rec *checkpoint.Record, d checkpoint.Decision, now time.Time) {
	switch d {
	case checkpoint.Approve:
		t.Advance(now)
	case checkpoint.Revise:
		title := "Revision"
		if rec.Notes != "" {
			title = "Revision: " + rec.Notes
		}
		t.Progress.AddStep(title)
		addFeedback(t, rec.Notes)
	case checkpoint.Skip:
		logOverride(t, rec, now)
		t.Advance(now)
	}
}

func (g *CheckpointGate) applyEscalation(t *task.Task, rec *checkpoint.Record, d checkpoint.Decision, now time.Time) error {
	resolveEscalation(t, now)
	t.Loop.RecordSuccess()
	switch d {
	case checkpoint.Revise:
		addFeedback(t, rec.Notes)
	case checkpoint.Skip:
		logOverride(t, rec, now)
		return skipStep(t, rec.Step, now)
	}
	return nil
}

func (g *CheckpointGate) applyStep(t *task.Task, rec *checkpoint.Record, d checkpoint.Decision, now time.Time) error {
	switch d {
	case checkpoint.Revise:
		addFeedback(t, rec.Notes)
	case checkpoint.Skip:
		logOverride(t, rec, now)
		t.Loop.RecordSuccess()
		return skipStep(t, rec.Step, now)
	}
	return nil
}

// skipStep marks step done as skipped. Milestones crossed by a skip are
// recorded as reached without opening a checkpoint of their own.
func skipStep(t *task.Task, step int, now time.Time) error {
	if step == 0 || !t.Progress.IsSet() {
		return nil
	}
	if _, err := t.Progress.Skip(step, t.ConfigSnapshot.Checkpoints.Milestones, now); err != nil {
		return domain.Validationf("skip: %v", err)
	}
	return nil
}

func resolveEscalation(t *task.Task, now time.Time) {
	if e := t.OpenEscalation(); e != nil {
		e.Resolved = true
		e.ResolvedAt = &now
	}
}

func logOverride(t *task.Task, rec *checkpoint.Record, now time.Time) {
	t.Overrides = append(t.Overrides, task.Override{
		Phase:      rec.Phase,
		Checkpoint: rec.Name,
		Step:       rec.Step,
		Notes:      rec.Notes,
		At:         now,
	})
}

func addFeedback(t *task.Task, notes string) {
	if notes != "" {
		t.Feedback = append(t.Feedback, notes)
	}
}

// pendingSummary renders the pending checkpoint for logs and resume output.
func pendingSummary(rec *checkpoint.Record) string {
	if rec == nil {
		return ""
	}
	if rec.Step > 0 {
		return fmt.Sprintf("%s at step %d", rec.Name, rec.Step)
	}
	return rec.Name
}
