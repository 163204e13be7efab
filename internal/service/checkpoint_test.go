package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/crewflow/internal/domain"
	"github.com/Strob0t/crewflow/internal/domain/checkpoint"
	"github.com/Strob0t/crewflow/internal/domain/mode"
	"github.com/Strob0t/crewflow/internal/domain/phase"
	"github.com/Strob0t/crewflow/internal/domain/settings"
	"github.com/Strob0t/crewflow/internal/domain/task"
)

var gateNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// implementerTask is a turbo task in the implementer with steps, the first
// of them done.
func implementerTask(steps ...string) *task.Task {
	chain := mode.Chain(mode.Turbo)
	t := &task.Task{
		ID:              "TASK_001",
		Description:     "add a flag",
		Mode:            mode.Turbo,
		PhaseChain:      chain,
		CurrentPhase:    phase.Implementer,
		PhasesCompleted: []phase.Phase{phase.Developer},
		Status:          task.StatusActive,
		Progress:        task.NewProgress(steps),
		ConfigSnapshot:  settings.Defaults(),
	}
	_, _ = t.Progress.Complete(1, nil, gateNow)
	return t
}

func TestGateOpenSetsStatus(t *testing.T) {
	g := NewCheckpointGate(nil)

	tk := implementerTask("a", "b")
	if _, ok := g.Open(tk, checkpoint.Outcome{Phase: phase.Implementer, Step: 2}, gateNow); ok {
		t.Fatal("checkpoint opened for an uneventful step")
	}
	rec, ok := g.Open(tk, checkpoint.Outcome{Phase: phase.Implementer, Step: 2, Escalated: true}, gateNow)
	if !ok || rec.ID == "" || !rec.Timestamp.Equal(gateNow) {
		t.Fatalf("escalation record = %+v", rec)
	}
	if tk.Status != task.StatusBlocked || tk.PendingCheckpoint.ID != rec.ID {
		t.Fatalf("status %s pending %+v", tk.Status, tk.PendingCheckpoint)
	}
	if err := tk.Validate(); err != nil {
		t.Fatalf("blocked task with pending escalation invalid: %v", err)
	}
}

func TestGateApply(t *testing.T) {
	tests := []struct {
		name     string
		outcome  checkpoint.Outcome
		decision checkpoint.Decision
		notes    string
		check    func(t *testing.T, tk *task.Task)
	}{
		{
			name:     "after implementer revise adds a step",
			outcome:  checkpoint.Outcome{Phase: phase.Implementer, ForceReview: true},
			decision: checkpoint.Revise,
			notes:    "log the retry count",
			check: func(t *testing.T, tk *task.Task) {
				if tk.CurrentPhase != phase.Implementer || tk.Progress.TotalSteps != 3 || tk.Iteration != 0 {
					t.Fatalf("phase %s steps %d iteration %d", tk.CurrentPhase, tk.Progress.TotalSteps, tk.Iteration)
				}
			},
		},
		{
			name:     "after phase skip advances and logs",
			outcome:  checkpoint.Outcome{Phase: phase.Implementer, ForceReview: true},
			decision: checkpoint.Skip,
			check: func(t *testing.T, tk *task.Task) {
				if tk.CurrentPhase != phase.TechnicalWriter || len(tk.Overrides) != 1 {
					t.Fatalf("phase %s overrides %+v", tk.CurrentPhase, tk.Overrides)
				}
			},
		},
		{
			name:     "mid-loop agent failure skip skips the step",
			outcome:  checkpoint.Outcome{Phase: phase.Implementer, Step: 2, AgentFailed: true},
			decision: checkpoint.Skip,
			check: func(t *testing.T, tk *task.Task) {
				if !tk.Progress.Steps[1].Skipped || tk.CurrentPhase != phase.Implementer {
					t.Fatalf("step 2 = %+v", tk.Progress.Steps[1])
				}
			},
		},
		{
			name:     "mid-loop deviation revise keeps the loop",
			outcome:  checkpoint.Outcome{Phase: phase.Implementer, Step: 2, Deviations: []string{"x"}},
			decision: checkpoint.Revise,
			notes:    "stick to the plan",
			check: func(t *testing.T, tk *task.Task) {
				if tk.CurrentPhase != phase.Implementer || tk.Iteration != 0 || len(tk.Feedback) != 1 {
					t.Fatalf("phase %s iteration %d feedback %v", tk.CurrentPhase, tk.Iteration, tk.Feedback)
				}
			},
		},
		{
			name:     "milestone skip continues",
			outcome:  checkpoint.Outcome{Phase: phase.Implementer, Milestone: 50, Step: 1},
			decision: checkpoint.Skip,
			check: func(t *testing.T, tk *task.Task) {
				if tk.CurrentPhase != phase.Implementer || len(tk.Overrides) != 1 || tk.Overrides[0].Checkpoint != "milestone_50" {
					t.Fatalf("phase %s overrides %+v", tk.CurrentPhase, tk.Overrides)
				}
			},
		},
		{
			name:     "restart clears the plan",
			outcome:  checkpoint.Outcome{Phase: phase.Implementer, Step: 2, Escalated: true},
			decision: checkpoint.Restart,
			check: func(t *testing.T, tk *task.Task) {
				if tk.CurrentPhase != phase.Developer || tk.Progress.IsSet() {
					t.Fatalf("phase %s progress %+v", tk.CurrentPhase, tk.Progress)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewCheckpointGate(nil)
			tk := implementerTask("a", "b")
			if tt.outcome.Escalated {
				tk.Escalations = []task.Escalation{{Phase: phase.Implementer, Step: 2, Attempts: 10}}
			}
			if _, ok := g.Open(tk, tt.outcome, gateNow); !ok {
				t.Fatal("checkpoint did not open")
			}
			rec, err := g.Apply(context.Background(), tk, tt.decision, tt.notes, gateNow)
			if err != nil {
				t.Fatal(err)
			}
			if rec.Decision != tt.decision || rec.ResolvedAt == nil {
				t.Fatalf("record = %+v", rec)
			}
			if tk.PendingCheckpoint != nil || len(tk.Checkpoints) != 1 {
				t.Fatal("checkpoint not moved to history")
			}
			if tk.OpenEscalation() != nil {
				t.Fatal("escalation left open")
			}
			tt.check(t, tk)
			if err := tk.Validate(); err != nil {
				t.Fatalf("invalid after %s: %v", tt.decision, err)
			}
		})
	}
}

func TestGateApplyInvalidDecisionChangesNothing(t *testing.T) {
	g := NewCheckpointGate(nil)
	tk := implementerTask("a", "b")
	g.Open(tk, checkpoint.Outcome{Phase: phase.Implementer, ForceReview: true}, gateNow)
	pending := tk.PendingCheckpoint

	if _, err := g.Apply(context.Background(), tk, checkpoint.Pending, "", gateNow); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if tk.PendingCheckpoint != pending || tk.PendingCheckpoint.Decision != checkpoint.Pending || len(tk.Checkpoints) != 0 {
		t.Fatal("invalid decision mutated the task")
	}
}
