package service

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/crewflow/internal/domain"
	"github.com/Strob0t/crewflow/internal/domain/checkpoint"
	"github.com/Strob0t/crewflow/internal/domain/mode"
	"github.com/Strob0t/crewflow/internal/domain/phase"
	"github.com/Strob0t/crewflow/internal/domain/task"
	"github.com/Strob0t/crewflow/internal/port/agentbackend"
)

const turboTask = "add a retry flag to the sync command"

func TestInitializeDetectsModeAndSnapshotsConfig(t *testing.T) {
	env := newEnv(t, nil, nil)
	writeFile(t, filepath.Join(env.tc.ProjectDir, ".crewflow", LayerFileName), "max_iterations:\n  per_step: 5\n")

	tk := env.init(t, "Add OAuth2 authentication to the API")
	if tk.ID != "TASK_001" {
		t.Fatalf("id = %s, want TASK_001", tk.ID)
	}
	if tk.Mode != mode.Full || tk.CurrentPhase != phase.Architect || len(tk.PhaseChain) != 7 {
		t.Fatalf("mode %s at %s with chain %v", tk.Mode, tk.CurrentPhase, tk.PhaseChain)
	}
	if tk.ConfigSnapshot.MaxIterations.PerStep != 5 {
		t.Fatalf("snapshot per_step = %d, want 5 from the project layer", tk.ConfigSnapshot.MaxIterations.PerStep)
	}

	stored := env.load(t, tk.ID)
	if stored.Status != task.StatusActive || stored.Iteration != 0 || len(stored.PhasesCompleted) != 0 {
		t.Fatalf("stored task = %+v", stored)
	}

	second := env.init(t, "fix typo in README")
	if second.ID != "TASK_002" || second.Mode != mode.Minimal {
		t.Fatalf("second task = %s %s", second.ID, second.Mode)
	}
}

func TestInitializeRejectsDuplicateAndInvalid(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, nil, nil)

	if _, err := env.svc.Initialize(ctx, env.tc, InitRequest{Description: turboTask, TaskID: "feature-x"}); err != nil {
		t.Fatal(err)
	}
	_, err := env.svc.Initialize(ctx, env.tc, InitRequest{Description: turboTask, TaskID: "feature-x"})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("duplicate id: expected ErrConflict, got %v", err)
	}

	if _, err := env.svc.Initialize(ctx, env.tc, InitRequest{Description: "  "}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("empty description: expected ErrValidation, got %v", err)
	}

	_, err = env.svc.Initialize(ctx, env.tc, InitRequest{Description: turboTask, Mode: "warp"})
	var ce *domain.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("invalid mode: expected ConfigError, got %v", err)
	}
}

func TestInitializeInvalidConfigWritesNothing(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, nil, nil)
	writeFile(t, filepath.Join(env.tc.ProjectDir, ".crewflow", LayerFileName), "checkpoints:\n  after_lunch: true\n")

	_, err := env.svc.Initialize(ctx, env.tc, InitRequest{Description: turboTask})
	var ce *domain.ConfigError
	if !errors.As(err, &ce) || ce.Layer != "project" {
		t.Fatalf("expected project ConfigError, got %v", err)
	}
	list, _ := env.svc.List(ctx)
	if len(list) != 0 {
		t.Fatalf("task written despite invalid config: %v", list)
	}
}

func TestTransitionRules(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, nil, nil)
	tk := env.init(t, turboTask)

	_, err := env.svc.Transition(ctx, tk.ID, phase.Architect)
	var pte *domain.PhaseTransitionError
	if !errors.As(err, &pte) {
		t.Fatalf("expected PhaseTransitionError, got %v", err)
	}
	if got := env.load(t, tk.ID); got.Version != tk.Version || got.CurrentPhase != phase.Developer {
		t.Fatal("rejected transition changed the stored task")
	}

	if _, err := env.svc.Transition(ctx, tk.ID, phase.TechnicalWriter); err == nil {
		t.Fatal("skipping a phase was allowed")
	}

	got, err := env.svc.Transition(ctx, tk.ID, phase.Implementer)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentPhase != phase.Implementer || !slices.Equal(got.PhasesCompleted, []phase.Phase{phase.Developer}) {
		t.Fatalf("after forward: %s %v", got.CurrentPhase, got.PhasesCompleted)
	}

	if _, err := env.svc.Transition(ctx, tk.ID, phase.TechnicalWriter); err != nil {
		t.Fatal(err)
	}
	got, err = env.svc.Transition(ctx, tk.ID, phase.Complete)
	if err != nil || !got.IsComplete() || got.Status != task.StatusComplete {
		t.Fatalf("finish: %v %+v", err, got)
	}
	if _, err := env.svc.Transition(ctx, tk.ID, phase.Developer); !errors.As(err, &pte) {
		t.Fatalf("transition on complete task: %v", err)
	}
}

func TestTransitionOutOfImplementerNeedsFinishedPlan(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, nil, nil, "checkpoints.milestones=[]")
	tk := env.implementing(t, "a", "b", "c", "d")

	_, err := env.svc.Transition(ctx, tk.ID, phase.TechnicalWriter)
	var pte *domain.PhaseTransitionError
	if !errors.As(err, &pte) || !strings.Contains(pte.Reason, "4 of 4") {
		t.Fatalf("expected PhaseTransitionError naming open steps, got %v", err)
	}
	if got := env.load(t, tk.ID); got.Version != tk.Version || got.CurrentPhase != phase.Implementer {
		t.Fatal("rejected transition changed the stored task")
	}

	// With every step done the move goes through the completion gate.
	stored := env.load(t, tk.ID)
	for n := 1; n <= 4; n++ {
		if _, err := stored.Progress.Complete(n, nil, time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	if err := env.tasks.Save(ctx, stored); err != nil {
		t.Fatal(err)
	}
	got, err := env.svc.Transition(ctx, tk.ID, phase.TechnicalWriter)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentPhase != phase.Implementer || got.PendingCheckpoint == nil || got.PendingCheckpoint.Kind != checkpoint.KindBeforeCommit {
		t.Fatalf("phase %s pending %+v, want before_commit", got.CurrentPhase, got.PendingCheckpoint)
	}
	got, err = env.svc.ResolveCheckpoint(ctx, tk.ID, checkpoint.Approve, "")
	if err != nil || got.CurrentPhase != phase.TechnicalWriter {
		t.Fatalf("after approve: %v %s", err, got.CurrentPhase)
	}
}

func TestReviewerLoopBackToDeveloper(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, nil, nil, "checkpoints.after_architect=false", "checkpoints.after_skeptic=false")

	tk, err := env.svc.Initialize(ctx, env.tc, InitRequest{Description: turboTask, Mode: mode.Full})
	if err != nil {
		t.Fatal(err)
	}

	reviews := 0
	agent := &scriptedAgent{respond: func(b agentbackend.Bundle) (*agentbackend.Output, error) {
		out := &agentbackend.Output{Output: string(b.Phase) + " output"}
		switch b.Phase {
		case phase.Developer:
			out.Steps = []string{"write code", "write tests"}
		case phase.Reviewer:
			reviews++
			if reviews == 1 {
				out.Concerns = []agentbackend.ConcernReport{{Severity: task.SeverityHigh, Description: "no error handling", Blocking: true}}
				out.Recommendation = agentbackend.RecommendRevise
			} else {
				out.Recommendation = agentbackend.RecommendApprove
			}
		}
		return out, nil
	}}
	env.svc.agents = NewAgentRunner(agent, nil, nil)

	got, err := env.svc.Run(ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Iteration != 1 {
		t.Fatalf("iteration = %d, want 1", got.Iteration)
	}
	if got.PendingCheckpoint == nil || got.PendingCheckpoint.Name != "after_reviewer" {
		t.Fatalf("pending = %+v, want after_reviewer", got.PendingCheckpoint)
	}

	devCalls := agent.callsFor(phase.Developer)
	if len(devCalls) != 2 {
		t.Fatalf("developer calls = %d, want 2", len(devCalls))
	}
	if !strings.Contains(strings.Join(devCalls[1].Feedback, "\n"), "no error handling") {
		t.Fatalf("revision feedback = %v", devCalls[1].Feedback)
	}
	if len(devCalls[1].Concerns) != 1 || devCalls[1].Concerns[0].ID != "C001" {
		t.Fatalf("revision concerns = %+v", devCalls[1].Concerns)
	}
	if got.Concerns[0].AddressedBy != string(phase.Developer) {
		t.Fatalf("concern not addressed: %+v", got.Concerns[0])
	}
	if _, ok := devCalls[1].PriorOutputs[phase.Architect]; !ok {
		t.Fatal("architect output missing from developer bundle")
	}
	if !slices.Equal(got.PhasesCompleted, []phase.Phase{phase.Architect, phase.Developer}) {
		t.Fatalf("phases completed = %v", got.PhasesCompleted)
	}
}

func TestReviewerPastPlanningCapOpensCheckpoint(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, nil, nil, "checkpoints.after_architect=false", "checkpoints.after_reviewer=false", "max_iterations.planning=0")
	tk, err := env.svc.Initialize(ctx, env.tc, InitRequest{Description: turboTask, Mode: mode.Fast})
	if err != nil {
		t.Fatal(err)
	}
	env.svc.agents = NewAgentRunner(&scriptedAgent{respond: func(b agentbackend.Bundle) (*agentbackend.Output, error) {
		out := &agentbackend.Output{Output: "ok"}
		if b.Phase == phase.Reviewer {
			out.Concerns = []agentbackend.ConcernReport{{Severity: task.SeverityCritical, Description: "SQL injection"}}
		}
		return out, nil
	}}, nil, nil)

	got, err := env.svc.Run(ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Iteration != 0 || got.PendingCheckpoint == nil || got.PendingCheckpoint.Name != "after_reviewer" {
		t.Fatalf("expected forced after_reviewer checkpoint, got iteration %d pending %+v", got.Iteration, got.PendingCheckpoint)
	}
	if !got.Concerns[0].Blocking {
		t.Fatal("critical concern must be blocking")
	}
}

func TestRunHaltsAtCheckpointAndResolves(t *testing.T) {
	ctx := context.Background()
	agent := planAgent("step one")
	env := newEnv(t, agent, passing())
	tk, err := env.svc.Initialize(ctx, env.tc, InitRequest{Description: turboTask, Mode: mode.Full})
	if err != nil {
		t.Fatal(err)
	}

	got, err := env.svc.Run(ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusAwaitingCheckpoint || got.PendingCheckpoint.Name != "after_architect" {
		t.Fatalf("status %s pending %+v", got.Status, got.PendingCheckpoint)
	}
	if agent.count() != 1 {
		t.Fatalf("agent calls = %d, want 1", agent.count())
	}

	// A second run does nothing while the checkpoint is pending.
	if _, err := env.svc.Run(ctx, tk.ID); err != nil || agent.count() != 1 {
		t.Fatalf("run while pending: err %v, calls %d", err, agent.count())
	}

	if _, err := env.svc.ResolveCheckpoint(ctx, tk.ID, "maybe", ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("invalid decision: expected ErrValidation, got %v", err)
	}
	got, err = env.svc.ResolveCheckpoint(ctx, tk.ID, checkpoint.Approve, "looks good")
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentPhase != phase.Developer || got.Status != task.StatusActive || got.PendingCheckpoint != nil {
		t.Fatalf("after approve: %s %s", got.CurrentPhase, got.Status)
	}
	if len(got.Checkpoints) != 1 || got.Checkpoints[0].Decision != checkpoint.Approve || got.Checkpoints[0].Notes != "looks good" {
		t.Fatalf("history = %+v", got.Checkpoints)
	}

	var pte *domain.PhaseTransitionError
	if _, err := env.svc.ResolveCheckpoint(ctx, tk.ID, checkpoint.Approve, ""); !errors.As(err, &pte) {
		t.Fatalf("resolve without pending: expected PhaseTransitionError, got %v", err)
	}
}

func TestReviseAndRestartDecisions(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, planAgent(), passing())
	tk, _ := env.svc.Initialize(ctx, env.tc, InitRequest{Description: turboTask, Mode: mode.Full})
	if _, err := env.svc.Run(ctx, tk.ID); err != nil {
		t.Fatal(err)
	}

	got, err := env.svc.ResolveCheckpoint(ctx, tk.ID, checkpoint.Revise, "consider caching")
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentPhase != phase.Architect || got.Iteration != 1 || !slices.Contains(got.Feedback, "consider caching") {
		t.Fatalf("after revise: phase %s iteration %d feedback %v", got.CurrentPhase, got.Iteration, got.Feedback)
	}

	if _, err := env.svc.Run(ctx, tk.ID); err != nil {
		t.Fatal(err)
	}
	calls := env.agent.callsFor(phase.Architect)
	if len(calls) != 2 || calls[1].Iteration != 1 || !slices.Contains(calls[1].Feedback, "consider caching") {
		t.Fatalf("revised architect call = %+v", calls[len(calls)-1])
	}

	got, err = env.svc.ResolveCheckpoint(ctx, tk.ID, checkpoint.Restart, "")
	if err != nil {
		t.Fatal(err)
	}
	if got.Iteration != 0 || got.CurrentPhase != phase.Architect || len(got.PhasesCompleted) != 0 || got.Progress.IsSet() {
		t.Fatalf("after restart: %+v", got)
	}
	if len(got.Checkpoints) != 2 {
		t.Fatalf("checkpoint history lost on restart: %d", len(got.Checkpoints))
	}
}

func TestSkipLogsOverride(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, planAgent(), passing())
	tk, _ := env.svc.Initialize(ctx, env.tc, InitRequest{Description: turboTask, Mode: mode.Full})
	_, _ = env.svc.Run(ctx, tk.ID)

	got, err := env.svc.ResolveCheckpoint(ctx, tk.ID, checkpoint.Skip, "trust me")
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentPhase != phase.Developer || len(got.Overrides) != 1 || got.Overrides[0].Checkpoint != "after_architect" {
		t.Fatalf("skip: phase %s overrides %+v", got.CurrentPhase, got.Overrides)
	}
}

func TestCompletePhase(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, nil, nil, "cost_tracking.enabled=true")
	tk := env.init(t, turboTask)

	var pte *domain.PhaseTransitionError
	if _, err := env.svc.CompletePhase(ctx, tk.ID, phase.Implementer, agentbackend.Output{}); !errors.As(err, &pte) {
		t.Fatalf("completing a non-current phase: %v", err)
	}

	got, err := env.svc.CompletePhase(ctx, tk.ID, phase.Developer, agentbackend.Output{
		Output: "# Plan",
		Steps:  []string{"a", "b", "c"},
		Discoveries: []agentbackend.DiscoveryReport{
			{Category: "pattern", Content: "retries use exponential backoff", Tags: []string{"retry"}},
		},
		Usage: &agentbackend.Usage{Model: "sonnet", InputTokens: 1000, OutputTokens: 500},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentPhase != phase.Implementer || got.Progress.TotalSteps != 3 {
		t.Fatalf("after developer: phase %s steps %d", got.CurrentPhase, got.Progress.TotalSteps)
	}
	content, err := env.tasks.LoadOutput(ctx, tk.ID, got.Outputs[0].Key)
	if err != nil || content != "# Plan" {
		t.Fatalf("output %q: %q, %v", got.Outputs[0].Key, content, err)
	}

	flush, _ := env.memory.Flush(ctx, tk.ID)
	if len(flush.Entries) != 1 || flush.Entries[0].TaskID != tk.ID {
		t.Fatalf("discoveries = %+v", flush.Entries)
	}
	sum, _ := env.costs.Summarize(ctx, tk.ID)
	if sum.Total.Runs != 1 || sum.ByPhase["developer"].Tokens != 1500 {
		t.Fatalf("cost summary = %+v", sum)
	}

	if _, err := env.svc.CompletePhase(ctx, tk.ID, phase.Implementer, agentbackend.Output{}); !errors.As(err, &pte) {
		t.Fatalf("completing implementer with steps left: %v", err)
	}
}

func TestManualStepsMilestoneAndBeforeCommit(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, nil, nil)
	tk := env.init(t, turboTask)
	_, _ = env.svc.Transition(ctx, tk.ID, phase.Implementer)

	if _, err := env.svc.SetImplementationProgress(ctx, tk.ID, []string{" "}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("empty plan: %v", err)
	}
	if _, err := env.svc.SetImplementationProgress(ctx, tk.ID, []string{"one", "two", "three", "four"}); err != nil {
		t.Fatal(err)
	}

	got, _ := env.svc.CompleteStep(ctx, tk.ID, 1)
	if got.PendingCheckpoint != nil {
		t.Fatalf("unexpected checkpoint at 25%%: %+v", got.PendingCheckpoint)
	}
	got, _ = env.svc.CompleteStep(ctx, tk.ID, 2)
	if got.PendingCheckpoint == nil || got.PendingCheckpoint.Name != "milestone_50" {
		t.Fatalf("want milestone_50, got %+v", got.PendingCheckpoint)
	}
	if _, err := env.svc.CompleteStep(ctx, tk.ID, 3); err == nil {
		t.Fatal("step completed while a checkpoint is pending")
	}

	got, _ = env.svc.ResolveCheckpoint(ctx, tk.ID, checkpoint.Approve, "")
	if got.CurrentPhase != phase.Implementer || got.Status != task.StatusActive {
		t.Fatalf("milestone approve must continue the loop: %s %s", got.CurrentPhase, got.Status)
	}

	_, _ = env.svc.CompleteStep(ctx, tk.ID, 3)
	got, _ = env.svc.CompleteStep(ctx, tk.ID, 4)
	if got.PendingCheckpoint == nil || got.PendingCheckpoint.Kind != checkpoint.KindBeforeCommit {
		t.Fatalf("want before_commit, got %+v", got.PendingCheckpoint)
	}

	got, _ = env.svc.ResolveCheckpoint(ctx, tk.ID, checkpoint.Revise, "handle nil input")
	if got.Progress.TotalSteps != 5 || got.Progress.Steps[4].Title != "Revision: handle nil input" || got.CurrentPhase != phase.Implementer {
		t.Fatalf("before_commit revise: %+v", got.Progress)
	}
	_, _ = env.svc.CompleteStep(ctx, tk.ID, 5)
	got, _ = env.svc.ResolveCheckpoint(ctx, tk.ID, checkpoint.Approve, "")
	if got.CurrentPhase != phase.TechnicalWriter || !slices.Contains(got.PhasesCompleted, phase.Implementer) {
		t.Fatalf("before_commit approve: %s %v", got.CurrentPhase, got.PhasesCompleted)
	}
}

func TestResumeRunsOnlyRemainingSteps(t *testing.T) {
	ctx := context.Background()
	agent := planAgent()
	env := newEnv(t, agent, passing(), "checkpoints.milestones=[]")
	tk := env.init(t, turboTask)

	_, _ = env.svc.CompletePhase(ctx, tk.ID, phase.Developer, agentbackend.Output{
		Output: "plan", Steps: []string{"s1", "s2", "s3", "s4", "s5"},
	})
	for n := 1; n <= 3; n++ {
		if _, err := env.svc.CompleteStep(ctx, tk.ID, n); err != nil {
			t.Fatal(err)
		}
	}

	info, err := env.svc.ResumeState(ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if info.CurrentPhase != phase.Implementer || info.NextStep == nil || info.NextStep.Number != 4 || info.TotalSteps != 5 {
		t.Fatalf("resume info = %+v", info)
	}
	if !strings.Contains(info.Summary, "step 4 of 5") {
		t.Fatalf("summary = %q", info.Summary)
	}

	got, err := env.svc.Resume(ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	var steps []int
	for _, b := range agent.callsFor(phase.Implementer) {
		steps = append(steps, b.Step.Number)
	}
	if !slices.Equal(steps, []int{4, 5}) {
		t.Fatalf("implementer invoked for steps %v, want [4 5]", steps)
	}
	if got.PendingCheckpoint == nil || got.PendingCheckpoint.Kind != checkpoint.KindBeforeCommit {
		t.Fatalf("pending = %+v", got.PendingCheckpoint)
	}
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	agent := planAgent()
	env := newEnv(t, agent, passing())
	tk := env.init(t, turboTask)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := env.svc.Run(ctx, tk.ID); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := env.load(t, tk.ID); agent.count() != 0 || got.CurrentPhase != phase.Developer {
		t.Fatalf("work done after cancellation: calls %d phase %s", agent.count(), got.CurrentPhase)
	}
}

func TestRunWithoutAgent(t *testing.T) {
	env := newEnv(t, nil, nil)
	tk := env.init(t, turboTask)
	if _, err := env.svc.Run(context.Background(), tk.ID); !errors.Is(err, ErrNoAgent) {
		t.Fatalf("expected ErrNoAgent, got %v", err)
	}
}

func TestRestartClearsPlan(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, nil, nil)
	tk := env.init(t, turboTask)
	_, _ = env.svc.CompletePhase(ctx, tk.ID, phase.Developer, agentbackend.Output{Output: "plan", Steps: []string{"a"}})

	got, err := env.svc.Restart(ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentPhase != phase.Developer || got.Progress.IsSet() || len(got.PhasesCompleted) != 0 {
		t.Fatalf("after restart: %+v", got)
	}
}
