package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	cfotel "github.com/Strob0t/crewflow/internal/adapter/otel"
	"github.com/Strob0t/crewflow/internal/domain"
	"github.com/Strob0t/crewflow/internal/domain/checkpoint"
	"github.com/Strob0t/crewflow/internal/domain/event"
	"github.com/Strob0t/crewflow/internal/domain/loop"
	"github.com/Strob0t/crewflow/internal/domain/phase"
	"github.com/Strob0t/crewflow/internal/domain/settings"
	"github.com/Strob0t/crewflow/internal/domain/task"
	"github.com/Strob0t/crewflow/internal/port/agentbackend"
	"github.com/Strob0t/crewflow/internal/port/verifier"
)

// ErrNoVerifier is returned when an implementation step runs without a
// verifier configured.
var ErrNoVerifier = errors.New("no verifier configured")

const (
	defaultStepTitle = "Implement the plan"
	failureTailLines = 20
)

// runImplementation performs one unit of the implementation loop: a single
// attempt at the next unfinished step, or the completion gate once every step
// is done.
func (s *WorkflowService) runImplementation(ctx context.Context, t *task.Task) (*task.Task, error) {
	work := t.Clone()
	ch := &changes{}
	now := s.now()

	if !work.Progress.IsSet() {
		work.Progress = task.NewProgress([]string{defaultStepTitle})
	}
	next := work.Progress.NextStep()
	if next == nil {
		s.finishImplementation(work, now)
		return s.commit(ctx, t, work, ch)
	}
	if s.verifier == nil {
		return nil, ErrNoVerifier
	}
	return s.attemptStep(ctx, t, work, ch, *next)
}

// attemptStep runs the agent on step once and verifies the result. A pass
// completes the step; a failure is counted against the step's budget, raising
// the switch-strategy flag after repeated identical failures and escalating
// when the budget is spent.
func (s *WorkflowService) attemptStep(ctx context.Context, orig, work *task.Task, ch *changes, step task.Step) (*task.Task, error) {
	cfg := work.ConfigSnapshot
	work.Loop.Begin(step.Number)
	attempt := work.Loop.Attempts + 1

	ctx, span := cfotel.StartStepSpan(ctx, work.ID, step.Number, attempt)
	b := s.bundle(ctx, work, &step)
	// The flag is consumed only once an attempt has actually run; an agent
	// failure leaves it for the attempt that follows.
	b.SwitchStrategy = work.Loop.SwitchStrategy
	if b.SwitchStrategy {
		slog.InfoContext(ctx, "switching strategy", "step", step.Number, "attempt", attempt)
	}

	out, err := s.agents.Invoke(ctx, b)
	if err != nil {
		cfotel.EndSpan(span, err)
		return s.agentFailed(ctx, orig, work, ch, phase.Implementer, step.Number, err)
	}
	work.Loop.TakeSwitch()

	now := s.now()
	if err := s.saveOutput(ctx, work, phase.Implementer, step.Number, attempt, out.Output, now); err != nil {
		cfotel.EndSpan(span, err)
		return nil, err
	}
	raised := s.recordAgentOutput(ctx, work, phase.Implementer, out, now)

	if out.Completion == agentbackend.CompletionBlocked {
		work.Loop.Attempts = attempt
		cfotel.EndSpan(span, nil)
		return s.escalate(ctx, orig, work, ch, step, "agent reported the step as blocked: "+truncate(out.Output, summaryLimit), false)
	}

	res := s.verify(ctx, cfg.Verification)
	s.metrics.StepAttempt(ctx, res.Passed)

	if res.Passed {
		crossed, err := work.Progress.Complete(step.Number, cfg.Checkpoints.Milestones, now)
		if err != nil {
			cfotel.EndSpan(span, err)
			return nil, err
		}
		work.Loop.RecordSuccess()
		work.UpdatedAt = now
		ch.emit(event.TypeStepCompleted, string(phase.Implementer), stepPayload(work, step.Number, attempt))
		slog.InfoContext(ctx, "step completed", "step", step.Number, "attempt", attempt,
			"progress", fmt.Sprintf("%d/%d", work.Progress.CompletedSteps, work.Progress.TotalSteps))

		o := checkpoint.Outcome{
			Phase:      phase.Implementer,
			Summary:    fmt.Sprintf("step %d (%s) passed; %d%% complete", step.Number, step.Title, work.Progress.Percent()),
			Concerns:   describe(raised),
			Deviations: out.Deviations,
			Step:       step.Number,
		}
		if len(crossed) > 0 {
			o.Milestone = crossed[len(crossed)-1]
		}
		if o.Milestone > 0 || len(o.Deviations) > 0 {
			s.openCheckpoint(work, o, now)
		}
		cfotel.EndSpan(span, nil)
		return s.commit(ctx, orig, work, ch)
	}

	sig := res.Signature
	if sig == "" {
		sig = loop.Signature(res.Output)
	}
	switched := work.Loop.RecordFailure(sig, cfg.MaxIterations.SameErrorThreshold)
	work.Loop.LastFailure = tail(res.Output, failureTailLines)
	work.UpdatedAt = now
	payload := stepPayload(work, step.Number, attempt)
	payload["signature"] = sig
	payload["switch_strategy"] = switched
	ch.emit(event.TypeStepFailed, string(phase.Implementer), payload)
	slog.WarnContext(ctx, "step failed verification", "step", step.Number, "attempt", attempt,
		"signature", sig, "switch_strategy", switched)
	cfotel.EndSpan(span, nil)

	if work.Loop.Exhausted(cfg.MaxIterations.PerStep) {
		reason := fmt.Sprintf("step %d failed %d attempts", step.Number, work.Loop.Attempts)
		return s.escalate(ctx, orig, work, ch, step, reason, true)
	}
	if len(out.Deviations) > 0 {
		s.openCheckpoint(work, checkpoint.Outcome{
			Phase:      phase.Implementer,
			Summary:    fmt.Sprintf("step %d deviated from the plan", step.Number),
			Deviations: out.Deviations,
			Step:       step.Number,
		}, now)
	}
	return s.commit(ctx, orig, work, ch)
}

// verify runs the verifier. An error running the checks at all counts as a
// failed attempt with a signature derived from the error.
func (s *WorkflowService) verify(ctx context.Context, cfg settings.Verification) *verifier.Result {
	res, err := s.verifier.Verify(context.WithoutCancel(ctx), cfg)
	if err != nil {
		slog.WarnContext(ctx, "verifier error", "method", cfg.Method, "error", err)
		return &verifier.Result{Signature: "verifier:" + err.Error(), Output: err.Error()}
	}
	if res == nil {
		return &verifier.Result{Signature: "verifier:no result", Output: "verifier returned no result"}
	}
	return res
}

// escalate blocks the task on step. Exactly one open escalation exists per
// halt; exhausted budgets are also reported as *domain.LoopExhaustedError.
func (s *WorkflowService) escalate(ctx context.Context, orig, work *task.Task, ch *changes, step task.Step, reason string, exhausted bool) (*task.Task, error) {
	now := s.now()
	if work.OpenEscalation() == nil {
		work.Escalations = append(work.Escalations, task.Escalation{
			Phase:     phase.Implementer,
			Step:      step.Number,
			Reason:    reason,
			Signature: work.Loop.LastSignature,
			Attempts:  work.Loop.Attempts,
			CreatedAt: now,
		})
	}
	esc := work.OpenEscalation()

	var concerns []string
	if work.Loop.LastFailure != "" {
		concerns = []string{work.Loop.LastFailure}
	}
	s.openCheckpoint(work, checkpoint.Outcome{
		Phase:     phase.Implementer,
		Summary:   reason,
		Concerns:  concerns,
		Step:      step.Number,
		Escalated: true,
	}, now)
	ch.emit(event.TypeEscalation, string(phase.Implementer), esc)
	s.metrics.Escalated(ctx, string(phase.Implementer))
	slog.WarnContext(ctx, "step escalated", "step", step.Number, "attempts", esc.Attempts, "reason", reason)

	saved, err := s.commit(ctx, orig, work, ch)
	if err != nil {
		return nil, err
	}
	if exhausted {
		return saved, &domain.LoopExhaustedError{
			TaskID:    saved.ID,
			Step:      step.Number,
			Attempts:  esc.Attempts,
			Signature: esc.Signature,
		}
	}
	return saved, nil
}

// tail returns the last n lines of s.
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
