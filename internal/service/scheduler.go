package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	cfotel "github.com/Strob0t/crewflow/internal/adapter/otel"
	"github.com/Strob0t/crewflow/internal/domain/checkpoint"
	"github.com/Strob0t/crewflow/internal/domain/cost"
	"github.com/Strob0t/crewflow/internal/domain/event"
	"github.com/Strob0t/crewflow/internal/domain/memory"
	"github.com/Strob0t/crewflow/internal/domain/mode"
	"github.com/Strob0t/crewflow/internal/domain/phase"
	"github.com/Strob0t/crewflow/internal/domain/task"
	"github.com/Strob0t/crewflow/internal/logger"
	"github.com/Strob0t/crewflow/internal/port/agentbackend"
)

// ErrNoAgent is returned by Run when no agent backend is configured.
var ErrNoAgent = errors.New("no agent backend configured")

// summaryLimit caps the outcome summary shown on a checkpoint.
const summaryLimit = 500

// Run drives id through its phase chain until it completes, halts on a
// checkpoint or escalation, or ctx is cancelled. Cancellation is honored
// between phases and implementation step attempts only; every unit of work
// is persisted before the next one starts.
func (s *WorkflowService) Run(ctx context.Context, id string) (*task.Task, error) {
	if s.agents == nil {
		return nil, ErrNoAgent
	}
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	ctx = logger.WithTaskID(ctx, id)
	t, err := s.tasks.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	for !halted(t) {
		if err := ctx.Err(); err != nil {
			slog.InfoContext(ctx, "run interrupted", "phase", t.CurrentPhase, "error", err)
			return t, err
		}
		var next *task.Task
		if t.CurrentPhase == phase.Implementer {
			next, err = s.runImplementation(ctx, t)
		} else {
			next, err = s.runPhase(ctx, t)
		}
		if next != nil {
			t = next
		}
		if err != nil {
			return t, err
		}
	}
	slog.InfoContext(ctx, "run halted", "phase", t.CurrentPhase, "status", t.Status,
		"checkpoint", pendingSummary(t.PendingCheckpoint))
	return t, nil
}

func halted(t *task.Task) bool {
	return t.IsComplete() || t.PendingCheckpoint != nil || t.Status == task.StatusBlocked
}

// runPhase invokes the agent for the current (non-implementer) phase and
// persists the result.
func (s *WorkflowService) runPhase(ctx context.Context, t *task.Task) (*task.Task, error) {
	p := t.CurrentPhase
	ctx, span := cfotel.StartPhaseSpan(ctx, t.ID, string(p), t.Iteration)
	work := t.Clone()
	ch := &changes{}

	s.events.Publish(ctx, t, event.TypePhaseStarted, string(p), map[string]any{"iteration": t.Iteration})
	out, err := s.agents.Invoke(ctx, s.bundle(ctx, work, nil))
	if err != nil {
		next, ferr := s.agentFailed(ctx, t, work, ch, p, 0, err)
		cfotel.EndSpan(span, err)
		return next, ferr
	}
	if err := s.applyPhaseOutput(ctx, work, ch, p, out); err != nil {
		cfotel.EndSpan(span, err)
		return nil, err
	}
	next, err := s.commit(ctx, t, work, ch)
	cfotel.EndSpan(span, err)
	return next, err
}

// agentFailed handles an invocation that failed after its retry: with
// on_agent_failure set the task halts on an agent_failure checkpoint,
// otherwise the error is returned and the task is left as it was.
func (s *WorkflowService) agentFailed(ctx context.Context, orig, work *task.Task, ch *changes, p phase.Phase, step int, err error) (*task.Task, error) {
	slog.ErrorContext(ctx, "agent invocation failed", "phase", p, "step", step, "error", err)
	if !work.ConfigSnapshot.Checkpoints.OnAgentFailure {
		return nil, err
	}
	s.openCheckpoint(work, checkpoint.Outcome{
		Phase:       p,
		Summary:     truncate(err.Error(), summaryLimit),
		Step:        step,
		AgentFailed: true,
	}, s.now())
	return s.commit(ctx, orig, work, ch)
}

// applyPhaseOutput records out as the result of phase p and decides what
// happens next: an engine-forced revision, a checkpoint, or an advance.
func (s *WorkflowService) applyPhaseOutput(ctx context.Context, t *task.Task, ch *changes, p phase.Phase, out *agentbackend.Output) error {
	now := s.now()
	if err := s.saveOutput(ctx, t, p, 0, 0, out.Output, now); err != nil {
		return err
	}
	if p == phase.Developer {
		t.AddressConcerns(phase.Developer)
		if len(out.Steps) > 0 && t.Progress.CompletedSteps == 0 {
			t.Progress = task.NewProgress(out.Steps)
		}
	}
	raised := s.recordAgentOutput(ctx, t, p, out, now)

	outcome := checkpoint.Outcome{
		Phase:      p,
		Summary:    truncate(out.Output, summaryLimit),
		Concerns:   describe(raised),
		Deviations: out.Deviations,
	}
	if p == phase.Implementer {
		outcome.AllStepsDone = true
	}
	if out.Completion == agentbackend.CompletionBlocked || out.Completion == agentbackend.CompletionNeedsReview {
		outcome.ForceReview = true
	}

	if p.IsDownstreamReviewer() && demandsRevision(raised, out.Recommendation) {
		if t.Iteration < t.ConfigSnapshot.MaxIterations.Planning {
			notes := []string{fmt.Sprintf("%s requested changes", p)}
			for _, c := range raised {
				if c.Blocking {
					notes = append(notes, fmt.Sprintf("[%s %s] %s", c.ID, c.Severity, c.Description))
				}
			}
			slog.InfoContext(ctx, "blocking review, returning to developer", "phase", p, "iteration", t.Iteration+1)
			t.Revise(phase.Developer, notes, now)
			return nil
		}
		outcome.ForceReview = true
		outcome.Concerns = append(outcome.Concerns, fmt.Sprintf("planning iteration cap of %d reached", t.ConfigSnapshot.MaxIterations.Planning))
	}

	if s.openCheckpoint(t, outcome, now) {
		return nil
	}
	t.Advance(now)
	return nil
}

// finishImplementation runs the gate for a completed plan: before_commit (or
// after_implementer) when configured, otherwise advance.
func (s *WorkflowService) finishImplementation(t *task.Task, now time.Time) {
	opened := s.openCheckpoint(t, checkpoint.Outcome{
		Phase:        phase.Implementer,
		Summary:      fmt.Sprintf("all %d implementation steps done", t.Progress.TotalSteps),
		AllStepsDone: true,
	}, now)
	if !opened {
		t.Advance(now)
	}
}

// openCheckpoint opens the checkpoint o calls for, if any.
func (s *WorkflowService) openCheckpoint(t *task.Task, o checkpoint.Outcome, now time.Time) bool {
	_, ok := s.gate.Open(t, o, now)
	return ok
}

func (s *WorkflowService) saveOutput(ctx context.Context, t *task.Task, p phase.Phase, step, attempt int, content string, now time.Time) error {
	key, err := s.tasks.SaveOutput(ctx, t.ID, task.OutputName(p, t.Iteration, step, attempt), content)
	if err != nil {
		return err
	}
	t.Outputs = append(t.Outputs, task.OutputRef{Phase: p, Iteration: t.Iteration, Step: step, Key: key, CreatedAt: now})
	return nil
}

// recordAgentOutput stores the concerns, discoveries and usage an agent
// reported and returns the concerns it raised. Discovery and cost ledger
// failures are logged; they never undo the phase.
func (s *WorkflowService) recordAgentOutput(ctx context.Context, t *task.Task, p phase.Phase, out *agentbackend.Output, now time.Time) []task.Concern {
	var raised []task.Concern
	for _, c := range out.Concerns {
		raised = append(raised, t.AddConcern(task.Concern{
			Source:      p,
			Severity:    c.Severity,
			Description: c.Description,
			Blocking:    c.Blocking,
			CreatedAt:   now,
		}))
	}

	if s.memory != nil {
		for _, d := range out.Discoveries {
			err := s.memory.Save(ctx, &memory.Discovery{
				TaskID:   t.ID,
				Category: d.Category,
				Content:  d.Content,
				Tags:     d.Tags,
			})
			if err != nil {
				slog.WarnContext(ctx, "discarding agent discovery", "phase", p, "error", err)
			}
		}
	}

	if s.costs != nil && t.ConfigSnapshot.CostTracking.Enabled && out.Usage != nil {
		u := out.Usage
		model := u.Model
		if model == "" {
			model = t.ConfigSnapshot.Models.For(p)
		}
		err := s.costs.Record(ctx, &cost.Entry{
			TaskID:           t.ID,
			Phase:            string(p),
			Agent:            string(p),
			Model:            model,
			InputTokens:      u.InputTokens,
			OutputTokens:     u.OutputTokens,
			CompactionTokens: u.CompactionTokens,
			DurationMS:       u.DurationMS,
			Timestamp:        now,
		})
		if err != nil {
			slog.WarnContext(ctx, "recording agent usage", "phase", p, "error", err)
		}
	}
	return raised
}

// bundle assembles the context for invoking the current phase, or step when
// non-nil.
func (s *WorkflowService) bundle(ctx context.Context, t *task.Task, step *task.Step) agentbackend.Bundle {
	cfg := t.ConfigSnapshot
	p := t.CurrentPhase
	b := agentbackend.Bundle{
		TaskID:      t.ID,
		Description: t.Description,
		Phase:       p,
		Mode:        t.Mode,
		Effort:      mode.Effort(t.Mode, p),
		Model:       cfg.Models.For(p),
		Iteration:   t.Iteration,
		Settings:    cfg,
		Discoveries: s.memory.Relevant(ctx, t, cfg.Memory.ContextEntries),
		Feedback:    slices.Clone(t.Feedback),
		Concerns:    t.OpenConcerns(),
	}

	for _, done := range t.PhasesCompleted {
		ref, ok := t.LatestOutput(done)
		if !ok {
			continue
		}
		content, err := s.tasks.LoadOutput(ctx, t.ID, ref.Key)
		if err != nil {
			slog.WarnContext(ctx, "prior output unavailable", "phase", done, "key", ref.Key, "error", err)
			continue
		}
		if b.PriorOutputs == nil {
			b.PriorOutputs = make(map[phase.Phase]string)
		}
		b.PriorOutputs[done] = content
	}

	if step != nil {
		st := *step
		b.Step = &st
		b.LastSignature = t.Loop.LastSignature
		b.LastFailure = t.Loop.LastFailure
		b.KnownFixes = s.memory.KnownFixes(ctx, t.Loop.LastFailure)
	}
	return b
}

func demandsRevision(raised []task.Concern, rec agentbackend.Recommendation) bool {
	if rec == agentbackend.RecommendRevise {
		return true
	}
	return slices.ContainsFunc(raised, func(c task.Concern) bool { return c.Blocking })
}

func describe(cs []task.Concern) []string {
	if len(cs) == 0 {
		return nil
	}
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = fmt.Sprintf("%s [%s] %s", c.ID, c.Severity, c.Description)
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return strings.TrimSpace(string(r[:n])) + "..."
}
