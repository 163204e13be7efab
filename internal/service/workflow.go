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
	"github.com/Strob0t/crewflow/internal/domain"
	"github.com/Strob0t/crewflow/internal/domain/checkpoint"
	"github.com/Strob0t/crewflow/internal/domain/event"
	"github.com/Strob0t/crewflow/internal/domain/mode"
	"github.com/Strob0t/crewflow/internal/domain/phase"
	"github.com/Strob0t/crewflow/internal/domain/settings"
	"github.com/Strob0t/crewflow/internal/domain/task"
	"github.com/Strob0t/crewflow/internal/lock"
	"github.com/Strob0t/crewflow/internal/logger"
	"github.com/Strob0t/crewflow/internal/port/agentbackend"
	"github.com/Strob0t/crewflow/internal/port/taskstore"
	"github.com/Strob0t/crewflow/internal/port/verifier"
)

// maxIDAttempts bounds retries when a concurrently initialized task takes the
// next free id first.
const maxIDAttempts = 5

// WorkflowDeps wires a WorkflowService. Agents and Verifier are only needed to
// drive tasks with Run; everything else is required.
type WorkflowDeps struct {
	Tasks    taskstore.Store
	TasksDir string
	Config   *ConfigService
	Memory   *MemoryService
	Costs    *CostService
	Events   *EventService
	Gate     *CheckpointGate
	Agents   *AgentRunner
	Verifier verifier.Verifier
	Metrics  *cfotel.Metrics
}

// WorkflowService owns task state: it initializes tasks, applies transitions
// and checkpoint decisions, and drives the phase chain. Operations on one task
// are serialized in-process; the store's version check catches writers in
// other processes.
type WorkflowService struct {
	tasks    taskstore.Store
	tasksDir string
	config   *ConfigService
	memory   *MemoryService
	costs    *CostService
	events   *EventService
	gate     *CheckpointGate
	agents   *AgentRunner
	verifier verifier.Verifier
	metrics  *cfotel.Metrics
	locks    *lock.MutexMap
	now      func() time.Time
}

// NewWorkflowService creates a WorkflowService.
func NewWorkflowService(d WorkflowDeps) *WorkflowService {
	gate := d.Gate
	if gate == nil {
		gate = NewCheckpointGate(d.Metrics)
	}
	return &WorkflowService{
		tasks:    d.Tasks,
		tasksDir: d.TasksDir,
		config:   d.Config,
		memory:   d.Memory,
		costs:    d.Costs,
		events:   d.Events,
		gate:     gate,
		agents:   d.Agents,
		verifier: d.Verifier,
		metrics:  d.Metrics,
		locks:    lock.NewMutexMap(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// InitRequest describes a new task.
type InitRequest struct {
	Description string    `json:"description"`
	TaskID      string    `json:"task_id,omitempty"`
	Mode        mode.Name `json:"mode,omitempty"`
	Files       []string  `json:"files,omitempty"`
}

// Initialize resolves the configuration, picks the mode and persists a new
// task at the first phase of its chain. Nothing is written when the
// configuration is invalid.
func (s *WorkflowService) Initialize(ctx context.Context, tc task.Context, req InitRequest) (*task.Task, error) {
	req.Description = strings.TrimSpace(req.Description)
	if req.Description == "" {
		return nil, domain.Validationf("description is required")
	}
	if tc.TasksDir == "" {
		tc.TasksDir = s.tasksDir
	}
	if req.TaskID != "" {
		if err := task.ValidateID(req.TaskID); err != nil {
			return nil, err
		}
	}

	for attempt := 1; ; attempt++ {
		id := req.TaskID
		if id == "" {
			var err error
			if id, err = s.tasks.NextID(ctx); err != nil {
				return nil, err
			}
		}
		t, err := s.build(ctx, tc, id, req)
		if err != nil {
			return nil, err
		}
		err = s.locks.Do(id, func() error { return s.tasks.Create(ctx, t) })
		if errors.Is(err, domain.ErrConflict) && req.TaskID == "" && attempt < maxIDAttempts {
			continue
		}
		if err != nil {
			return nil, err
		}

		ctx = logger.WithTaskID(ctx, t.ID)
		slog.InfoContext(ctx, "task initialized", "mode", t.Mode, "reason", t.ModeReason, "chain", t.PhaseChain)
		s.events.Publish(ctx, t, event.TypeTaskCreated, string(t.CurrentPhase), map[string]any{
			"description": t.Description,
			"mode":        t.Mode,
			"phase_chain": t.PhaseChain,
		})
		return t, nil
	}
}

func (s *WorkflowService) build(ctx context.Context, tc task.Context, id string, req InitRequest) (*task.Task, error) {
	eff, err := s.config.Resolve(ctx, tc, id)
	if err != nil {
		return nil, err
	}

	override, layer := req.Mode, settings.LayerRuntime
	if override == "" {
		override, layer = mode.Name(eff.Settings.Mode.Override), "effective"
	}
	det, err := mode.Detect(req.Description, override, req.Files)
	if err != nil {
		return nil, &domain.ConfigError{Layer: layer, Key: "mode.override", Reason: err.Error()}
	}

	chain := mode.Chain(det.Mode)
	now := s.now()
	t := &task.Task{
		ID:             id,
		Description:    req.Description,
		Mode:           det.Mode,
		ModeReason:     det.Reason,
		PhaseChain:     chain,
		CurrentPhase:   chain[0],
		Status:         task.StatusActive,
		ConfigSnapshot: eff.Settings,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := t.Validate(); err != nil {
		return nil, domain.Validationf("task: %v", err)
	}
	return t, nil
}

// GetState returns the stored task.
func (s *WorkflowService) GetState(ctx context.Context, id string) (*task.Task, error) {
	return s.tasks.Load(ctx, id)
}

// List returns every task.
func (s *WorkflowService) List(ctx context.Context) ([]task.Task, error) {
	return s.tasks.List(ctx)
}

// Transition moves the task to target when the phase chain allows it. A
// rejected transition leaves the task untouched.
func (s *WorkflowService) Transition(ctx context.Context, id string, target phase.Phase) (*task.Task, error) {
	return s.mutate(ctx, id, func(t *task.Task, ch *changes) error {
		kind, err := t.CheckTransition(target)
		if err != nil {
			return err
		}
		now := s.now()
		switch kind {
		case task.TransitionRerun:
			t.UpdatedAt = now
			ch.emit(event.TypeTransition, string(target), map[string]any{
				"from": t.CurrentPhase, "to": target, "kind": kind,
			})
		case task.TransitionForward, task.TransitionFinish:
			if t.CurrentPhase == phase.Implementer && t.Progress.IsSet() {
				s.finishImplementation(t, now)
				return nil
			}
			t.Advance(now)
		case task.TransitionLoopBack:
			t.Revise(phase.Developer, nil, now)
		}
		return nil
	})
}

// CompletePhase records the output of an externally executed agent for the
// current phase and runs the same gate the scheduler applies to its own
// invocations.
func (s *WorkflowService) CompletePhase(ctx context.Context, id string, p phase.Phase, out agentbackend.Output) (*task.Task, error) {
	return s.mutate(ctx, id, func(t *task.Task, ch *changes) error {
		if err := checkRunnable(t, p); err != nil {
			return err
		}
		if p != t.CurrentPhase {
			return &domain.PhaseTransitionError{TaskID: t.ID, From: string(t.CurrentPhase), To: string(p),
				Reason: "only the current phase can be completed"}
		}
		if p == phase.Implementer {
			if _, err := t.CheckTransition(t.NextPhase()); err != nil {
				return err
			}
		}
		return s.applyPhaseOutput(ctx, t, ch, p, &out)
	})
}

// ResolveCheckpoint records a decision on the pending checkpoint and moves
// the task accordingly.
func (s *WorkflowService) ResolveCheckpoint(ctx context.Context, id string, d checkpoint.Decision, notes string) (*task.Task, error) {
	return s.mutate(ctx, id, func(t *task.Task, ch *changes) error {
		rec, err := s.gate.Apply(ctx, t, d, notes, s.now())
		if err != nil {
			return err
		}
		slog.InfoContext(ctx, "checkpoint resolved", "checkpoint", rec.Name, "decision", d)
		ch.emit(event.TypeCheckpointResolved, string(rec.Phase), rec)
		return nil
	})
}

// Restart returns the task to the first phase of its chain. A pending
// checkpoint is resolved with a restart decision.
func (s *WorkflowService) Restart(ctx context.Context, id string) (*task.Task, error) {
	return s.mutate(ctx, id, func(t *task.Task, ch *changes) error {
		now := s.now()
		if t.PendingCheckpoint != nil {
			rec, err := s.gate.Apply(ctx, t, checkpoint.Restart, "", now)
			if err != nil {
				return err
			}
			ch.emit(event.TypeCheckpointResolved, string(rec.Phase), rec)
			return nil
		}
		resolveEscalation(t, now)
		t.Restart(now)
		return nil
	})
}

// SetImplementationProgress replaces the implementation plan with steps.
func (s *WorkflowService) SetImplementationProgress(ctx context.Context, id string, steps []string) (*task.Task, error) {
	titles := make([]string, 0, len(steps))
	for _, st := range steps {
		if st = strings.TrimSpace(st); st != "" {
			titles = append(titles, st)
		}
	}
	if len(titles) == 0 {
		return nil, domain.Validationf("at least one step is required")
	}
	return s.mutate(ctx, id, func(t *task.Task, _ *changes) error {
		if err := checkRunnable(t, t.CurrentPhase); err != nil {
			return err
		}
		t.Progress = task.NewProgress(titles)
		t.Loop.RecordSuccess()
		t.UpdatedAt = s.now()
		return nil
	})
}

// CompleteStep marks an implementation step done outside the scheduler. It
// may open a milestone checkpoint; completing the last step opens
// before_commit or advances past the implementer.
func (s *WorkflowService) CompleteStep(ctx context.Context, id string, step int) (*task.Task, error) {
	return s.mutate(ctx, id, func(t *task.Task, ch *changes) error {
		if err := checkRunnable(t, t.CurrentPhase); err != nil {
			return err
		}
		if !t.Progress.IsSet() {
			return domain.Validationf("no implementation plan is set")
		}
		now := s.now()
		crossed, err := t.Progress.Complete(step, t.ConfigSnapshot.Checkpoints.Milestones, now)
		if err != nil {
			return domain.Validationf("%v", err)
		}
		if t.Loop.Step == step {
			t.Loop.RecordSuccess()
		}
		t.UpdatedAt = now
		ch.emit(event.TypeStepCompleted, string(t.CurrentPhase), stepPayload(t, step, 0))

		if len(crossed) > 0 {
			s.openCheckpoint(t, checkpoint.Outcome{
				Phase:     t.CurrentPhase,
				Summary:   fmt.Sprintf("%d%% of implementation steps complete", t.Progress.Percent()),
				Milestone: crossed[len(crossed)-1],
				Step:      step,
			}, now)
			return nil
		}
		if t.Progress.AllDone() && t.CurrentPhase == phase.Implementer {
			s.finishImplementation(t, now)
		}
		return nil
	})
}

// ResumeInfo tells an interrupted caller where a task stands.
type ResumeInfo struct {
	TaskID         string             `json:"task_id"`
	CurrentPhase   phase.Phase        `json:"current_phase"`
	Status         task.Status        `json:"status"`
	Iteration      int                `json:"iteration"`
	NextStep       *task.Step         `json:"next_step,omitempty"`
	CompletedSteps int                `json:"completed_steps"`
	TotalSteps     int                `json:"total_steps"`
	Pending        *checkpoint.Record `json:"pending_checkpoint,omitempty"`
	Escalation     *task.Escalation   `json:"escalation,omitempty"`
	Summary        string             `json:"summary"`
}

// ResumeState reports where id stands without changing it.
func (s *WorkflowService) ResumeState(ctx context.Context, id string) (ResumeInfo, error) {
	t, err := s.tasks.Load(ctx, id)
	if err != nil {
		return ResumeInfo{}, err
	}
	info := ResumeInfo{
		TaskID:         t.ID,
		CurrentPhase:   t.CurrentPhase,
		Status:         t.Status,
		Iteration:      t.Iteration,
		CompletedSteps: t.Progress.CompletedSteps,
		TotalSteps:     t.Progress.TotalSteps,
		Pending:        t.PendingCheckpoint,
		Escalation:     t.OpenEscalation(),
	}
	if next := t.Progress.NextStep(); next != nil {
		st := *next
		info.NextStep = &st
	}

	switch {
	case t.IsComplete():
		info.Summary = "complete"
	case t.Status == task.StatusBlocked:
		info.Summary = "blocked on " + pendingSummary(t.PendingCheckpoint)
	case t.PendingCheckpoint != nil:
		info.Summary = "awaiting decision on " + pendingSummary(t.PendingCheckpoint)
	case t.CurrentPhase == phase.Implementer && info.NextStep != nil:
		info.Summary = fmt.Sprintf("implementer: step %d of %d next (%d done)",
			info.NextStep.Number, info.TotalSteps, info.CompletedSteps)
	default:
		info.Summary = fmt.Sprintf("%s next (iteration %d)", t.CurrentPhase, t.Iteration)
	}
	return info, nil
}

// Resume continues driving a task after an interruption. Completed phases and
// steps are not run again.
func (s *WorkflowService) Resume(ctx context.Context, id string) (*task.Task, error) {
	info, err := s.ResumeState(ctx, id)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(logger.WithTaskID(ctx, id), "resuming task", "summary", info.Summary)
	return s.Run(ctx, id)
}

// changes collects the events of one state change; they are published only
// after the change is persisted.
type changes struct {
	events []pendingEvent
}

type pendingEvent struct {
	typ     event.Type
	phase   string
	payload any
}

func (c *changes) emit(typ event.Type, ph string, payload any) {
	c.events = append(c.events, pendingEvent{typ: typ, phase: ph, payload: payload})
}

// mutate loads id, applies fn to a copy and persists the copy. When fn fails
// nothing is written.
func (s *WorkflowService) mutate(ctx context.Context, id string, fn func(t *task.Task, ch *changes) error) (*task.Task, error) {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	ctx = logger.WithTaskID(ctx, id)
	orig, err := s.tasks.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	work := orig.Clone()
	ch := &changes{}
	if err := fn(work, ch); err != nil {
		return nil, err
	}
	return s.commit(ctx, orig, work, ch)
}

// commit persists work and publishes the collected events plus the
// transitions implied by the difference from orig.
func (s *WorkflowService) commit(ctx context.Context, orig, work *task.Task, ch *changes) (*task.Task, error) {
	if err := work.Validate(); err != nil {
		return nil, fmt.Errorf("task %s: refusing to persist inconsistent state: %w", work.ID, err)
	}
	if err := s.tasks.Save(ctx, work); err != nil {
		return nil, err
	}

	if work.PendingCheckpoint != nil && (orig.PendingCheckpoint == nil || orig.PendingCheckpoint.ID != work.PendingCheckpoint.ID) {
		rec := work.PendingCheckpoint
		slog.InfoContext(ctx, "checkpoint opened", "checkpoint", rec.Name, "kind", rec.Kind, "step", rec.Step)
		ch.emit(event.TypeCheckpointOpened, string(rec.Phase), rec)
	}
	for _, ev := range ch.events {
		s.events.Publish(ctx, work, ev.typ, ev.phase, ev.payload)
	}
	if orig.CurrentPhase != work.CurrentPhase {
		if n := len(work.PhasesCompleted); n > 0 && !slices.Contains(orig.PhasesCompleted, work.PhasesCompleted[n-1]) {
			done := work.PhasesCompleted[n-1]
			s.metrics.PhaseCompleted(ctx, string(done), string(work.Mode))
			s.events.Publish(ctx, work, event.TypePhaseCompleted, string(done), map[string]any{"iteration": orig.Iteration})
		}
		slog.InfoContext(ctx, "phase transition", "from", orig.CurrentPhase, "to", work.CurrentPhase, "iteration", work.Iteration)
		s.events.Publish(ctx, work, event.TypeTransition, string(work.CurrentPhase), map[string]any{
			"from": orig.CurrentPhase, "to": work.CurrentPhase, "iteration": work.Iteration,
		})
	}
	if work.IsComplete() && !orig.IsComplete() {
		s.events.Publish(ctx, work, event.TypeTaskCompleted, string(phase.Complete), nil)
	}
	return work, nil
}

// checkRunnable rejects work on a task that is complete, halted on a
// checkpoint or blocked.
func checkRunnable(t *task.Task, target phase.Phase) error {
	fail := func(reason string) error {
		return &domain.PhaseTransitionError{TaskID: t.ID, From: string(t.CurrentPhase), To: string(target), Reason: reason}
	}
	switch {
	case t.IsComplete():
		return fail("task is complete")
	case t.Status == task.StatusBlocked:
		return fail("task is blocked on an escalation")
	case t.PendingCheckpoint != nil:
		return fail("checkpoint " + t.PendingCheckpoint.Name + " is pending a decision")
	}
	return nil
}

func stepPayload(t *task.Task, step, attempt int) map[string]any {
	p := map[string]any{
		"step":            step,
		"completed_steps": t.Progress.CompletedSteps,
		"total_steps":     t.Progress.TotalSteps,
		"percent":         t.Progress.Percent(),
	}
	if attempt > 0 {
		p["attempt"] = attempt
	}
	return p
}
