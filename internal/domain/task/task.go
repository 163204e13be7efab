// Package task defines the workflow Task entity and its state machine rules.
package task

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"time"

	"github.com/Strob0t/crewflow/internal/domain"
	"github.com/Strob0t/crewflow/internal/domain/checkpoint"
	"github.com/Strob0t/crewflow/internal/domain/loop"
	"github.com/Strob0t/crewflow/internal/domain/mode"
	"github.com/Strob0t/crewflow/internal/domain/phase"
	"github.com/Strob0t/crewflow/internal/domain/settings"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusActive             Status = "active"
	StatusAwaitingCheckpoint Status = "awaiting_checkpoint"
	StatusBlocked            Status = "blocked"
	StatusComplete           Status = "complete"
)

// Severity grades a concern.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Valid reports whether s is one of the known grades.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Task is one unit of work moving through a phase chain.
type Task struct {
	ID                string               `json:"task_id"`
	Description       string               `json:"description"`
	Mode              mode.Name            `json:"mode"`
	ModeReason        string               `json:"mode_reason,omitempty"`
	PhaseChain        []phase.Phase        `json:"phase_chain"`
	CurrentPhase      phase.Phase          `json:"current_phase"`
	PhasesCompleted   []phase.Phase        `json:"phases_completed"`
	Iteration         int                  `json:"iteration"`
	Status            Status               `json:"status"`
	Progress          Progress             `json:"progress"`
	Loop              loop.Tracker         `json:"loop"`
	PendingCheckpoint *checkpoint.Record   `json:"pending_checkpoint"`
	Checkpoints       []checkpoint.Record  `json:"checkpoints,omitempty"`
	Concerns          []Concern            `json:"concerns,omitempty"`
	Feedback          []string             `json:"feedback,omitempty"`
	Outputs           []OutputRef          `json:"outputs,omitempty"`
	Escalations       []Escalation         `json:"escalations,omitempty"`
	Overrides         []Override           `json:"overrides,omitempty"`
	Links             Links                `json:"linked_tasks,omitempty"`
	ConfigSnapshot    settings.Settings    `json:"config_snapshot"`
	Version           int                  `json:"version"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

// Concern is an issue raised by an agent.
type Concern struct {
	ID          string      `json:"id"`
	Source      phase.Phase `json:"source"`
	Severity    Severity    `json:"severity"`
	Description string      `json:"description"`
	Blocking    bool        `json:"blocking"`
	AddressedBy string      `json:"addressed_by,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// OutputRef points at a persisted raw agent output.
type OutputRef struct {
	Phase     phase.Phase `json:"phase"`
	Iteration int         `json:"iteration"`
	Step      int         `json:"step,omitempty"`
	Key       string      `json:"key"`
	CreatedAt time.Time   `json:"created_at"`
}

// Escalation is a recorded, non-fatal halt raised when a retry budget runs out.
type Escalation struct {
	Phase      phase.Phase `json:"phase"`
	Step       int         `json:"step"`
	Reason     string      `json:"reason"`
	Signature  string      `json:"signature,omitempty"`
	Attempts   int         `json:"attempts"`
	CreatedAt  time.Time   `json:"created_at"`
	Resolved   bool        `json:"resolved"`
	ResolvedAt *time.Time  `json:"resolved_at,omitempty"`
}

// Override logs a skip decision.
type Override struct {
	Phase      phase.Phase `json:"phase"`
	Checkpoint string      `json:"checkpoint"`
	Step       int         `json:"step,omitempty"`
	Notes      string      `json:"notes,omitempty"`
	At         time.Time   `json:"at"`
}

// OutputName returns the storage name of an agent output: <phase>-<iteration>
// for a phase, with -step<N>-<attempt> appended for an implementation step.
func OutputName(p phase.Phase, iteration, step, attempt int) string {
	if step == 0 {
		return fmt.Sprintf("%s-%d", p, iteration)
	}
	return fmt.Sprintf("%s-%d-step%02d-%d", p, iteration, step, attempt)
}

// LatestOutput returns the most recent output recorded for p.
func (t *Task) LatestOutput(p phase.Phase) (OutputRef, bool) {
	for i := len(t.Outputs) - 1; i >= 0; i-- {
		if t.Outputs[i].Phase == p {
			return t.Outputs[i], true
		}
	}
	return OutputRef{}, false
}

// Context names the locations an operation works against. It is passed
// explicitly into every operation instead of living in process state.
type Context struct {
	HomeDir    string   `json:"home_dir,omitempty"` // empty = the user's home directory
	ProjectDir string   `json:"project_dir"`
	TasksDir   string   `json:"tasks_dir"`
	Overrides  []string `json:"overrides,omitempty"`
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidateID checks that id is safe to use as a directory name.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return domain.Validationf("invalid task id %q: use letters, digits, '_', '-', '.'", id)
	}
	return nil
}

// Validate checks the structural invariants of a task.
func (t *Task) Validate() error {
	if err := ValidateID(t.ID); err != nil {
		return err
	}
	if t.Description == "" {
		return errors.New("description is required")
	}
	if !t.Mode.Valid() {
		return fmt.Errorf("invalid mode %q", t.Mode)
	}
	if len(t.PhaseChain) == 0 {
		return errors.New("phase_chain is empty")
	}
	cur := t.PhaseIndex(t.CurrentPhase)
	if cur < 0 && t.CurrentPhase != phase.Complete {
		return fmt.Errorf("current_phase %q is not in the phase chain", t.CurrentPhase)
	}
	for _, p := range t.PhasesCompleted {
		idx := t.PhaseIndex(p)
		if idx < 0 {
			return fmt.Errorf("completed phase %q is not in the phase chain", p)
		}
		if t.CurrentPhase != phase.Complete && idx >= cur {
			return fmt.Errorf("completed phase %q has not been transitioned past", p)
		}
	}
	// A blocked task waits on its escalation checkpoint.
	halted := t.Status == StatusAwaitingCheckpoint || t.Status == StatusBlocked
	if (t.PendingCheckpoint != nil) != halted {
		return fmt.Errorf("status %s inconsistent with pending checkpoint", t.Status)
	}
	if t.Status == StatusComplete && t.CurrentPhase != phase.Complete {
		return errors.New("complete task must be at the complete marker")
	}
	return nil
}

// PhaseIndex returns p's position in the chain, or -1.
func (t *Task) PhaseIndex(p phase.Phase) int {
	return slices.Index(t.PhaseChain, p)
}

// NextPhase returns the phase after the current one, or Complete.
func (t *Task) NextPhase() phase.Phase {
	i := t.PhaseIndex(t.CurrentPhase)
	if i < 0 || i+1 >= len(t.PhaseChain) {
		return phase.Complete
	}
	return t.PhaseChain[i+1]
}

// IsComplete reports whether the task reached the terminal marker.
func (t *Task) IsComplete() bool {
	return t.CurrentPhase == phase.Complete
}

// OpenEscalation returns the unresolved escalation, if any.
func (t *Task) OpenEscalation() *Escalation {
	for i := len(t.Escalations) - 1; i >= 0; i-- {
		if !t.Escalations[i].Resolved {
			return &t.Escalations[i]
		}
	}
	return nil
}

// OpenConcerns returns concerns not yet addressed.
func (t *Task) OpenConcerns() []Concern {
	var out []Concern
	for _, c := range t.Concerns {
		if c.AddressedBy == "" {
			out = append(out, c)
		}
	}
	return out
}

// AddConcern assigns the next concern id and appends c.
func (t *Task) AddConcern(c Concern) Concern {
	c.ID = fmt.Sprintf("C%03d", len(t.Concerns)+1)
	if !c.Severity.Valid() {
		c.Severity = SeverityMedium
	}
	if c.Severity == SeverityCritical {
		c.Blocking = true
	}
	t.Concerns = append(t.Concerns, c)
	return c
}

// AddressConcern marks concern id as addressed by by. A concern that is
// already addressed keeps its first resolver.
func (t *Task) AddressConcern(id, by string) (Concern, error) {
	for i := range t.Concerns {
		c := &t.Concerns[i]
		if c.ID != id {
			continue
		}
		if c.AddressedBy == "" {
			c.AddressedBy = by
		}
		return *c, nil
	}
	return Concern{}, fmt.Errorf("concern %s not found", id)
}

// AddressConcerns marks every open concern as addressed by p.
func (t *Task) AddressConcerns(p phase.Phase) {
	for i := range t.Concerns {
		if t.Concerns[i].AddressedBy == "" {
			t.Concerns[i].AddressedBy = string(p)
		}
	}
}

// Clone returns a deep copy suitable for speculative mutation.
func (t *Task) Clone() *Task {
	c := *t
	c.PhaseChain = slices.Clone(t.PhaseChain)
	c.PhasesCompleted = slices.Clone(t.PhasesCompleted)
	c.Progress = t.Progress.clone()
	if t.PendingCheckpoint != nil {
		pc := *t.PendingCheckpoint
		c.PendingCheckpoint = &pc
	}
	c.Checkpoints = slices.Clone(t.Checkpoints)
	c.Concerns = slices.Clone(t.Concerns)
	c.Feedback = slices.Clone(t.Feedback)
	c.Outputs = slices.Clone(t.Outputs)
	c.Escalations = slices.Clone(t.Escalations)
	c.Overrides = slices.Clone(t.Overrides)
	c.Links = t.Links.clone()
	c.ConfigSnapshot.Checkpoints.Milestones = slices.Clone(t.ConfigSnapshot.Checkpoints.Milestones)
	return &c
}
