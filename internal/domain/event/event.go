// Package event defines the workflow events published on every task state
// change.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of workflow event.
type Type string

const (
	TypeTaskCreated        Type = "workflow.task.created"
	TypePhaseStarted       Type = "workflow.phase.started"
	TypePhaseCompleted     Type = "workflow.phase.completed"
	TypeTransition         Type = "workflow.transition"
	TypeCheckpointOpened   Type = "workflow.checkpoint.opened"
	TypeCheckpointResolved Type = "workflow.checkpoint.resolved"
	TypeStepCompleted      Type = "workflow.step.completed"
	TypeStepFailed         Type = "workflow.step.failed"
	TypeEscalation         Type = "workflow.escalation"
	TypeTaskCompleted      Type = "workflow.task.completed"
	TypeDiscoverySaved     Type = "workflow.discovery.saved"
	TypeCostRecorded       Type = "workflow.cost.recorded"
	TypeConcernAdded       Type = "workflow.concern.added"
	TypeConcernAddressed   Type = "workflow.concern.addressed"
	TypeTasksLinked        Type = "workflow.tasks.linked"
)

// WorkflowEvent is a single immutable record of something that happened to a
// task.
type WorkflowEvent struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	Type      Type            `json:"type"`
	Phase     string          `json:"phase,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// New builds an event with a fresh id. A payload that fails to marshal is
// dropped rather than failing the state change that produced it.
func New(taskID string, t Type, ph string, payload any, now time.Time) WorkflowEvent {
	ev := WorkflowEvent{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Type:      t,
		Phase:     ph,
		CreatedAt: now,
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

// Subject returns the message queue subject for the event, e.g.
// "crewflow.TASK_001.workflow.transition".
func (e WorkflowEvent) Subject(prefix string) string {
	return prefix + "." + e.TaskID + "." + string(e.Type)
}
