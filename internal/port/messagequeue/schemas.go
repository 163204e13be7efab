package messagequeue

// DecideCommandPayload is the schema for crewflow.commands.decide messages:
// a checkpoint decision delivered from outside the process.
type DecideCommandPayload struct {
	TaskID   string `json:"task_id"`
	Decision string `json:"decision"`
	Notes    string `json:"notes,omitempty"`
}

// RestartCommandPayload is the schema for crewflow.commands.restart messages.
type RestartCommandPayload struct {
	TaskID string `json:"task_id"`
}

// EventEnvelope is the minimal shape every workflow event must have.
type EventEnvelope struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`
	Type   string `json:"type"`
}
