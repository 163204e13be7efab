package messagequeue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects outside the crewflow
// prefix pass validation.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	switch {
	case subject == SubjectCommandDecide:
		var p DecideCommandPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.TaskID == "" || p.Decision == "" {
			return fmt.Errorf("schema validation failed for %s: %w", subject, errors.New("task_id and decision are required"))
		}
	case subject == SubjectCommandRestart:
		var p RestartCommandPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.TaskID == "" {
			return fmt.Errorf("schema validation failed for %s: %w", subject, errors.New("task_id is required"))
		}
	case strings.HasPrefix(subject, SubjectPrefix+".") && strings.Contains(subject, ".workflow."):
		var e EventEnvelope
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if e.TaskID == "" || e.Type == "" {
			return fmt.Errorf("schema validation failed for %s: %w", subject, errors.New("task_id and type are required"))
		}
	}
	return nil
}
