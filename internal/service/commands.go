package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Strob0t/crewflow/internal/domain"
	"github.com/Strob0t/crewflow/internal/domain/checkpoint"
	"github.com/Strob0t/crewflow/internal/port/messagequeue"
)

// StartCommandSubscriber applies checkpoint decisions and restarts published
// on the command subjects. Commands naming an unknown task or carrying an
// invalid decision are logged and dropped; other failures are returned so the
// queue redelivers them.
func (s *WorkflowService) StartCommandSubscriber(ctx context.Context, queue messagequeue.Queue) (cancel func(), err error) {
	cancelDecide, err := queue.Subscribe(ctx, messagequeue.SubjectCommandDecide, func(msgCtx context.Context, _ string, data []byte) error {
		var cmd messagequeue.DecideCommandPayload
		if err := json.Unmarshal(data, &cmd); err != nil {
			return fmt.Errorf("unmarshal decide command: %w", err)
		}
		_, err := s.ResolveCheckpoint(msgCtx, cmd.TaskID, checkpoint.Decision(cmd.Decision), cmd.Notes)
		return commandResult(msgCtx, "decide", cmd.TaskID, err)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe decide: %w", err)
	}

	cancelRestart, err := queue.Subscribe(ctx, messagequeue.SubjectCommandRestart, func(msgCtx context.Context, _ string, data []byte) error {
		var cmd messagequeue.RestartCommandPayload
		if err := json.Unmarshal(data, &cmd); err != nil {
			return fmt.Errorf("unmarshal restart command: %w", err)
		}
		_, err := s.Restart(msgCtx, cmd.TaskID)
		return commandResult(msgCtx, "restart", cmd.TaskID, err)
	})
	if err != nil {
		cancelDecide()
		return nil, fmt.Errorf("subscribe restart: %w", err)
	}

	return func() {
		cancelDecide()
		cancelRestart()
	}, nil
}

func commandResult(ctx context.Context, command, taskID string, err error) error {
	switch {
	case err == nil:
		slog.InfoContext(ctx, "command applied", "command", command, "task_id", taskID)
		return nil
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrValidation):
		slog.WarnContext(ctx, "command rejected", "command", command, "task_id", taskID, "error", err)
		return nil
	default:
		return err
	}
}
