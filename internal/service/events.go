package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Strob0t/crewflow/internal/domain/event"
	"github.com/Strob0t/crewflow/internal/domain/task"
	"github.com/Strob0t/crewflow/internal/port/broadcast"
	"github.com/Strob0t/crewflow/internal/port/messagequeue"
)

// EventService publishes workflow events. Connected websocket clients always
// receive them; the message queue only for tasks whose settings enable the
// events integration. Both sinks are optional and best effort: a publish
// failure is logged and never fails the state change that produced it.
type EventService struct {
	queue messagequeue.Queue
	hub   broadcast.Broadcaster
	now   func() time.Time
}

// NewEventService creates an EventService. Either sink may be nil.
func NewEventService(queue messagequeue.Queue, hub broadcast.Broadcaster) *EventService {
	return &EventService{queue: queue, hub: hub, now: time.Now}
}

// Publish emits one event about t.
func (s *EventService) Publish(ctx context.Context, t *task.Task, typ event.Type, ph string, payload any) {
	if s == nil {
		return
	}
	ev := event.New(t.ID, typ, ph, payload, s.now().UTC())

	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, string(typ), ev)
	}
	if s.queue == nil || !t.ConfigSnapshot.Integrations.Events {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		slog.ErrorContext(ctx, "marshal workflow event", "type", typ, "error", err)
		return
	}
	if err := s.queue.Publish(ctx, ev.Subject(messagequeue.SubjectPrefix), data); err != nil {
		slog.WarnContext(ctx, "publish workflow event", "type", typ, "task_id", t.ID, "error", err)
	}
}
