package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/Strob0t/crewflow/internal/domain/event"
	"github.com/Strob0t/crewflow/internal/domain/settings"
	"github.com/Strob0t/crewflow/internal/domain/task"
	"github.com/Strob0t/crewflow/internal/port/messagequeue"
)

type published struct {
	subject string
	data    []byte
}

type fakeQueue struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (q *fakeQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.msgs = append(q.msgs, published{subject: subject, data: data})
	return nil
}

func (q *fakeQueue) Subscribe(context.Context, string, messagequeue.Handler) (func(), error) {
	return func() {}, nil
}
func (q *fakeQueue) Drain() error      { return nil }
func (q *fakeQueue) Close() error      { return nil }
func (q *fakeQueue) IsConnected() bool { return true }

type fakeHub struct {
	mu     sync.Mutex
	types  []string
	events []event.WorkflowEvent
}

func (h *fakeHub) BroadcastEvent(_ context.Context, eventType string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.types = append(h.types, eventType)
	if ev, ok := payload.(event.WorkflowEvent); ok {
		h.events = append(h.events, ev)
	}
}

func eventsTask(enabled bool) *task.Task {
	s := settings.Defaults()
	s.Integrations.Events = enabled
	return &task.Task{ID: "TASK_001", ConfigSnapshot: s}
}

func TestPublishSubjectAndGate(t *testing.T) {
	ctx := context.Background()
	q := &fakeQueue{}
	hub := &fakeHub{}
	svc := NewEventService(q, hub)

	svc.Publish(ctx, eventsTask(true), event.TypeTransition, "developer", map[string]any{"from": "architect"})
	svc.Publish(ctx, eventsTask(false), event.TypeTransition, "reviewer", nil)

	if len(q.msgs) != 1 {
		t.Fatalf("queued %d messages, want 1", len(q.msgs))
	}
	if q.msgs[0].subject != "crewflow.TASK_001.workflow.transition" {
		t.Fatalf("subject = %q", q.msgs[0].subject)
	}
	var ev event.WorkflowEvent
	if err := json.Unmarshal(q.msgs[0].data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.TaskID != "TASK_001" || ev.Phase != "developer" || ev.ID == "" {
		t.Fatalf("event = %+v", ev)
	}

	if len(hub.types) != 2 {
		t.Fatalf("hub received %d events, want 2 regardless of the integration toggle", len(hub.types))
	}
}

func TestPublishFailureIsNotFatal(t *testing.T) {
	q := &fakeQueue{err: errors.New("nats: connection closed")}
	hub := &fakeHub{}
	NewEventService(q, hub).Publish(context.Background(), eventsTask(true), event.TypeTaskCompleted, "complete", nil)
	if len(hub.types) != 1 {
		t.Fatal("hub not notified when the queue fails")
	}
}

func TestNilEventServiceIsNoop(t *testing.T) {
	var svc *EventService
	svc.Publish(context.Background(), eventsTask(true), event.TypeTaskCreated, "", nil)
}

func TestWorkflowPublishesAfterSave(t *testing.T) {
	ctx := context.Background()
	hub := &fakeHub{}
	env := newEnv(t, planAgent("one"), passing())
	env.svc.events = NewEventService(nil, hub)

	tk := env.init(t, turboTask)
	if _, err := env.svc.Transition(ctx, tk.ID, "implementer"); err != nil {
		t.Fatal(err)
	}

	want := []string{
		string(event.TypeTaskCreated),
		string(event.TypePhaseCompleted),
		string(event.TypeTransition),
	}
	if len(hub.types) != len(want) {
		t.Fatalf("events = %v, want %v", hub.types, want)
	}
	for i := range want {
		if hub.types[i] != want[i] {
			t.Fatalf("events = %v, want %v", hub.types, want)
		}
	}
}
