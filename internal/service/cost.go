package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	cfotel "github.com/Strob0t/crewflow/internal/adapter/otel"
	"github.com/Strob0t/crewflow/internal/domain"
	"github.com/Strob0t/crewflow/internal/domain/cost"
	"github.com/Strob0t/crewflow/internal/domain/event"
	"github.com/Strob0t/crewflow/internal/domain/task"
	"github.com/Strob0t/crewflow/internal/port/database"
	"github.com/Strob0t/crewflow/internal/port/taskstore"
)

// CostService records agent token usage and aggregates it per task.
type CostService struct {
	store   database.Store
	tasks   taskstore.Store
	events  *EventService
	metrics *cfotel.Metrics
}

// NewCostService creates a new CostService. tasks is used to look up the
// warn_usd threshold of the task an entry belongs to and may be nil.
func NewCostService(store database.Store, tasks taskstore.Store, events *EventService, metrics *cfotel.Metrics) *CostService {
	return &CostService{store: store, tasks: tasks, events: events, metrics: metrics}
}

// Record validates e, fills its derived fields and appends it to the log.
func (s *CostService) Record(ctx context.Context, e *cost.Entry) error {
	if err := e.Validate(); err != nil {
		return domain.Validationf("cost entry: %v", err)
	}
	if err := s.store.AppendCost(ctx, e); err != nil {
		return fmt.Errorf("record cost: %w", err)
	}
	s.metrics.CostRecorded(ctx, e.Model, e.EstimatedCost)

	t := s.lookupTask(ctx, e.TaskID)
	s.events.Publish(ctx, t, event.TypeCostRecorded, e.Phase, e)
	s.checkThreshold(ctx, t, e)
	return nil
}

// Summarize aggregates every entry recorded for taskID.
func (s *CostService) Summarize(ctx context.Context, taskID string) (cost.Summary, error) {
	entries, err := s.store.ListCosts(ctx, taskID)
	if err != nil {
		return cost.Summary{}, fmt.Errorf("summarize costs: %w", err)
	}
	return cost.Summarize(taskID, entries), nil
}

func (s *CostService) lookupTask(ctx context.Context, id string) *task.Task {
	if s.tasks != nil {
		t, err := s.tasks.Load(ctx, id)
		if err == nil {
			return t
		}
		if !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrValidation) {
			slog.WarnContext(ctx, "load task for cost entry", "task_id", id, "error", err)
		}
	}
	return &task.Task{ID: id}
}

// checkThreshold warns once, on the entry that moves the task total past its
// warn_usd setting.
func (s *CostService) checkThreshold(ctx context.Context, t *task.Task, e *cost.Entry) {
	warn := t.ConfigSnapshot.CostTracking.WarnUSD
	if warn <= 0 {
		return
	}
	sum, err := s.Summarize(ctx, e.TaskID)
	if err != nil {
		slog.WarnContext(ctx, "cost threshold check", "task_id", e.TaskID, "error", err)
		return
	}
	after := sum.Total.CostUSD
	before := after - e.EstimatedCost
	if before < warn && after >= warn {
		slog.WarnContext(ctx, "task cost passed warning threshold",
			"task_id", e.TaskID, "total_usd", after, "warn_usd", warn)
	}
}
