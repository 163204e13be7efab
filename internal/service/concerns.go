package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/Strob0t/crewflow/internal/domain"
	"github.com/Strob0t/crewflow/internal/domain/event"
	"github.com/Strob0t/crewflow/internal/domain/phase"
	"github.com/Strob0t/crewflow/internal/domain/task"
)

// ConcernRequest is a concern raised outside an agent run.
type ConcernRequest struct {
	Source      phase.Phase   `json:"source"`
	Severity    task.Severity `json:"severity,omitempty"`
	Description string        `json:"description"`
	Blocking    bool          `json:"blocking,omitempty"`
}

// AddConcern records a concern on id. An unknown severity is stored as
// medium; critical concerns always block.
func (s *WorkflowService) AddConcern(ctx context.Context, id string, req ConcernRequest) (task.Concern, error) {
	req.Description = strings.TrimSpace(req.Description)
	if req.Description == "" {
		return task.Concern{}, domain.Validationf("description is required")
	}
	req.Source = phase.Normalize(string(req.Source))
	if !req.Source.Valid() {
		return task.Concern{}, domain.Validationf("unknown source phase %q", req.Source)
	}
	var added task.Concern
	_, err := s.mutate(ctx, id, func(t *task.Task, ch *changes) error {
		now := s.now()
		added = t.AddConcern(task.Concern{
			Source:      req.Source,
			Severity:    task.Severity(strings.ToLower(string(req.Severity))),
			Description: req.Description,
			Blocking:    req.Blocking,
			CreatedAt:   now,
		})
		t.UpdatedAt = now
		ch.emit(event.TypeConcernAdded, string(req.Source), added)
		return nil
	})
	return added, err
}

// AddressConcern marks one concern of id as addressed by by.
func (s *WorkflowService) AddressConcern(ctx context.Context, id, concernID, by string) (task.Concern, error) {
	by = strings.TrimSpace(by)
	if by == "" {
		return task.Concern{}, domain.Validationf("addressed_by is required")
	}
	var got task.Concern
	_, err := s.mutate(ctx, id, func(t *task.Task, ch *changes) error {
		c, err := t.AddressConcern(concernID, by)
		if err != nil {
			return fmt.Errorf("concern %s: %w", concernID, domain.ErrNotFound)
		}
		got = c
		t.UpdatedAt = s.now()
		ch.emit(event.TypeConcernAddressed, string(c.Source), c)
		return nil
	})
	return got, err
}

// ConcernList is the concerns of one task.
type ConcernList struct {
	TaskID           string         `json:"task_id"`
	Concerns         []task.Concern `json:"concerns"`
	Total            int            `json:"total"`
	UnaddressedCount int            `json:"unaddressed_count"`
}

// Concerns lists the concerns of id, only the open ones when unaddressedOnly.
func (s *WorkflowService) Concerns(ctx context.Context, id string, unaddressedOnly bool) (ConcernList, error) {
	t, err := s.tasks.Load(ctx, id)
	if err != nil {
		return ConcernList{}, err
	}
	open := t.OpenConcerns()
	list := ConcernList{TaskID: t.ID, Concerns: t.Concerns, UnaddressedCount: len(open)}
	if unaddressedOnly {
		list.Concerns = open
	}
	if list.Concerns == nil {
		list.Concerns = []task.Concern{}
	}
	list.Total = len(list.Concerns)
	return list, nil
}
