package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/Strob0t/crewflow/internal/domain"
	"github.com/Strob0t/crewflow/internal/domain/event"
	"github.com/Strob0t/crewflow/internal/domain/memory"
	"github.com/Strob0t/crewflow/internal/domain/task"
)

// linkedMemoryLimit caps the discoveries returned per linked task.
const linkedMemoryLimit = 10

// LinkResult reports what LinkTasks changed.
type LinkResult struct {
	TaskID  string     `json:"task_id"`
	Links   task.Links `json:"linked_tasks"`
	Added   []string   `json:"new_links"`
	Invalid []string   `json:"invalid_tasks,omitempty"`
}

// LinkTasks links id to each of related under rel and records the inverse
// relationship on the other side. Ids that do not name an existing task, or
// name id itself, are reported as invalid; at least one must be valid.
func (s *WorkflowService) LinkTasks(ctx context.Context, id string, related []string, rel task.Relationship) (LinkResult, error) {
	if rel == "" {
		rel = task.RelRelated
	}
	if !rel.Valid() {
		return LinkResult{}, domain.Validationf("invalid relationship %q: must be one of %v", rel, task.LinkRelationships)
	}
	if _, err := s.tasks.Load(ctx, id); err != nil {
		return LinkResult{}, err
	}

	var valid, invalid []string
	for _, other := range related {
		if slices.Contains(valid, other) {
			continue
		}
		if other == id || task.ValidateID(other) != nil {
			invalid = append(invalid, other)
			continue
		}
		if _, err := s.tasks.Load(ctx, other); err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				return LinkResult{}, err
			}
			invalid = append(invalid, other)
			continue
		}
		valid = append(valid, other)
	}
	if len(valid) == 0 {
		return LinkResult{}, domain.Validationf("no valid related tasks (invalid: %v)", invalid)
	}

	res := LinkResult{TaskID: id, Invalid: invalid}
	t, err := s.mutate(ctx, id, func(t *task.Task, ch *changes) error {
		res.Added = t.Links.Add(rel, valid...)
		if len(res.Added) > 0 {
			t.UpdatedAt = s.now()
			ch.emit(event.TypeTasksLinked, "", map[string]any{"relationship": rel, "task_ids": res.Added})
		}
		return nil
	})
	if err != nil {
		return LinkResult{}, err
	}
	res.Links = t.Links
	if res.Added == nil {
		res.Added = []string{}
	}

	inverse := rel.Inverse()
	for _, other := range res.Added {
		_, err := s.mutate(ctx, other, func(o *task.Task, ch *changes) error {
			if added := o.Links.Add(inverse, id); len(added) > 0 {
				o.UpdatedAt = s.now()
				ch.emit(event.TypeTasksLinked, "", map[string]any{"relationship": inverse, "task_ids": added})
			}
			return nil
		})
		if err != nil {
			return res, fmt.Errorf("link %s back to %s: %w", other, id, err)
		}
	}
	slog.InfoContext(ctx, "tasks linked", "task_id", id, "relationship", rel, "added", res.Added)
	return res, nil
}

// LinkedTasks is the link view of one task.
type LinkedTasks struct {
	TaskID   string                        `json:"task_id"`
	Links    task.Links                    `json:"linked_tasks"`
	Memories map[string][]memory.Discovery `json:"linked_memories,omitempty"`
}

// LinkedTasks returns the links of id and, with includeMemories, the latest
// discoveries of every linked task.
func (s *WorkflowService) LinkedTasks(ctx context.Context, id string, includeMemories bool) (LinkedTasks, error) {
	t, err := s.tasks.Load(ctx, id)
	if err != nil {
		return LinkedTasks{}, err
	}
	out := LinkedTasks{TaskID: t.ID, Links: t.Links}
	if out.Links == nil {
		out.Links = task.Links{}
	}
	if !includeMemories || s.memory == nil {
		return out, nil
	}

	out.Memories = map[string][]memory.Discovery{}
	for _, other := range t.Links.IDs() {
		entries, err := s.memory.Query(ctx, memory.Filter{TaskID: other})
		if err != nil {
			return LinkedTasks{}, err
		}
		if len(entries) > linkedMemoryLimit {
			entries = entries[len(entries)-linkedMemoryLimit:]
		}
		if len(entries) > 0 {
			out.Memories[other] = entries
		}
	}
	return out, nil
}
