// Package taskstore defines the port for durable task state.
package taskstore

import (
	"context"

	"github.com/Strob0t/crewflow/internal/domain/task"
)

// Store persists tasks and their phase outputs.
//
// Save is atomic: a reader observes either the previous or the new state,
// never a partial one. Save rejects a task whose Version does not match the
// stored one with domain.ErrConflict and increments Version on success.
type Store interface {
	Create(ctx context.Context, t *task.Task) error
	Load(ctx context.Context, id string) (*task.Task, error)
	Save(ctx context.Context, t *task.Task) error
	List(ctx context.Context) ([]task.Task, error)

	// SaveOutput stores an agent output under name (see task.OutputName)
	// and returns its key.
	SaveOutput(ctx context.Context, id, name, content string) (string, error)
	LoadOutput(ctx context.Context, id, key string) (string, error)

	// NextID returns the next free sequential id (TASK_001, TASK_002, ...).
	NextID(ctx context.Context) (string, error)
}
