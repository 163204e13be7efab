// Package database defines the port for the append-only discovery, cost and
// error pattern logs.
package database

import (
	"context"

	"github.com/Strob0t/crewflow/internal/domain/cost"
	"github.com/Strob0t/crewflow/internal/domain/memory"
)

// Store is the port interface for the shared logs. Appends assign
// ID (when empty), Seq and Timestamp (when zero); lists return entries in
// insertion order. Concurrent appends never lose or interleave entries.
type Store interface {
	AppendDiscovery(ctx context.Context, d *memory.Discovery) error
	// ListDiscoveries returns entries for taskID, or all entries when empty.
	ListDiscoveries(ctx context.Context, taskID string) ([]memory.Discovery, error)

	AppendCost(ctx context.Context, e *cost.Entry) error
	ListCosts(ctx context.Context, taskID string) ([]cost.Entry, error)

	// Error pattern sightings are global; callers fold them by signature.
	AppendErrorPattern(ctx context.Context, s *memory.PatternSighting) error
	ListErrorPatterns(ctx context.Context) ([]memory.PatternSighting, error)

	Close() error
}
