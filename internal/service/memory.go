package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/Strob0t/crewflow/internal/domain"
	"github.com/Strob0t/crewflow/internal/domain/event"
	"github.com/Strob0t/crewflow/internal/domain/memory"
	"github.com/Strob0t/crewflow/internal/domain/settings"
	"github.com/Strob0t/crewflow/internal/domain/task"
	"github.com/Strob0t/crewflow/internal/port/database"
)

// MemoryService records discoveries and retrieves them for later tasks.
type MemoryService struct {
	store  database.Store
	events *EventService
	config *ConfigService
	tc     task.Context
}

// NewMemoryService creates a MemoryService over the discovery log.
func NewMemoryService(store database.Store, events *EventService) *MemoryService {
	return &MemoryService{store: store, events: events}
}

// UseConfig makes searches without an explicit limit take memory.max_results
// from the configuration resolved under tc. Without it the built-in default
// applies.
func (s *MemoryService) UseConfig(cfg *ConfigService, tc task.Context) {
	s.config = cfg
	s.tc = tc
}

// Save validates d and appends it to the log.
func (s *MemoryService) Save(ctx context.Context, d *memory.Discovery) error {
	if err := d.Validate(); err != nil {
		return domain.Validationf("discovery: %v", err)
	}
	if err := s.store.AppendDiscovery(ctx, d); err != nil {
		return fmt.Errorf("save discovery: %w", err)
	}
	slog.DebugContext(ctx, "discovery saved", "task_id", d.TaskID, "category", d.Category, "seq", d.Seq)
	s.events.Publish(ctx, &task.Task{ID: d.TaskID}, event.TypeDiscoverySaved, "", d)
	return nil
}

// Query returns the discoveries matching f in insertion order.
func (s *MemoryService) Query(ctx context.Context, f memory.Filter) ([]memory.Discovery, error) {
	if f.Category != "" && !slices.Contains(memory.ValidCategories, f.Category) {
		return nil, domain.Validationf("invalid category %q", f.Category)
	}
	all, err := s.store.ListDiscoveries(ctx, f.TaskID)
	if err != nil {
		return nil, fmt.Errorf("list discoveries: %w", err)
	}
	var out []memory.Discovery
	for i := range all {
		if f.Match(&all[i]) {
			out = append(out, all[i])
		}
	}
	return out, nil
}

// Flush returns the whole log of taskID, or the global log when empty,
// grouped by category.
func (s *MemoryService) Flush(ctx context.Context, taskID string) (memory.Flush, error) {
	entries, err := s.store.ListDiscoveries(ctx, taskID)
	if err != nil {
		return memory.Flush{}, fmt.Errorf("flush discoveries: %w", err)
	}
	return memory.NewFlush(taskID, entries), nil
}

// Search ranks discoveries across tasks by keyword relevance. A zero
// MaxResults is replaced by the configured memory.max_results.
func (s *MemoryService) Search(ctx context.Context, req memory.SearchRequest) ([]memory.ScoredDiscovery, error) {
	if req.MaxResults < 0 {
		return nil, domain.Validationf("max_results must be >= 0")
	}
	if req.MaxResults == 0 {
		req.MaxResults = s.maxResults(ctx)
	}
	all, err := s.store.ListDiscoveries(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("search discoveries: %w", err)
	}
	return memory.Rank(all, req), nil
}

func (s *MemoryService) maxResults(ctx context.Context) int {
	if s.config == nil {
		return settings.Defaults().Memory.MaxResults
	}
	eff, err := s.config.Resolve(ctx, s.tc, "")
	if err != nil {
		slog.WarnContext(ctx, "memory search falls back to default limit", "error", err)
		return settings.Defaults().Memory.MaxResults
	}
	return eff.Settings.Memory.MaxResults
}

// Relevant returns up to limit discoveries related to t's description, for an
// agent context bundle. Lookup failures degrade to no discoveries.
func (s *MemoryService) Relevant(ctx context.Context, t *task.Task, limit int) []memory.Discovery {
	if s == nil || limit <= 0 {
		return nil
	}
	scored, err := s.Search(ctx, memory.SearchRequest{Query: t.Description, MaxResults: limit})
	if err != nil {
		slog.WarnContext(ctx, "discovery lookup failed", "task_id", t.ID, "error", err)
		return nil
	}
	out := make([]memory.Discovery, len(scored))
	for i := range scored {
		out[i] = scored[i].Discovery
	}
	return out
}

// RecordErrorPattern logs one sighting of an error signature and returns the
// pattern it folds into. created reports whether the signature was new.
func (s *MemoryService) RecordErrorPattern(ctx context.Context, sighting *memory.PatternSighting) (memory.ErrorPattern, bool, error) {
	if err := sighting.Validate(); err != nil {
		return memory.ErrorPattern{}, false, domain.Validationf("error pattern: %v", err)
	}
	if err := s.store.AppendErrorPattern(ctx, sighting); err != nil {
		return memory.ErrorPattern{}, false, fmt.Errorf("record error pattern: %w", err)
	}
	patterns, err := s.errorPatterns(ctx)
	if err != nil {
		return memory.ErrorPattern{}, false, err
	}
	i := slices.IndexFunc(patterns, func(p memory.ErrorPattern) bool { return p.Signature == sighting.Signature })
	if i < 0 {
		return memory.ErrorPattern{}, false, fmt.Errorf("error pattern %q missing after append", sighting.Signature)
	}
	p := patterns[i]
	slog.DebugContext(ctx, "error pattern recorded", "signature", p.Signature, "times_seen", p.TimesSeen)
	return p, p.TimesSeen == 1, nil
}

// ErrorMatch is the result of matching an error output against the library.
type ErrorMatch struct {
	Matches       []memory.PatternMatch `json:"matches"`
	Count         int                   `json:"count"`
	TotalPatterns int                   `json:"total_patterns"`
}

// MatchError looks output up in the error pattern library. A zero
// minConfidence means memory.DefaultMinConfidence.
func (s *MemoryService) MatchError(ctx context.Context, output string, minConfidence float64) (ErrorMatch, error) {
	if minConfidence < 0 || minConfidence > 1 {
		return ErrorMatch{}, domain.Validationf("min_confidence must be between 0 and 1")
	}
	if minConfidence == 0 {
		minConfidence = memory.DefaultMinConfidence
	}
	patterns, err := s.errorPatterns(ctx)
	if err != nil {
		return ErrorMatch{}, err
	}
	matches, count := memory.MatchPatterns(patterns, output, minConfidence)
	return ErrorMatch{Matches: matches, Count: count, TotalPatterns: len(patterns)}, nil
}

// KnownFixes returns library matches for a failed step's output, for an agent
// context bundle. Lookup failures degrade to no matches.
func (s *MemoryService) KnownFixes(ctx context.Context, output string) []memory.PatternMatch {
	if s == nil || strings.TrimSpace(output) == "" {
		return nil
	}
	m, err := s.MatchError(ctx, output, 0)
	if err != nil {
		slog.WarnContext(ctx, "error pattern lookup failed", "error", err)
		return nil
	}
	return m.Matches
}

func (s *MemoryService) errorPatterns(ctx context.Context) ([]memory.ErrorPattern, error) {
	log, err := s.store.ListErrorPatterns(ctx)
	if err != nil {
		return nil, fmt.Errorf("list error patterns: %w", err)
	}
	return memory.FoldPatterns(log), nil
}
