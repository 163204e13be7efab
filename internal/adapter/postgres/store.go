package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/crewflow/internal/domain/cost"
	"github.com/Strob0t/crewflow/internal/domain/memory"
)

// Store implements database.Store using PostgreSQL. Insertion order is the
// BIGSERIAL seq column.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Discoveries ---

func (s *Store) AppendDiscovery(ctx context.Context, d *memory.Discovery) error {
	const q = `
		INSERT INTO discoveries (id, task_id, category, content, tags, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING seq`

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx, q,
		d.ID, d.TaskID, string(d.Category), d.Content, pgTextArray(d.Tags), d.Timestamp,
	).Scan(&d.Seq)
	if err != nil {
		return fmt.Errorf("insert discovery: %w", err)
	}
	return nil
}

func (s *Store) ListDiscoveries(ctx context.Context, taskID string) ([]memory.Discovery, error) {
	const q = `
		SELECT seq, id, task_id, category, content, tags, created_at
		FROM discoveries
		WHERE $1 = '' OR task_id = $1
		ORDER BY seq`

	rows, err := s.pool.Query(ctx, q, taskID)
	if err != nil {
		return nil, fmt.Errorf("list discoveries: %w", err)
	}
	defer rows.Close()

	var result []memory.Discovery
	for rows.Next() {
		var d memory.Discovery
		var category string
		if err := rows.Scan(&d.Seq, &d.ID, &d.TaskID, &category, &d.Content, &d.Tags, &d.Timestamp); err != nil {
			return nil, fmt.Errorf("scan discovery: %w", err)
		}
		d.Category = memory.Category(category)
		d.Tags = nilIfEmpty(d.Tags)
		result = append(result, d)
	}
	return result, rows.Err()
}

// --- Costs ---

func (s *Store) AppendCost(ctx context.Context, e *cost.Entry) error {
	const q = `
		INSERT INTO cost_entries (id, task_id, phase, agent, model, input_tokens, output_tokens,
			compaction_tokens, tokens, estimated_cost, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING seq`

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx, q,
		e.ID, e.TaskID, e.Phase, e.Agent, e.Model, e.InputTokens, e.OutputTokens,
		e.CompactionTokens, e.Tokens, e.EstimatedCost, e.DurationMS, e.Timestamp,
	).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("insert cost entry: %w", err)
	}
	return nil
}

func (s *Store) ListCosts(ctx context.Context, taskID string) ([]cost.Entry, error) {
	const q = `
		SELECT seq, id, task_id, phase, agent, model, input_tokens, output_tokens,
			compaction_tokens, tokens, estimated_cost, duration_ms, created_at
		FROM cost_entries
		WHERE $1 = '' OR task_id = $1
		ORDER BY seq`

	rows, err := s.pool.Query(ctx, q, taskID)
	if err != nil {
		return nil, fmt.Errorf("list cost entries: %w", err)
	}
	defer rows.Close()

	var result []cost.Entry
	for rows.Next() {
		var e cost.Entry
		if err := rows.Scan(
			&e.Seq, &e.ID, &e.TaskID, &e.Phase, &e.Agent, &e.Model, &e.InputTokens, &e.OutputTokens,
			&e.CompactionTokens, &e.Tokens, &e.EstimatedCost, &e.DurationMS, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan cost entry: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// --- Error patterns ---

func (s *Store) AppendErrorPattern(ctx context.Context, p *memory.PatternSighting) error {
	const q = `
		INSERT INTO error_pattern_sightings (id, signature, type, solution, tags, task_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq`

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx, q,
		p.ID, p.Signature, p.Type, p.Solution, pgTextArray(p.Tags), p.TaskID, p.Timestamp,
	).Scan(&p.Seq)
	if err != nil {
		return fmt.Errorf("insert error pattern: %w", err)
	}
	return nil
}

func (s *Store) ListErrorPatterns(ctx context.Context) ([]memory.PatternSighting, error) {
	const q = `
		SELECT seq, id, signature, type, solution, tags, task_id, created_at
		FROM error_pattern_sightings
		ORDER BY seq`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list error patterns: %w", err)
	}
	defer rows.Close()

	var result []memory.PatternSighting
	for rows.Next() {
		var p memory.PatternSighting
		if err := rows.Scan(&p.Seq, &p.ID, &p.Signature, &p.Type, &p.Solution, &p.Tags, &p.TaskID, &p.Timestamp); err != nil {
			return nil, fmt.Errorf("scan error pattern: %w", err)
		}
		p.Tags = nilIfEmpty(p.Tags)
		result = append(result, p)
	}
	return result, rows.Err()
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
