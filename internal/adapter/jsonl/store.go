// Package jsonl implements the database port on append-only JSON Lines files:
// one log each for discoveries, cost entries and error pattern sightings.
package jsonl

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/crewflow/internal/domain/cost"
	"github.com/Strob0t/crewflow/internal/domain/memory"
)

const (
	discoveriesFile = "discoveries.jsonl"
	costsFile       = "costs.jsonl"
	patternsFile    = "error_patterns.jsonl"
)

// Store keeps the logs under a single directory.
type Store struct {
	discoveries *appendLog
	costs       *appendLog
	patterns    *appendLog
}

// Open creates dir if needed and returns a Store rooted there.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &Store{
		discoveries: newAppendLog(filepath.Join(dir, discoveriesFile)),
		costs:       newAppendLog(filepath.Join(dir, costsFile)),
		patterns:    newAppendLog(filepath.Join(dir, patternsFile)),
	}, nil
}

// AppendDiscovery appends d, assigning ID, Seq and Timestamp.
func (s *Store) AppendDiscovery(_ context.Context, d *memory.Discovery) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}
	return s.discoveries.append(d, func(seq int64) { d.Seq = seq })
}

// ListDiscoveries returns entries for taskID (all when empty) in insertion order.
func (s *Store) ListDiscoveries(_ context.Context, taskID string) ([]memory.Discovery, error) {
	var out []memory.Discovery
	err := s.discoveries.scan(func(line []byte) error {
		var d memory.Discovery
		if err := json.Unmarshal(line, &d); err != nil {
			return err
		}
		if taskID == "" || d.TaskID == taskID {
			out = append(out, d)
		}
		return nil
	})
	return out, err
}

// AppendCost appends e, assigning ID, Seq and Timestamp.
func (s *Store) AppendCost(_ context.Context, e *cost.Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return s.costs.append(e, func(seq int64) { e.Seq = seq })
}

// ListCosts returns entries for taskID (all when empty) in insertion order.
func (s *Store) ListCosts(_ context.Context, taskID string) ([]cost.Entry, error) {
	var out []cost.Entry
	err := s.costs.scan(func(line []byte) error {
		var e cost.Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		if taskID == "" || e.TaskID == taskID {
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// AppendErrorPattern appends one sighting, assigning ID, Seq and Timestamp.
func (s *Store) AppendErrorPattern(_ context.Context, p *memory.PatternSighting) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	return s.patterns.append(p, func(seq int64) { p.Seq = seq })
}

// ListErrorPatterns returns every sighting in insertion order.
func (s *Store) ListErrorPatterns(_ context.Context) ([]memory.PatternSighting, error) {
	var out []memory.PatternSighting
	err := s.patterns.scan(func(line []byte) error {
		var p memory.PatternSighting
		if err := json.Unmarshal(line, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

// Close is a no-op; files are opened per operation.
func (s *Store) Close() error { return nil }
