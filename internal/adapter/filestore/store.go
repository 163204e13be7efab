// Package filestore implements the task store port on the filesystem:
// one directory per task holding state.json and the raw phase outputs.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/gofrs/flock"

	"github.com/Strob0t/crewflow/internal/domain"
	"github.com/Strob0t/crewflow/internal/domain/task"
)

const (
	stateFile  = "state.json"
	outputsDir = "outputs"
)

var taskIDPattern = regexp.MustCompile(`^TASK_(\d+)$`)

// Store keeps tasks under a root directory (conventionally ".tasks").
type Store struct {
	root string
}

// New creates root if needed and returns a Store.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create tasks dir: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the tasks directory.
func (s *Store) Root() string { return s.root }

// TaskDir returns the directory of task id.
func (s *Store) TaskDir(id string) string { return filepath.Join(s.root, id) }

func (s *Store) statePath(id string) string { return filepath.Join(s.root, id, stateFile) }

// Create persists a new task with Version 1. An existing task with the same
// id yields domain.ErrConflict.
func (s *Store) Create(_ context.Context, t *task.Task) error {
	if err := task.ValidateID(t.ID); err != nil {
		return err
	}
	if err := os.MkdirAll(s.TaskDir(t.ID), 0o755); err != nil {
		return &domain.PersistenceError{Op: "mkdir", Path: s.TaskDir(t.ID), Err: err}
	}

	t.Version = 1
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	path := s.statePath(t.ID)
	if err := createExclusive(path, data); err != nil {
		t.Version = 0
		if errors.Is(err, errExists) {
			return fmt.Errorf("task %s: %w", t.ID, domain.ErrConflict)
		}
		return &domain.PersistenceError{Op: "create", Path: path, Err: err}
	}
	return nil
}

// Load reads a task. A missing task yields domain.ErrNotFound.
func (s *Store) Load(_ context.Context, id string) (*task.Task, error) {
	if err := task.ValidateID(id); err != nil {
		return nil, err
	}
	return s.read(id)
}

// read loads state.json, falling back to state.json.bak when the main file
// does not decode.
func (s *Store) read(id string) (*task.Task, error) {
	path := s.statePath(id)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, &domain.PersistenceError{Op: "read", Path: path, Err: err}
	}
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		bak, bakErr := os.ReadFile(path + ".bak")
		if bakErr != nil || json.Unmarshal(bak, &t) != nil {
			return nil, &domain.PersistenceError{Op: "decode", Path: path, Err: err}
		}
		slog.Warn("task state unreadable, using backup", "task_id", id, "error", err)
	}
	return &t, nil
}

func decodeTask(data []byte) error {
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	return task.ValidateID(t.ID)
}

// Save replaces the stored task if its Version still matches, then bumps
// t.Version. A stale version yields domain.ErrConflict and nothing is written.
func (s *Store) Save(_ context.Context, t *task.Task) error {
	if err := task.ValidateID(t.ID); err != nil {
		return err
	}
	path := s.statePath(t.ID)

	lk := flock.New(path + ".lock")
	if err := lk.Lock(); err != nil {
		return &domain.PersistenceError{Op: "lock", Path: path, Err: err}
	}
	defer func() { _ = lk.Unlock() }()

	current, err := s.read(t.ID)
	if err != nil {
		return err
	}
	if current.Version != t.Version {
		return fmt.Errorf("task %s: version %d is stale (stored %d): %w", t.ID, t.Version, current.Version, domain.ErrConflict)
	}

	next := *t
	next.Version++
	data, err := json.MarshalIndent(&next, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := replaceChecked(path, data, decodeTask); err != nil {
		return &domain.PersistenceError{Op: "write", Path: path, Err: err}
	}
	t.Version = next.Version
	return nil
}

// List returns every task ordered by id.
func (s *Store) List(ctx context.Context) ([]task.Task, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "list", Path: s.root, Err: err}
	}
	var out []task.Task
	for _, e := range entries {
		if !e.IsDir() || task.ValidateID(e.Name()) != nil {
			continue
		}
		t, err := s.read(e.Name())
		if errors.Is(err, domain.ErrNotFound) {
			continue // directory holding only a task config layer
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	slices.SortFunc(out, func(a, b task.Task) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// SaveOutput writes outputs/<name>.md and returns its key.
func (s *Store) SaveOutput(_ context.Context, id, name, content string) (string, error) {
	if err := task.ValidateID(id); err != nil {
		return "", err
	}
	key := name + ".md"
	if name == "" || key != filepath.Base(key) || strings.HasPrefix(key, ".") {
		return "", domain.Validationf("invalid output name %q", name)
	}
	dir := filepath.Join(s.TaskDir(id), outputsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &domain.PersistenceError{Op: "mkdir", Path: dir, Err: err}
	}
	path := filepath.Join(dir, key)
	if err := atomicWrite(path, []byte(content)); err != nil {
		return "", &domain.PersistenceError{Op: "write", Path: path, Err: err}
	}
	return key, nil
}

// LoadOutput reads an output previously saved under key.
func (s *Store) LoadOutput(_ context.Context, id, key string) (string, error) {
	if err := task.ValidateID(id); err != nil {
		return "", err
	}
	if key == "" || key != filepath.Base(key) || strings.HasPrefix(key, ".") {
		return "", domain.Validationf("invalid output key %q", key)
	}
	path := filepath.Join(s.TaskDir(id), outputsDir, key)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("output %s/%s: %w", id, key, domain.ErrNotFound)
	}
	if err != nil {
		return "", &domain.PersistenceError{Op: "read", Path: path, Err: err}
	}
	return string(data), nil
}

// NextID returns TASK_NNN one above the highest numbered task directory.
func (s *Store) NextID(_ context.Context) (string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return "", &domain.PersistenceError{Op: "list", Path: s.root, Err: err}
	}
	highest := 0
	for _, e := range entries {
		m := taskIDPattern.FindStringSubmatch(e.Name())
		if !e.IsDir() || m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > highest {
			highest = n
		}
	}
	return fmt.Sprintf("TASK_%03d", highest+1), nil
}
