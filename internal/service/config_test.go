package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/crewflow/internal/domain"
	"github.com/Strob0t/crewflow/internal/domain/settings"
	"github.com/Strob0t/crewflow/internal/domain/task"
)

type countingCache struct {
	mu   sync.Mutex
	data map[string][]byte
	gets int
	hits int
	sets int
}

func newCountingCache() *countingCache {
	return &countingCache{data: make(map[string][]byte)}
}

func (c *countingCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	v, ok := c.data[key]
	if ok {
		c.hits++
	}
	return v, ok, nil
}

func (c *countingCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.data[key] = value
	return nil
}

func (c *countingCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

type fakeWatcher struct {
	mu      sync.Mutex
	watched []string
	gen     uint64
}

func (w *fakeWatcher) Watch(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched = append(w.watched, path)
	return nil
}

func (w *fakeWatcher) Generation() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gen
}

func configContext(t *testing.T) task.Context {
	root := t.TempDir()
	return task.Context{
		HomeDir:    filepath.Join(root, "home"),
		ProjectDir: filepath.Join(root, "project"),
		TasksDir:   filepath.Join(root, "project", ".tasks"),
	}
}

func TestConfigCascade(t *testing.T) {
	ctx := context.Background()
	tc := configContext(t)
	writeFile(t, filepath.Join(tc.HomeDir, ".crewflow", LayerFileName), "max_iterations:\n  per_step: 4\n  planning: 2\nmodels:\n  architect: sonnet\n")
	writeFile(t, filepath.Join(tc.ProjectDir, ".claude", LayerFileName), "max_iterations:\n  per_step: 6\n")
	writeFile(t, filepath.Join(tc.TasksDir, "TASK_007", TaskLayerFileName), "checkpoints:\n  milestones: [25, 75]\n")
	tc.Overrides = []string{"max_iterations.planning=1"}

	eff, err := NewConfigService(nil, 0, nil).Resolve(ctx, tc, "TASK_007")
	if err != nil {
		t.Fatal(err)
	}
	s := eff.Settings
	if s.MaxIterations.PerStep != 6 || s.MaxIterations.Planning != 1 {
		t.Fatalf("max_iterations = %+v", s.MaxIterations)
	}
	if s.Models.Architect != "sonnet" || s.Models.Developer != "opus" {
		t.Fatalf("models = %+v", s.Models)
	}
	if len(s.Checkpoints.Milestones) != 2 || s.Checkpoints.Milestones[1] != 75 {
		t.Fatalf("milestones = %v", s.Checkpoints.Milestones)
	}
	// Untouched keys keep their defaults.
	if s.MaxIterations.SameErrorThreshold != 3 || !s.Checkpoints.BeforeCommit {
		t.Fatalf("defaults lost: %+v", s)
	}

	want := []Source{
		{Layer: settings.LayerGlobal, Path: filepath.Join(tc.HomeDir, ".crewflow", LayerFileName), Present: true},
		{Layer: settings.LayerProject, Path: filepath.Join(tc.ProjectDir, ".claude", LayerFileName), Present: true},
		{Layer: settings.LayerTask, Path: filepath.Join(tc.TasksDir, "TASK_007", TaskLayerFileName), Present: true},
		{Layer: settings.LayerRuntime, Present: true},
	}
	if len(eff.Sources) != len(want) {
		t.Fatalf("sources = %+v", eff.Sources)
	}
	for i := range want {
		if eff.Sources[i] != want[i] {
			t.Fatalf("source %d = %+v, want %+v", i, eff.Sources[i], want[i])
		}
	}
}

func TestConfigCrewflowDirWins(t *testing.T) {
	tc := configContext(t)
	writeFile(t, filepath.Join(tc.ProjectDir, ".claude", LayerFileName), "verification:\n  method: lint\n")
	writeFile(t, filepath.Join(tc.ProjectDir, ".crewflow", LayerFileName), "verification:\n  method: build\n")

	eff, err := NewConfigService(nil, 0, nil).Resolve(context.Background(), tc, "")
	if err != nil {
		t.Fatal(err)
	}
	if eff.Settings.Verification.Method != settings.VerifyBuild {
		t.Fatalf("method = %s, want build from .crewflow", eff.Settings.Verification.Method)
	}
}

func TestConfigNoFilesYieldsDefaults(t *testing.T) {
	eff, err := NewConfigService(nil, 0, nil).Resolve(context.Background(), configContext(t), "")
	if err != nil {
		t.Fatal(err)
	}
	def := settings.Defaults()
	if eff.Settings.MaxIterations != def.MaxIterations || eff.Settings.Verification.Method != def.Verification.Method {
		t.Fatalf("settings = %+v", eff.Settings)
	}
	for _, src := range eff.Sources {
		if src.Present {
			t.Fatalf("source %s present without files", src.Layer)
		}
	}
}

func TestConfigErrorsNameTheLayer(t *testing.T) {
	tests := []struct {
		name      string
		file      string
		content   string
		overrides []string
		layer     string
		key       string
	}{
		{name: "unknown key", file: "project", content: "checkpoints:\n  after_lunch: true\n", layer: settings.LayerProject, key: "checkpoints.after_lunch"},
		{name: "bad yaml", file: "global", content: "max_iterations: [\n", layer: settings.LayerGlobal},
		{name: "bad override", overrides: []string{"novalue"}, layer: settings.LayerRuntime},
		{name: "unknown override", overrides: []string{"colour=blue"}, layer: settings.LayerRuntime, key: "colour"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := configContext(t)
			switch tt.file {
			case "project":
				writeFile(t, filepath.Join(tc.ProjectDir, ".crewflow", LayerFileName), tt.content)
			case "global":
				writeFile(t, filepath.Join(tc.HomeDir, ".crewflow", LayerFileName), tt.content)
			}
			tc.Overrides = tt.overrides

			_, err := NewConfigService(nil, 0, nil).Resolve(context.Background(), tc, "")
			var ce *domain.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if ce.Layer != tt.layer {
				t.Fatalf("layer = %q, want %q", ce.Layer, tt.layer)
			}
			if tt.key != "" && ce.Key != tt.key {
				t.Fatalf("key = %q, want %q", ce.Key, tt.key)
			}
		})
	}
}

func TestConfigCacheHitAndInvalidation(t *testing.T) {
	ctx := context.Background()
	tc := configContext(t)
	path := filepath.Join(tc.ProjectDir, ".crewflow", LayerFileName)
	writeFile(t, path, "max_iterations:\n  per_step: 3\n")

	c := newCountingCache()
	w := &fakeWatcher{}
	svc := NewConfigService(c, time.Minute, w)

	for range 3 {
		eff, err := svc.Resolve(ctx, tc, "")
		if err != nil {
			t.Fatal(err)
		}
		if eff.Settings.MaxIterations.PerStep != 3 {
			t.Fatalf("per_step = %d", eff.Settings.MaxIterations.PerStep)
		}
	}
	if c.sets != 1 || c.hits != 2 {
		t.Fatalf("cache sets %d hits %d, want 1 and 2", c.sets, c.hits)
	}
	if len(w.watched) == 0 {
		t.Fatal("layer files not watched")
	}

	// Edited content changes the key.
	writeFile(t, path, "max_iterations:\n  per_step: 8\n")
	eff, err := svc.Resolve(ctx, tc, "")
	if err != nil || eff.Settings.MaxIterations.PerStep != 8 {
		t.Fatalf("after edit: %v %d", err, eff.Settings.MaxIterations.PerStep)
	}

	// So does a watcher generation bump.
	w.mu.Lock()
	w.gen++
	w.mu.Unlock()
	before := c.sets
	if _, err := svc.Resolve(ctx, tc, ""); err != nil {
		t.Fatal(err)
	}
	if c.sets != before+1 {
		t.Fatalf("generation bump did not miss the cache")
	}
}

func TestConfigErrorsAreNotCached(t *testing.T) {
	tc := configContext(t)
	tc.Overrides = []string{"mode.override=warp"}
	c := newCountingCache()
	if _, err := NewConfigService(c, 0, nil).Resolve(context.Background(), tc, ""); err == nil {
		t.Fatal("expected error")
	}
	if c.sets != 0 {
		t.Fatalf("invalid configuration cached")
	}
}

func TestLayerPaths(t *testing.T) {
	tc := configContext(t)
	paths, err := LayerPaths(tc, "TASK_001")
	if err != nil {
		t.Fatal(err)
	}
	if got := paths[settings.LayerGlobal]; len(got) != 2 || got[0] != filepath.Join(tc.HomeDir, ".crewflow", LayerFileName) {
		t.Fatalf("global = %v", got)
	}
	if got := paths[settings.LayerTask]; len(got) != 1 || got[0] != filepath.Join(tc.TasksDir, "TASK_001", TaskLayerFileName) {
		t.Fatalf("task = %v", got)
	}

	paths, _ = LayerPaths(tc, "")
	if _, ok := paths[settings.LayerTask]; ok {
		t.Fatal("task layer listed without a task id")
	}
}
