package settings

import (
	"errors"
	"slices"
	"testing"

	"github.com/Strob0t/crewflow/internal/domain"
	"github.com/Strob0t/crewflow/internal/domain/phase"
)

func mustLayer(t *testing.T, name, doc string) Layer {
	t.Helper()
	l, err := ParseLayer(name, []byte(doc))
	if err != nil {
		t.Fatalf("ParseLayer(%s): %v", name, err)
	}
	return l
}

func TestResolveDefaults(t *testing.T) {
	s, err := Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.MaxIterations.PerStep != 10 {
		t.Errorf("per_step = %d, want 10", s.MaxIterations.PerStep)
	}
	if !s.Checkpoints.AfterSkeptic || s.Checkpoints.AfterDeveloper {
		t.Errorf("unexpected checkpoint defaults: %+v", s.Checkpoints)
	}
	if !slices.Equal(s.Checkpoints.Milestones, []int{50}) {
		t.Errorf("milestones = %v, want [50]", s.Checkpoints.Milestones)
	}
}

func TestResolveMostSpecificLayerWins(t *testing.T) {
	global := mustLayer(t, LayerGlobal, `
max_iterations:
  per_step: 4
  planning: 2
models:
  developer: sonnet
`)
	project := mustLayer(t, LayerProject, `
max_iterations:
  per_step: 6
`)
	task := mustLayer(t, LayerTask, `
verification:
  method: build
`)
	runtime, err := ParseOverrides([]string{"max_iterations.per_step=8"})
	if err != nil {
		t.Fatalf("ParseOverrides: %v", err)
	}

	s, err := Resolve(global, project, task, runtime)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.MaxIterations.PerStep != 8 {
		t.Errorf("per_step = %d, want 8 from runtime", s.MaxIterations.PerStep)
	}
	if s.MaxIterations.Planning != 2 {
		t.Errorf("planning = %d, want sibling 2 preserved from global", s.MaxIterations.Planning)
	}
	if s.MaxIterations.SameErrorThreshold != 3 {
		t.Errorf("same_error_threshold = %d, want default 3", s.MaxIterations.SameErrorThreshold)
	}
	if s.Models.For(phase.Developer) != "sonnet" || s.Models.For(phase.Architect) != "opus" {
		t.Errorf("models not merged key-wise: %+v", s.Models)
	}
	if s.Verification.Method != VerifyBuild {
		t.Errorf("method = %q, want build", s.Verification.Method)
	}
}

func TestResolveListsReplacedWholesale(t *testing.T) {
	project := mustLayer(t, LayerProject, "checkpoints:\n  milestones: [25, 75]\n")
	task := mustLayer(t, LayerTask, "checkpoints:\n  milestones: [90]\n")

	s, err := Resolve(project, task)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !slices.Equal(s.Checkpoints.Milestones, []int{90}) {
		t.Fatalf("milestones = %v, want [90]", s.Checkpoints.Milestones)
	}
}

func TestResolveRejectsUnknownKeys(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		key  string
	}{
		{"top level", "colour: blue\n", "colour"},
		{"nested", "checkpoints:\n  after_lunch: true\n", "checkpoints.after_lunch"},
		{"custom agent", "models:\n  designer: opus\n", "models.designer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(mustLayer(t, LayerProject, tt.doc))
			var cfgErr *domain.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if cfgErr.Key != tt.key || cfgErr.Layer != LayerProject {
				t.Fatalf("ConfigError = %+v, want key %q in project layer", cfgErr, tt.key)
			}
		})
	}
}

func TestResolveRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"wrong type", "checkpoints:\n  after_architect: sometimes\n"},
		{"mapping for scalar", "verification:\n  method:\n    name: tests\n"},
		{"scalar for mapping", "checkpoints: true\n"},
		{"bad method", "verification:\n  method: vibes\n"},
		{"bad mode", "mode:\n  override: ludicrous\n"},
		{"zero per step", "max_iterations:\n  per_step: 0\n"},
		{"milestone range", "checkpoints:\n  milestones: [100]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(mustLayer(t, LayerTask, tt.doc))
			var cfgErr *domain.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
		})
	}
}

func TestResolveIsDeterministicAndPure(t *testing.T) {
	project := mustLayer(t, LayerProject, "models:\n  reviewer: haiku\ncheckpoints:\n  milestones: [10, 20]\n")

	first, err := Resolve(project)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	first.Checkpoints.Milestones[0] = 99

	second, err := Resolve(project)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if second.Checkpoints.Milestones[0] != 10 {
		t.Fatalf("resolution leaked state between calls: %v", second.Checkpoints.Milestones)
	}
	if second.Models.Reviewer != "haiku" {
		t.Fatalf("reviewer = %q", second.Models.Reviewer)
	}
}

func TestParseLayerEmpty(t *testing.T) {
	l := mustLayer(t, LayerGlobal, "   \n")
	if len(l.Values) != 0 {
		t.Fatalf("expected empty layer, got %v", l.Values)
	}
}

func TestParseLayerNotMapping(t *testing.T) {
	_, err := ParseLayer(LayerGlobal, []byte("- a\n- b\n"))
	var cfgErr *domain.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestParseOverrides(t *testing.T) {
	l, err := ParseOverrides([]string{
		"checkpoints.after_architect=false",
		"checkpoints.milestones=[25, 75]",
		"models.implementer=haiku",
	})
	if err != nil {
		t.Fatalf("ParseOverrides: %v", err)
	}
	s, err := Resolve(l)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.Checkpoints.AfterArchitect {
		t.Error("after_architect should be false")
	}
	if !slices.Equal(s.Checkpoints.Milestones, []int{25, 75}) {
		t.Errorf("milestones = %v", s.Checkpoints.Milestones)
	}
	if s.Models.Implementer != "haiku" {
		t.Errorf("implementer = %q", s.Models.Implementer)
	}
}

func TestParseOverridesMalformed(t *testing.T) {
	if _, err := ParseOverrides([]string{"no-equals-sign"}); err == nil {
		t.Fatal("expected error for missing '='")
	}
}

func TestKeys(t *testing.T) {
	keys := Keys()
	for _, want := range []string{"checkpoints.before_commit", "models.technical_writer", "verification.commands.lint"} {
		if !slices.Contains(keys, want) {
			t.Errorf("Keys() missing %q", want)
		}
	}
	if !slices.IsSorted(keys) {
		t.Error("Keys() not sorted")
	}
}

func TestCommandsFor(t *testing.T) {
	c := Commands{Tests: "t", Build: "b", Lint: "l"}
	if got := c.For(VerifyAll); !slices.Equal(got, []string{"b", "l", "t"}) {
		t.Fatalf("For(all) = %v", got)
	}
	if got := c.For("unknown"); got != nil {
		t.Fatalf("For(unknown) = %v", got)
	}
}
