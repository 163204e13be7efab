// Package settings defines the recognized workflow options and the layered
// resolution that produces an effective configuration.
package settings

import (
	"fmt"
	"slices"

	"github.com/Strob0t/crewflow/internal/domain/mode"
	"github.com/Strob0t/crewflow/internal/domain/phase"
)

// Verification methods.
const (
	VerifyTests = "tests"
	VerifyBuild = "build"
	VerifyLint  = "lint"
	VerifyAll   = "all"
)

// ValidVerifyMethods lists the accepted verification.method values.
var ValidVerifyMethods = []string{VerifyTests, VerifyBuild, VerifyLint, VerifyAll}

// Settings is the effective workflow configuration. Once stored on a task it
// is never modified.
type Settings struct {
	Checkpoints   Checkpoints   `yaml:"checkpoints" json:"checkpoints"`
	Mode          ModeOptions   `yaml:"mode" json:"mode"`
	MaxIterations MaxIterations `yaml:"max_iterations" json:"max_iterations"`
	Verification  Verification  `yaml:"verification" json:"verification"`
	Models        Models        `yaml:"models" json:"models"`
	CostTracking  CostTracking  `yaml:"cost_tracking" json:"cost_tracking"`
	Integrations  Integrations  `yaml:"integrations" json:"integrations"`
	Memory        Memory        `yaml:"memory" json:"memory"`
}

// Checkpoints toggles each named pause point.
type Checkpoints struct {
	AfterArchitect       bool  `yaml:"after_architect" json:"after_architect"`
	AfterDeveloper       bool  `yaml:"after_developer" json:"after_developer"`
	AfterReviewer        bool  `yaml:"after_reviewer" json:"after_reviewer"`
	AfterSkeptic         bool  `yaml:"after_skeptic" json:"after_skeptic"`
	AfterImplementer     bool  `yaml:"after_implementer" json:"after_implementer"`
	AfterFeedback        bool  `yaml:"after_feedback" json:"after_feedback"`
	AfterTechnicalWriter bool  `yaml:"after_technical_writer" json:"after_technical_writer"`
	Milestones           []int `yaml:"milestones" json:"milestones"`
	BeforeCommit         bool  `yaml:"before_commit" json:"before_commit"`
	OnDeviation          bool  `yaml:"on_deviation" json:"on_deviation"`
	OnAgentFailure       bool  `yaml:"on_agent_failure" json:"on_agent_failure"`
}

// AfterPhase reports whether a checkpoint follows phase p.
func (c Checkpoints) AfterPhase(p phase.Phase) bool {
	switch p {
	case phase.Architect:
		return c.AfterArchitect
	case phase.Developer:
		return c.AfterDeveloper
	case phase.Reviewer:
		return c.AfterReviewer
	case phase.Skeptic:
		return c.AfterSkeptic
	case phase.Implementer:
		return c.AfterImplementer
	case phase.Feedback:
		return c.AfterFeedback
	case phase.TechnicalWriter:
		return c.AfterTechnicalWriter
	}
	return false
}

// ModeOptions pins the workflow mode.
type ModeOptions struct {
	Override string `yaml:"override" json:"override"`
}

// MaxIterations bounds the automatic retry loops.
type MaxIterations struct {
	Planning           int `yaml:"planning" json:"planning"`
	PerStep            int `yaml:"per_step" json:"per_step"`
	SameErrorThreshold int `yaml:"same_error_threshold" json:"same_error_threshold"`
}

// Verification selects how implementation steps are checked.
type Verification struct {
	Method   string   `yaml:"method" json:"method"`
	Commands Commands `yaml:"commands" json:"commands"`
}

// Commands are the shell commands run for each verification method.
type Commands struct {
	Tests string `yaml:"tests" json:"tests"`
	Build string `yaml:"build" json:"build"`
	Lint  string `yaml:"lint" json:"lint"`
}

// For returns the commands needed by method, in execution order.
func (c Commands) For(method string) []string {
	switch method {
	case VerifyTests:
		return []string{c.Tests}
	case VerifyBuild:
		return []string{c.Build}
	case VerifyLint:
		return []string{c.Lint}
	case VerifyAll:
		return []string{c.Build, c.Lint, c.Tests}
	}
	return nil
}

// Models assigns a model to each agent.
type Models struct {
	Architect       string `yaml:"architect" json:"architect"`
	Developer       string `yaml:"developer" json:"developer"`
	Reviewer        string `yaml:"reviewer" json:"reviewer"`
	Skeptic         string `yaml:"skeptic" json:"skeptic"`
	Implementer     string `yaml:"implementer" json:"implementer"`
	Feedback        string `yaml:"feedback" json:"feedback"`
	TechnicalWriter string `yaml:"technical_writer" json:"technical_writer"`
}

// For returns the model configured for p.
func (m Models) For(p phase.Phase) string {
	switch p {
	case phase.Architect:
		return m.Architect
	case phase.Developer:
		return m.Developer
	case phase.Reviewer:
		return m.Reviewer
	case phase.Skeptic:
		return m.Skeptic
	case phase.Implementer:
		return m.Implementer
	case phase.Feedback:
		return m.Feedback
	case phase.TechnicalWriter:
		return m.TechnicalWriter
	}
	return ""
}

// CostTracking toggles the usage ledger.
type CostTracking struct {
	Enabled bool    `yaml:"enabled" json:"enabled"`
	WarnUSD float64 `yaml:"warn_usd" json:"warn_usd"`
}

// Integrations toggles optional outbound integrations.
type Integrations struct {
	Events bool `yaml:"events" json:"events"`
	Beads  bool `yaml:"beads" json:"beads"`
	Jira   bool `yaml:"jira" json:"jira"`
}

// Memory tunes discovery retrieval.
type Memory struct {
	MaxResults     int `yaml:"max_results" json:"max_results"`
	ContextEntries int `yaml:"context_entries" json:"context_entries"`
}

// Defaults returns the built-in values that sit beneath every layer.
func Defaults() Settings {
	return Settings{
		Checkpoints: Checkpoints{
			AfterArchitect:       true,
			AfterDeveloper:       false,
			AfterReviewer:        true,
			AfterSkeptic:         true,
			AfterImplementer:     false,
			AfterFeedback:        false,
			AfterTechnicalWriter: true,
			Milestones:           []int{50},
			BeforeCommit:         true,
			OnDeviation:          true,
			OnAgentFailure:       true,
		},
		MaxIterations: MaxIterations{
			Planning:           3,
			PerStep:            10,
			SameErrorThreshold: 3,
		},
		Verification: Verification{
			Method: VerifyTests,
			Commands: Commands{
				Tests: "go test ./...",
				Build: "go build ./...",
				Lint:  "go vet ./...",
			},
		},
		Models: Models{
			Architect:       "opus",
			Developer:       "opus",
			Reviewer:        "opus",
			Skeptic:         "opus",
			Implementer:     "opus",
			Feedback:        "opus",
			TechnicalWriter: "sonnet",
		},
		CostTracking: CostTracking{Enabled: true},
		Memory: Memory{
			MaxResults:     20,
			ContextEntries: 10,
		},
	}
}

// Validate checks option values that the type system cannot.
func (s *Settings) Validate() error {
	if s.Mode.Override != "" && !mode.Name(s.Mode.Override).Valid() {
		return fmt.Errorf("mode.override: unknown mode %q", s.Mode.Override)
	}
	if s.MaxIterations.PerStep < 1 {
		return fmt.Errorf("max_iterations.per_step must be >= 1, got %d", s.MaxIterations.PerStep)
	}
	if s.MaxIterations.Planning < 0 {
		return fmt.Errorf("max_iterations.planning must be >= 0, got %d", s.MaxIterations.Planning)
	}
	if s.MaxIterations.SameErrorThreshold < 1 {
		return fmt.Errorf("max_iterations.same_error_threshold must be >= 1, got %d", s.MaxIterations.SameErrorThreshold)
	}
	if !slices.Contains(ValidVerifyMethods, s.Verification.Method) {
		return fmt.Errorf("verification.method: must be tests, build, lint, or all, got %q", s.Verification.Method)
	}
	for _, cmd := range s.Verification.Commands.For(s.Verification.Method) {
		if cmd == "" {
			return fmt.Errorf("verification.commands: no command configured for method %q", s.Verification.Method)
		}
	}
	for _, m := range s.Checkpoints.Milestones {
		if m < 1 || m > 99 {
			return fmt.Errorf("checkpoints.milestones: %d is outside 1..99", m)
		}
	}
	if s.CostTracking.WarnUSD < 0 {
		return fmt.Errorf("cost_tracking.warn_usd must be >= 0")
	}
	if s.Memory.MaxResults < 1 {
		return fmt.Errorf("memory.max_results must be >= 1")
	}
	if s.Memory.ContextEntries < 0 {
		return fmt.Errorf("memory.context_entries must be >= 0")
	}
	return nil
}
