// Package agentbackend defines the port to the external reasoning agents that
// execute workflow phases.
package agentbackend

import (
	"context"

	"github.com/Strob0t/crewflow/internal/domain/memory"
	"github.com/Strob0t/crewflow/internal/domain/mode"
	"github.com/Strob0t/crewflow/internal/domain/phase"
	"github.com/Strob0t/crewflow/internal/domain/settings"
	"github.com/Strob0t/crewflow/internal/domain/task"
)

// Completion is the agent's own verdict on a phase or step.
type Completion string

const (
	CompletionDone        Completion = "done"
	CompletionBlocked     Completion = "blocked"
	CompletionNeedsReview Completion = "needs_review"
)

// Recommendation is a reviewer's or skeptic's overall verdict.
type Recommendation string

const (
	RecommendApprove Recommendation = "approve"
	RecommendRevise  Recommendation = "revise"
)

// Bundle is everything an agent receives for one invocation.
type Bundle struct {
	TaskID       string                 `json:"task_id"`
	Description  string                 `json:"description"`
	Phase        phase.Phase            `json:"phase"`
	Mode         mode.Name              `json:"mode"`
	Effort       string                 `json:"effort"`
	Model        string                 `json:"model"`
	Iteration    int                    `json:"iteration"`
	PriorOutputs map[phase.Phase]string `json:"prior_outputs,omitempty"`
	Settings     settings.Settings      `json:"settings"`
	Discoveries  []memory.Discovery     `json:"discoveries,omitempty"`
	Feedback     []string               `json:"feedback,omitempty"`
	Concerns     []task.Concern         `json:"concerns,omitempty"`

	// Implementation steps only.
	Step           *task.Step `json:"step,omitempty"`
	SwitchStrategy bool       `json:"switch_strategy,omitempty"`
	LastSignature  string     `json:"last_signature,omitempty"`
	LastFailure    string     `json:"last_failure,omitempty"`

	// Library entries whose signature occurs in LastFailure.
	KnownFixes []memory.PatternMatch `json:"known_fixes,omitempty"`

	// Set on the single retry after a failed invocation.
	Clarification string `json:"clarification,omitempty"`
}

// ConcernReport is a concern raised by an agent.
type ConcernReport struct {
	Severity    task.Severity `json:"severity"`
	Description string        `json:"description"`
	Blocking    bool          `json:"blocking,omitempty"`
}

// DiscoveryReport is a learning the agent wants recorded.
type DiscoveryReport struct {
	Category memory.Category `json:"category"`
	Content  string          `json:"content"`
	Tags     []string        `json:"tags,omitempty"`
}

// Usage reports the tokens an invocation consumed.
type Usage struct {
	Model            string `json:"model"`
	InputTokens      int64  `json:"input_tokens"`
	OutputTokens     int64  `json:"output_tokens"`
	CompactionTokens int64  `json:"compaction_tokens,omitempty"`
	DurationMS       int64  `json:"duration_ms,omitempty"`
}

// Output is the structured result of one invocation. The engine interprets
// nothing beyond these fields.
type Output struct {
	Output         string            `json:"output"`
	Concerns       []ConcernReport   `json:"concerns,omitempty"`
	Recommendation Recommendation    `json:"recommendation,omitempty"`
	Completion     Completion        `json:"completion,omitempty"`
	FilesChanged   []string          `json:"files_changed,omitempty"`
	Steps          []string          `json:"steps,omitempty"`
	Deviations     []string          `json:"deviations,omitempty"`
	Discoveries    []DiscoveryReport `json:"discoveries,omitempty"`
	Usage          *Usage            `json:"usage,omitempty"`
}

// Agent is the port interface for invoking a reasoning agent.
type Agent interface {
	// Name returns the unique identifier for this agent backend (e.g. "cli").
	Name() string

	// Invoke runs one phase or implementation step and returns its output.
	// Failures are reported as *domain.AgentInvocationError.
	Invoke(ctx context.Context, b Bundle) (*Output, error)
}
