package mcp

import (
	"context"
	"encoding/json"
	"slices"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/crewflow/internal/domain/checkpoint"
	"github.com/Strob0t/crewflow/internal/domain/mode"
	"github.com/Strob0t/crewflow/internal/domain/phase"
	"github.com/Strob0t/crewflow/internal/port/agentbackend"
	"github.com/Strob0t/crewflow/internal/service"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.initializeTool(),
		s.getStateTool(),
		s.transitionTool(),
		s.completePhaseTool(),
		s.resolveCheckpointTool(),
		s.setProgressTool(),
		s.completeStepTool(),
		s.detectModeTool(),
		s.resumeStateTool(),
		s.saveDiscoveryTool(),
		s.getDiscoveriesTool(),
		s.searchMemoriesTool(),
		s.recordCostTool(),
		s.costSummaryTool(),
		s.effectiveConfigTool(),
		s.addConcernTool(),
		s.addressConcernTool(),
		s.getConcernsTool(),
		s.linkTasksTool(),
		s.linkedTasksTool(),
		s.recordErrorPatternTool(),
		s.matchErrorTool(),
	)
}

func taskIDParam() mcplib.ToolOption {
	return mcplib.WithString("task_id",
		mcplib.Required(),
		mcplib.Description("Task id, e.g. TASK_001"),
	)
}

func (s *Server) initializeTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("workflow_initialize",
		mcplib.WithDescription("Create a task: resolve the layered configuration, detect the mode and start at the first phase of its chain"),
		mcplib.WithString("description", mcplib.Required(), mcplib.Description("What the task should accomplish")),
		mcplib.WithString("task_id", mcplib.Description("Explicit task id; the next TASK_NNN when omitted")),
		mcplib.WithString("mode", mcplib.Description("Force a mode instead of detecting it"),
			mcplib.Enum(string(mode.Full), string(mode.Fast), string(mode.Turbo), string(mode.Minimal))),
		mcplib.WithArray("files", mcplib.WithStringItems(), mcplib.Description("Files the change is expected to touch")),
		mcplib.WithArray("overrides", mcplib.WithStringItems(), mcplib.Description("Runtime config overrides as dotted.key=value")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleInitialize}
}

func (s *Server) getStateTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("workflow_get_state",
		mcplib.WithDescription("Get the full state of a task"),
		taskIDParam(),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.withTask(func(ctx context.Context, id string) (any, error) {
		return s.deps.Workflow.GetState(ctx, id)
	})}
}

func (s *Server) transitionTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("workflow_transition",
		mcplib.WithDescription("Move a task to another phase when the phase chain allows it"),
		taskIDParam(),
		mcplib.WithString("to", mcplib.Required(), mcplib.Description("Target phase, e.g. developer")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleTransition}
}

func (s *Server) completePhaseTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("workflow_complete_phase",
		mcplib.WithDescription("Record the output of an agent for the current phase and advance, loop back or open a checkpoint"),
		taskIDParam(),
		mcplib.WithString("phase", mcplib.Required(), mcplib.Description("The phase that finished; must be the current one")),
		mcplib.WithString("output", mcplib.Description("The agent's document for this phase")),
		mcplib.WithArray("concerns", mcplib.Description("Concerns raised: {severity, description, blocking}")),
		mcplib.WithString("recommendation", mcplib.Description("Reviewer verdict"), mcplib.Enum(string(agentbackend.RecommendApprove), string(agentbackend.RecommendRevise))),
		mcplib.WithString("completion", mcplib.Description("Agent's own verdict"),
			mcplib.Enum(string(agentbackend.CompletionDone), string(agentbackend.CompletionBlocked), string(agentbackend.CompletionNeedsReview))),
		mcplib.WithArray("steps", mcplib.WithStringItems(), mcplib.Description("Implementation plan (developer)")),
		mcplib.WithArray("files_changed", mcplib.WithStringItems()),
		mcplib.WithArray("deviations", mcplib.WithStringItems()),
		mcplib.WithArray("discoveries", mcplib.Description("Learnings: {category, content, tags}")),
		mcplib.WithObject("usage", mcplib.Description("{model, input_tokens, output_tokens}")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleCompletePhase}
}

func (s *Server) resolveCheckpointTool() mcpserver.ServerTool {
	decisions := make([]string, 0, len(checkpoint.ValidDecisions))
	for _, d := range checkpoint.ValidDecisions {
		decisions = append(decisions, string(d))
	}
	tool := mcplib.NewTool("workflow_resolve_checkpoint",
		mcplib.WithDescription("Record a human decision on the task's pending checkpoint"),
		taskIDParam(),
		mcplib.WithString("decision", mcplib.Required(), mcplib.Enum(decisions...)),
		mcplib.WithString("notes", mcplib.Description("Feedback passed to the next agent on revise")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleResolveCheckpoint}
}

func (s *Server) setProgressTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("workflow_set_implementation_progress",
		mcplib.WithDescription("Replace the implementation plan with the given steps"),
		taskIDParam(),
		mcplib.WithArray("steps", mcplib.Required(), mcplib.WithStringItems()),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleSetProgress}
}

func (s *Server) completeStepTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("workflow_complete_step",
		mcplib.WithDescription("Mark an implementation step done; may open a milestone or before_commit checkpoint"),
		taskIDParam(),
		mcplib.WithNumber("step", mcplib.Required(), mcplib.Description("1-based step number")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleCompleteStep}
}

func (s *Server) detectModeTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("workflow_detect_mode",
		mcplib.WithDescription("Classify a task description into a workflow mode without creating a task"),
		mcplib.WithString("description", mcplib.Required()),
		mcplib.WithArray("files", mcplib.WithStringItems()),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: handleDetectMode}
}

func (s *Server) resumeStateTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("workflow_get_resume_state",
		mcplib.WithDescription("Summarize where an interrupted task stands and what runs next"),
		taskIDParam(),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.withTask(func(ctx context.Context, id string) (any, error) {
		return s.deps.Workflow.ResumeState(ctx, id)
	})}
}

// --- handlers ---

// withTask adapts a task-scoped call that needs only the id.
func (s *Server) withTask(fn func(ctx context.Context, id string) (any, error)) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
		if s.deps.Workflow == nil {
			return mcplib.NewToolResultError("workflow service not configured"), nil
		}
		id, err := req.RequireString("task_id")
		if err != nil {
			return mcplib.NewToolResultError(err.Error()), nil
		}
		res, err := fn(ctx, id)
		if err != nil {
			return toolError("task "+id, err), nil
		}
		return toolResultJSON(res), nil
	}
}

type initializeArgs struct {
	service.InitRequest
	Overrides []string `json:"overrides,omitempty"`
}

func (s *Server) handleInitialize(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Workflow == nil {
		return mcplib.NewToolResultError("workflow service not configured"), nil
	}
	var args initializeArgs
	if err := req.BindArguments(&args); err != nil {
		return toolError("invalid arguments", err), nil
	}
	tc := s.deps.Context
	tc.Overrides = append(slices.Clone(tc.Overrides), args.Overrides...)
	t, err := s.deps.Workflow.Initialize(ctx, tc, args.InitRequest)
	if err != nil {
		return toolError("initialize", err), nil
	}
	return toolResultJSON(t), nil
}

func (s *Server) handleTransition(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	to, err := req.RequireString("to")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	return s.withTask(func(ctx context.Context, id string) (any, error) {
		return s.deps.Workflow.Transition(ctx, id, phase.Normalize(to))
	})(ctx, req)
}

func (s *Server) handleCompletePhase(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	p, err := req.RequireString("phase")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	var out agentbackend.Output
	if err := req.BindArguments(&out); err != nil {
		return toolError("invalid arguments", err), nil
	}
	return s.withTask(func(ctx context.Context, id string) (any, error) {
		return s.deps.Workflow.CompletePhase(ctx, id, phase.Normalize(p), out)
	})(ctx, req)
}

func (s *Server) handleResolveCheckpoint(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	decision, err := req.RequireString("decision")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	notes := req.GetString("notes", "")
	return s.withTask(func(ctx context.Context, id string) (any, error) {
		return s.deps.Workflow.ResolveCheckpoint(ctx, id, checkpoint.Decision(decision), notes)
	})(ctx, req)
}

func (s *Server) handleSetProgress(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	steps := req.GetStringSlice("steps", nil)
	return s.withTask(func(ctx context.Context, id string) (any, error) {
		return s.deps.Workflow.SetImplementationProgress(ctx, id, steps)
	})(ctx, req)
}

func (s *Server) handleCompleteStep(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	step := req.GetInt("step", 0)
	if step < 1 {
		return mcplib.NewToolResultError("step must be a positive integer"), nil
	}
	return s.withTask(func(ctx context.Context, id string) (any, error) {
		return s.deps.Workflow.CompleteStep(ctx, id, step)
	})(ctx, req)
}

type detection struct {
	mode.Detection
	Chain []phase.Phase `json:"phase_chain"`
}

func handleDetectMode(_ context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	desc, err := req.RequireString("description")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	d, err := mode.Detect(desc, "", req.GetStringSlice("files", nil))
	if err != nil {
		return toolError("detect mode", err), nil
	}
	return toolResultJSON(detection{Detection: d, Chain: mode.Chain(d.Mode)}), nil
}

// --- results ---

func toolResultJSON(v any) *mcplib.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal result", err)
	}
	return mcplib.NewToolResultText(string(data))
}

// toolError reports a failed operation as a tool error the calling agent can
// read; protocol errors are reserved for transport problems.
func toolError(op string, err error) *mcplib.CallToolResult {
	return mcplib.NewToolResultErrorFromErr(op, err)
}
