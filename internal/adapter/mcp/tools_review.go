package mcp

import (
	"context"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/crewflow/internal/domain/memory"
	"github.com/Strob0t/crewflow/internal/domain/task"
	"github.com/Strob0t/crewflow/internal/service"
)

func relationshipEnum() mcplib.PropertyOption {
	rels := make([]string, 0, len(task.LinkRelationships))
	for _, r := range task.LinkRelationships {
		rels = append(rels, string(r))
	}
	return mcplib.Enum(rels...)
}

func (s *Server) addConcernTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("workflow_add_concern",
		mcplib.WithDescription("Raise a concern on a task; critical concerns always block"),
		taskIDParam(),
		mcplib.WithString("source", mcplib.Required(), mcplib.Description("Phase that raised it, e.g. reviewer")),
		mcplib.WithString("severity", mcplib.Description("critical, high, medium or low; anything else is medium")),
		mcplib.WithString("description", mcplib.Required()),
		mcplib.WithBoolean("blocking"),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleAddConcern}
}

func (s *Server) addressConcernTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("workflow_address_concern",
		mcplib.WithDescription("Mark a concern as addressed"),
		taskIDParam(),
		mcplib.WithString("concern_id", mcplib.Required(), mcplib.Description("Concern id, e.g. C001")),
		mcplib.WithString("addressed_by", mcplib.Required(), mcplib.Description("Phase or person that resolved it")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleAddressConcern}
}

func (s *Server) getConcernsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("workflow_get_concerns",
		mcplib.WithDescription("List a task's concerns"),
		taskIDParam(),
		mcplib.WithBoolean("unaddressed_only"),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetConcerns}
}

func (s *Server) linkTasksTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("workflow_link_tasks",
		mcplib.WithDescription("Link a task to others; the inverse link is recorded on each of them"),
		taskIDParam(),
		mcplib.WithArray("related_task_ids", mcplib.Required(), mcplib.WithStringItems()),
		mcplib.WithString("relationship", relationshipEnum(), mcplib.Description("Defaults to related")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleLinkTasks}
}

func (s *Server) linkedTasksTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("workflow_get_linked_tasks",
		mcplib.WithDescription("List a task's links, optionally with the latest discoveries of each linked task"),
		taskIDParam(),
		mcplib.WithBoolean("include_memories"),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleLinkedTasks}
}

func (s *Server) recordErrorPatternTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("workflow_record_error_pattern",
		mcplib.WithDescription("Record an error signature and the fix that resolved it"),
		mcplib.WithString("signature", mcplib.Required(), mcplib.Description("Distinctive text of the error output")),
		mcplib.WithString("type", mcplib.Required(), mcplib.Description("compile, test, runtime, lint, ...")),
		mcplib.WithString("solution", mcplib.Required()),
		mcplib.WithArray("tags", mcplib.WithStringItems()),
		mcplib.WithString("task_id", mcplib.Description("Task where the fix was found")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleRecordErrorPattern}
}

func (s *Server) matchErrorTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("workflow_match_error",
		mcplib.WithDescription("Find known fixes whose signature occurs in an error output"),
		mcplib.WithString("error_output", mcplib.Required()),
		mcplib.WithNumber("min_confidence", mcplib.Description("0 to 1; defaults to 0.5")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleMatchError}
}

type addConcernArgs struct {
	service.ConcernRequest
	TaskID string `json:"task_id"`
}

func (s *Server) handleAddConcern(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	var args addConcernArgs
	if err := req.BindArguments(&args); err != nil {
		return toolError("invalid arguments", err), nil
	}
	return s.withTask(func(ctx context.Context, id string) (any, error) {
		return s.deps.Workflow.AddConcern(ctx, id, args.ConcernRequest)
	})(ctx, req)
}

func (s *Server) handleAddressConcern(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	cid, err := req.RequireString("concern_id")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	by, err := req.RequireString("addressed_by")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	return s.withTask(func(ctx context.Context, id string) (any, error) {
		return s.deps.Workflow.AddressConcern(ctx, id, cid, by)
	})(ctx, req)
}

type concernArgs struct {
	UnaddressedOnly bool `json:"unaddressed_only"`
}

func (s *Server) handleGetConcerns(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	var args concernArgs
	if err := req.BindArguments(&args); err != nil {
		return toolError("invalid arguments", err), nil
	}
	return s.withTask(func(ctx context.Context, id string) (any, error) {
		return s.deps.Workflow.Concerns(ctx, id, args.UnaddressedOnly)
	})(ctx, req)
}

type linkArgs struct {
	Related      []string          `json:"related_task_ids"`
	Relationship task.Relationship `json:"relationship"`
}

func (s *Server) handleLinkTasks(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	var args linkArgs
	if err := req.BindArguments(&args); err != nil {
		return toolError("invalid arguments", err), nil
	}
	if len(args.Related) == 0 {
		return mcplib.NewToolResultError("related_task_ids is required"), nil
	}
	return s.withTask(func(ctx context.Context, id string) (any, error) {
		return s.deps.Workflow.LinkTasks(ctx, id, args.Related, args.Relationship)
	})(ctx, req)
}

type linkedArgs struct {
	IncludeMemories bool `json:"include_memories"`
}

func (s *Server) handleLinkedTasks(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	var args linkedArgs
	if err := req.BindArguments(&args); err != nil {
		return toolError("invalid arguments", err), nil
	}
	return s.withTask(func(ctx context.Context, id string) (any, error) {
		return s.deps.Workflow.LinkedTasks(ctx, id, args.IncludeMemories)
	})(ctx, req)
}

type recordedPattern struct {
	memory.ErrorPattern
	Created bool `json:"created"`
}

func (s *Server) handleRecordErrorPattern(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Memory == nil {
		return mcplib.NewToolResultError("memory service not configured"), nil
	}
	var sighting memory.PatternSighting
	if err := req.BindArguments(&sighting); err != nil {
		return toolError("invalid arguments", err), nil
	}
	p, created, err := s.deps.Memory.RecordErrorPattern(ctx, &sighting)
	if err != nil {
		return toolError("record error pattern", err), nil
	}
	return toolResultJSON(recordedPattern{ErrorPattern: p, Created: created}), nil
}

type matchArgs struct {
	Output        string  `json:"error_output"`
	MinConfidence float64 `json:"min_confidence"`
}

func (s *Server) handleMatchError(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Memory == nil {
		return mcplib.NewToolResultError("memory service not configured"), nil
	}
	var args matchArgs
	if err := req.BindArguments(&args); err != nil {
		return toolError("invalid arguments", err), nil
	}
	if args.Output == "" {
		return mcplib.NewToolResultError("error_output is required"), nil
	}
	m, err := s.deps.Memory.MatchError(ctx, args.Output, args.MinConfidence)
	if err != nil {
		return toolError("match error", err), nil
	}
	if m.Matches == nil {
		m.Matches = []memory.PatternMatch{}
	}
	return toolResultJSON(m), nil
}
