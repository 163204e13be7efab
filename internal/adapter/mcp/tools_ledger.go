package mcp

import (
	"context"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/crewflow/internal/domain/cost"
	"github.com/Strob0t/crewflow/internal/domain/memory"
)

func categoryEnum() mcplib.PropertyOption {
	cats := make([]string, 0, len(memory.ValidCategories))
	for _, c := range memory.ValidCategories {
		cats = append(cats, string(c))
	}
	return mcplib.Enum(cats...)
}

func (s *Server) saveDiscoveryTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("workflow_save_discovery",
		mcplib.WithDescription("Append a learning to the discovery log so later phases and tasks can use it"),
		taskIDParam(),
		mcplib.WithString("category", mcplib.Required(), categoryEnum()),
		mcplib.WithString("content", mcplib.Required()),
		mcplib.WithArray("tags", mcplib.WithStringItems()),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleSaveDiscovery}
}

func (s *Server) getDiscoveriesTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("workflow_get_discoveries",
		mcplib.WithDescription("List a task's discoveries in the order they were recorded"),
		taskIDParam(),
		mcplib.WithString("category", categoryEnum()),
		mcplib.WithArray("tags", mcplib.WithStringItems(), mcplib.Description("Every tag must be present")),
		mcplib.WithString("text", mcplib.Description("Case-insensitive substring of the content")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetDiscoveries}
}

func (s *Server) searchMemoriesTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("workflow_search_memories",
		mcplib.WithDescription("Keyword search over discoveries of all or selected tasks, most relevant first"),
		mcplib.WithString("query", mcplib.Required()),
		mcplib.WithArray("task_ids", mcplib.WithStringItems()),
		mcplib.WithString("category", categoryEnum()),
		mcplib.WithNumber("max_results", mcplib.Description("0 means no limit")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleSearchMemories}
}

func (s *Server) recordCostTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("workflow_record_cost",
		mcplib.WithDescription("Record the token usage of one agent invocation"),
		taskIDParam(),
		mcplib.WithString("agent", mcplib.Required()),
		mcplib.WithString("model", mcplib.Required(), mcplib.Description("opus, sonnet, haiku or a full model id")),
		mcplib.WithString("phase"),
		mcplib.WithNumber("input_tokens", mcplib.Required()),
		mcplib.WithNumber("output_tokens", mcplib.Required()),
		mcplib.WithNumber("compaction_tokens"),
		mcplib.WithNumber("duration_ms"),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleRecordCost}
}

func (s *Server) costSummaryTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("workflow_get_cost_summary",
		mcplib.WithDescription("Aggregate a task's recorded costs by phase, agent and model"),
		taskIDParam(),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleCostSummary}
}

func (s *Server) effectiveConfigTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("config_get_effective",
		mcplib.WithDescription("Resolve the layered configuration (defaults, global, project, task, overrides)"),
		mcplib.WithString("task_id", mcplib.Description("Include the task layer of this task")),
		mcplib.WithArray("overrides", mcplib.WithStringItems(), mcplib.Description("dotted.key=value")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleEffectiveConfig}
}

func (s *Server) handleSaveDiscovery(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Memory == nil {
		return mcplib.NewToolResultError("memory service not configured"), nil
	}
	var d memory.Discovery
	if err := req.BindArguments(&d); err != nil {
		return toolError("invalid arguments", err), nil
	}
	if err := s.deps.Memory.Save(ctx, &d); err != nil {
		return toolError("save discovery", err), nil
	}
	return toolResultJSON(d), nil
}

func (s *Server) handleGetDiscoveries(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Memory == nil {
		return mcplib.NewToolResultError("memory service not configured"), nil
	}
	var f memory.Filter
	if err := req.BindArguments(&f); err != nil {
		return toolError("invalid arguments", err), nil
	}
	if f.TaskID == "" {
		return mcplib.NewToolResultError("task_id is required"), nil
	}
	items, err := s.deps.Memory.Query(ctx, f)
	if err != nil {
		return toolError("get discoveries", err), nil
	}
	if items == nil {
		items = []memory.Discovery{}
	}
	return toolResultJSON(items), nil
}

func (s *Server) handleSearchMemories(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Memory == nil {
		return mcplib.NewToolResultError("memory service not configured"), nil
	}
	var sr memory.SearchRequest
	if err := req.BindArguments(&sr); err != nil {
		return toolError("invalid arguments", err), nil
	}
	if sr.Query == "" {
		return mcplib.NewToolResultError("query is required"), nil
	}
	res, err := s.deps.Memory.Search(ctx, sr)
	if err != nil {
		return toolError("search memories", err), nil
	}
	if res == nil {
		res = []memory.ScoredDiscovery{}
	}
	return toolResultJSON(res), nil
}

func (s *Server) handleRecordCost(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Costs == nil {
		return mcplib.NewToolResultError("cost service not configured"), nil
	}
	var e cost.Entry
	if err := req.BindArguments(&e); err != nil {
		return toolError("invalid arguments", err), nil
	}
	if err := s.deps.Costs.Record(ctx, &e); err != nil {
		return toolError("record cost", err), nil
	}
	return toolResultJSON(e), nil
}

func (s *Server) handleCostSummary(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Costs == nil {
		return mcplib.NewToolResultError("cost service not configured"), nil
	}
	id, err := req.RequireString("task_id")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	sum, err := s.deps.Costs.Summarize(ctx, id)
	if err != nil {
		return toolError("cost summary", err), nil
	}
	return toolResultJSON(sum), nil
}

func (s *Server) handleEffectiveConfig(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Config == nil {
		return mcplib.NewToolResultError("config service not configured"), nil
	}
	tc := s.deps.Context
	tc.Overrides = append(append([]string(nil), tc.Overrides...), req.GetStringSlice("overrides", nil)...)
	eff, err := s.deps.Config.Resolve(ctx, tc, req.GetString("task_id", ""))
	if err != nil {
		return toolError("resolve config", err), nil
	}
	return toolResultJSON(eff), nil
}
