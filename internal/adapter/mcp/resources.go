package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	tasksURI        = "crewflow://tasks"
	taskURIPrefix   = "crewflow://tasks/"
	taskURITemplate = "crewflow://tasks/{task_id}"
)

// registerResources registers all MCP resources on the server.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			tasksURI,
			"Task List",
			mcplib.WithResourceDescription("Every task with its mode, phase and status"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleTasksResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			taskURITemplate,
			"Task",
			mcplib.WithTemplateDescription("Full state of one task"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleTaskResource,
	)
}

type taskSummary struct {
	ID           string `json:"task_id"`
	Description  string `json:"description"`
	Mode         string `json:"mode"`
	CurrentPhase string `json:"current_phase"`
	Status       string `json:"status"`
}

func (s *Server) handleTasksResource(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.deps.Workflow == nil {
		return jsonContents(req.Params.URI, `{"error":"workflow service not configured"}`), nil
	}
	tasks, err := s.deps.Workflow.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]taskSummary, 0, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		out = append(out, taskSummary{
			ID:           t.ID,
			Description:  t.Description,
			Mode:         string(t.Mode),
			CurrentPhase: string(t.CurrentPhase),
			Status:       string(t.Status),
		})
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return jsonContents(req.Params.URI, string(data)), nil
}

func (s *Server) handleTaskResource(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.deps.Workflow == nil {
		return jsonContents(req.Params.URI, `{"error":"workflow service not configured"}`), nil
	}
	id := strings.TrimPrefix(req.Params.URI, taskURIPrefix)
	if id == "" || id == req.Params.URI {
		return nil, errors.New("task uri must look like " + taskURITemplate)
	}
	t, err := s.deps.Workflow.GetState(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	return jsonContents(req.Params.URI, string(data)), nil
}

func jsonContents(uri, text string) []mcplib.ResourceContents {
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     text,
		},
	}
}
