package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/taskowner/internal/orchestrator"
	"github.com/kalambet/taskowner/internal/storage"
)

// NewMCPServer creates an MCP server exposing the operator tools over the
// same dependencies as the management API.
func NewMCPServer(deps Deps, version string) *server.MCPServer {
	deps.setDefaults()

	s := server.NewMCPServer(
		"taskowner",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("taskowner: inspect and steer task ownership across tenants."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_tasks",
			mcp.WithDescription("List orchestrated tasks, newest first."),
			mcp.WithString("tenant", mcp.Description("Restrict to one tenant id")),
			mcp.WithString("status", mcp.Description("PENDING_OWNER, OWNED, COMPLETED or ESCALATED")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of tasks (default 50)")),
		),
		mcpListTasks(deps),
	)

	s.AddTool(
		mcp.NewTool("get_task",
			mcp.WithDescription("Show one task with its follow-ups and accumulated context."),
			mcp.WithString("task_id", mcp.Description("Task id"), mcp.Required()),
		),
		mcpGetTask(deps),
	)

	s.AddTool(
		mcp.NewTool("escalate_task",
			mcp.WithDescription("Escalate a task to its tenant administrator."),
			mcp.WithString("task_id", mcp.Description("Task id"), mcp.Required()),
			mcp.WithString("reason", mcp.Description("Note shown to the administrator")),
		),
		mcpEscalateTask(deps),
	)

	s.AddTool(
		mcp.NewTool("reload_tenant",
			mcp.WithDescription("Rebuild a tenant's clients from stored configuration."),
			mcp.WithString("tenant_id", mcp.Description("Tenant id"), mcp.Required()),
		),
		mcpReloadTenant(deps),
	)

	s.AddTool(
		mcp.NewTool("get_conversation",
			mcp.WithDescription("Show a user's conversation state and recent messages."),
			mcp.WithString("tenant_id", mcp.Description("Tenant id"), mcp.Required()),
			mcp.WithString("user_id", mcp.Description("Chat user id"), mcp.Required()),
		),
		mcpGetConversation(deps),
	)

	s.AddTool(
		mcp.NewTool("job_stats",
			mcp.WithDescription("Count tenants, tasks by status and durable jobs by status."),
		),
		mcpJobStats(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"taskowner://tenants",
			"Tenants",
			mcp.WithResourceDescription("Registered tenants as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceTenants(deps),
	)

	return s
}

func mcpListTasks(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status := storage.TaskStatus(req.GetString("status", ""))
		if status != "" && !validStatus(status) {
			return mcpError(fmt.Sprintf("unknown status %q", status)), nil
		}
		limit := req.GetInt("limit", defaultListLimit)
		if limit <= 0 {
			limit = defaultListLimit
		}
		if limit > maxListLimit {
			limit = maxListLimit
		}

		tasks, err := deps.Store.ListTasks(storage.TaskFilter{
			TenantID: req.GetString("tenant", ""),
			Status:   status,
			Limit:    limit,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list tasks: %v", err)), nil
		}
		views := make([]TaskView, 0, len(tasks))
		for _, t := range tasks {
			v := newTaskView(t)
			v.Context = nil
			views = append(views, v)
		}
		return mcpJSON(views)
	}
}

func mcpGetTask(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("task_id")
		if err != nil {
			return mcpError("task_id is required"), nil
		}
		task, err := deps.Store.GetTask(id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError("task not found"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get task: %v", err)), nil
		}
		followUps, err := deps.Store.ListFollowUps(id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list follow-ups: %v", err)), nil
		}
		v := newTaskView(task)
		for _, f := range followUps {
			v.FollowUps = append(v.FollowUps, newFollowUpView(f))
		}
		return mcpJSON(v)
	}
}

func mcpEscalateTask(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("task_id")
		if err != nil {
			return mcpError("task_id is required"), nil
		}
		task, err := deps.Store.GetTask(id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError("task not found"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get task: %v", err)), nil
		}
		out := deps.Orchestrator.Escalate(ctx, id, task.TenantID, orchestrator.ReasonManual(req.GetString("reason", "")))
		if !out.OK() {
			return mcpError(out.String()), nil
		}
		return mcpText(fmt.Sprintf("Escalated %s (%s)", task.Name, id)), nil
	}
}

func mcpReloadTenant(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("tenant_id")
		if err != nil {
			return mcpError("tenant_id is required"), nil
		}
		if err := deps.Tenants.Reload(id); err != nil {
			return mcpError(fmt.Sprintf("failed to reload tenant: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Reloaded tenant %s", id)), nil
	}
}

func mcpGetConversation(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tenantID, err := req.RequireString("tenant_id")
		if err != nil {
			return mcpError("tenant_id is required"), nil
		}
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		c, err := deps.Conversations.Lookup(tenantID, userID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError("conversation not found"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get conversation: %v", err)), nil
		}
		return mcpJSON(newConversationView(c))
	}
}

func mcpJobStats(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		v, err := collectStatus(deps)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to collect status: %v", err)), nil
		}
		return mcpJSON(v)
	}
}

func mcpResourceTenants(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		type tenantSummary struct {
			ID              string `json:"id"`
			Name            string `json:"name"`
			ChatWorkspaceID string `json:"chat_workspace_id"`
			WebhookReady    bool   `json:"webhook_ready"`
		}

		entries := deps.Tenants.All()
		summaries := make([]tenantSummary, len(entries))
		for i, e := range entries {
			summaries[i] = tenantSummary{
				ID:              e.Tenant.ID,
				Name:            e.Tenant.Name,
				ChatWorkspaceID: e.Tenant.ChatWorkspaceID,
				WebhookReady:    e.Tenant.WebhookSecret != "",
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal tenants: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
