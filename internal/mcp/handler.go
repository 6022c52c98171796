// Package mcp exposes launchpad sessions as Model Context Protocol tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ternarybob/launchpad/internal/action"
	"github.com/ternarybob/launchpad/internal/config"
	"github.com/ternarybob/launchpad/internal/project"
	"github.com/ternarybob/launchpad/pkg/debug"
	"github.com/ternarybob/launchpad/pkg/session"
)

// Handler wraps the action manager to provide MCP tool access.
type Handler struct {
	cfg      *config.Config
	projects *project.Manager
	actions  *action.Manager
	server   *server.MCPServer
}

// NewHandler creates a new MCP handler.
func NewHandler(cfg *config.Config, projects *project.Manager, actions *action.Manager, version string) *Handler {
	h := &Handler{
		cfg:      cfg,
		projects: projects,
		actions:  actions,
	}

	mcpServer := server.NewMCPServer(
		"launchpad",
		version,
		server.WithToolCapabilities(true),
	)
	h.registerTools(mcpServer)

	h.server = mcpServer
	return h
}

// registerTools registers all MCP tools with the server.
func (h *Handler) registerTools(s *server.MCPServer) {
	s.AddTool(
		mcp.NewTool("start_session",
			mcp.WithDescription("Start a build, run, debug or test action for a workspace. Returns the session id."),
			mcp.WithString("workspace",
				mcp.Required(),
				mcp.Description("Workspace root directory, its .launchpad.toml, or a registered project id"),
			),
			mcp.WithString("kind",
				mcp.Description("Action kind: build, run, debug, test (default: run)"),
			),
			mcp.WithString("build_policy",
				mcp.Description("Build before launch: always, ask, never (default from service config)"),
			),
			mcp.WithString("tests",
				mcp.Description("Comma-separated test identifiers for a test action (e.g. 'AppTests/LoginTests')"),
			),
			mcp.WithBoolean("refresh_breakpoints",
				mcp.Description("Re-set all breakpoints on the first continue"),
			),
		),
		h.handleStartSession,
	)

	s.AddTool(
		mcp.NewTool("cancel_session",
			mcp.WithDescription("Stop a session and cancel its running processes."),
			mcp.WithString("id", mcp.Required(), mcp.Description("Session id")),
		),
		h.handleCancelSession,
	)

	s.AddTool(
		mcp.NewTool("session_status",
			mcp.WithDescription("Get the state, status history and outcome of a session."),
			mcp.WithString("id", mcp.Required(), mcp.Description("Session id")),
		),
		h.handleSessionStatus,
	)

	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List known sessions, newest first."),
		),
		h.handleListSessions,
	)

	s.AddTool(
		mcp.NewTool("session_log",
			mcp.WithDescription("Read the console log of a session."),
			mcp.WithString("id", mcp.Required(), mcp.Description("Session id")),
			mcp.WithNumber("tail", mcp.Description("Number of trailing lines (default: 50, 0 for all)")),
		),
		h.handleSessionLog,
	)

	s.AddTool(
		mcp.NewTool("list_projects",
			mcp.WithDescription("List registered workspaces."),
		),
		h.handleListProjects,
	)
}

func (h *Handler) handleStartSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ws := request.GetString("workspace", "")
	if ws == "" {
		return mcp.NewToolResultError("workspace parameter is required"), nil
	}

	kind, err := debug.ParseKind(request.GetString("kind", "run"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	req := action.Request{
		Kind:               kind,
		Workspace:          ws,
		Policy:             request.GetString("build_policy", ""),
		TestIDs:            splitList(request.GetString("tests", "")),
		RefreshBreakpoints: request.GetBool("refresh_breakpoints", false),
	}

	sess, err := h.actions.Start(req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start session failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Started %s session %s", kind, sess.ID)), nil
}

func (h *Handler) handleCancelSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := request.GetString("id", "")
	if id == "" {
		return mcp.NewToolResultError("id parameter is required"), nil
	}
	if err := h.actions.Cancel(id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("Stop requested for session " + id), nil
}

func (h *Handler) handleSessionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := request.GetString("id", "")
	if id == "" {
		return mcp.NewToolResultError("id parameter is required"), nil
	}
	info, err := h.actions.Info(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := map[string]interface{}{
		"session": info,
		"history": h.actions.Tracker().History(id),
	}
	return jsonResult(result)
}

func (h *Handler) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions := h.actions.List()
	if len(sessions) == 0 {
		return mcp.NewToolResultText("No sessions"), nil
	}

	var sb strings.Builder
	for _, s := range sessions {
		fmt.Fprintf(&sb, "%s  %-5s  %-11s  %s", s.ID, s.Kind, s.State, s.Workspace)
		if s.Error != "" {
			fmt.Fprintf(&sb, "  (%s)", s.Error)
		}
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (h *Handler) handleSessionLog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := request.GetString("id", "")
	if _, err := h.actions.Get(id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	lines, err := session.ReadLog(h.cfg.SessionsDir(), id, request.GetInt("tail", 50))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("read log failed: %v", err)), nil
	}
	if len(lines) == 0 {
		return mcp.NewToolResultText("Log is empty"), nil
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (h *Handler) handleListProjects(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projects := h.projects.List()
	if len(projects) == 0 {
		return mcp.NewToolResultText("No registered projects"), nil
	}

	var sb strings.Builder
	for _, p := range projects {
		fmt.Fprintf(&sb, "%s  %s  %s\n", p.ID, p.Name, p.Path)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// ServeStdio starts the MCP server on stdio.
func (h *Handler) ServeStdio() error {
	return server.ServeStdio(h.server)
}

// Server returns the underlying MCP server.
func (h *Handler) Server() *server.MCPServer {
	return h.server
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal result failed: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
