package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/agentd/internal/events"
	"github.com/joescharf/agentd/internal/models"
	"github.com/joescharf/agentd/internal/orchestrator"
	"github.com/joescharf/agentd/internal/store"
)

const defaultListLimit = 20

// Server exposes session orchestration as MCP tools.
type Server struct {
	orch    *orchestrator.Manager
	store   store.Store
	bus     *events.Bus
	version string
}

// NewServer creates the MCP server wrapper.
func NewServer(orch *orchestrator.Manager, s store.Store, bus *events.Bus, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{orch: orch, store: s, bus: bus, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("agentd", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listSessionsTool())
	srv.AddTool(s.getSessionTool())
	srv.AddTool(s.sessionEventsTool())
	srv.AddTool(s.createSessionTool())
	srv.AddTool(s.sendMessageTool())
	srv.AddTool(s.cancelSessionTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// agentd_list_sessions
func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("agentd_list_sessions",
		mcp.WithDescription("List agent sessions, most recently active first. Returns a JSON array with id, title, status, workspace and timestamps."),
		mcp.WithNumber("limit", mcp.Description("Maximum number of sessions to return (default 20)")),
		mcp.WithString("status", mcp.Description("Filter by status"), mcp.Enum("idle", "running", "cancelled")),
	)
	return tool, s.handleListSessions
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := request.GetInt("limit", defaultListLimit)
	status := models.SessionStatus(request.GetString("status", ""))
	if status != "" && !status.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("invalid status: %s", status)), nil
	}

	sessions, err := s.store.ListSessions(ctx, store.SessionListFilter{Status: status, Limit: limit})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	return jsonResult(sessions)
}

// agentd_get_session
func (s *Server) getSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("agentd_get_session",
		mcp.WithDescription("Get a session with its full message history."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	)
	return tool, s.handleGetSession
}

func (s *Server) handleGetSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}

	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("session not found: %s", id)), nil
	}
	msgs, err := s.store.ListMessages(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list messages: %v", err)), nil
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}

	return jsonResult(struct {
		*models.Session
		Messages []*models.Message `json:"messages"`
		Live     bool              `json:"live"`
	}{sess, msgs, s.orch.IsRunning(id)})
}

// agentd_session_events
func (s *Server) sessionEventsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("agentd_session_events",
		mcp.WithDescription("Return the events buffered for a session's current or most recent run. Use this to poll a run's progress."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	)
	return tool, s.handleSessionEvents
}

func (s *Server) handleSessionEvents(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}

	evs, ok := s.bus.Snapshot(id)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("no buffered events for session: %s", id)), nil
	}
	return jsonResult(map[string]any{
		"session_id": id,
		"done":       s.bus.Done(id),
		"events":     evs,
	})
}

// agentd_create_session
func (s *Server) createSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("agentd_create_session",
		mcp.WithDescription("Start a new agent session in a fresh workspace. Returns once the agent has assigned a session ID; the run continues in the background."),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("Task for the agent")),
		mcp.WithString("environment", mcp.Description("Environment profile (default: default)")),
		mcp.WithString("repo", mcp.Description("Git repository URL to clone into the workspace")),
		mcp.WithString("branch", mcp.Description("Branch to check out (requires repo)")),
	)
	return tool, s.handleCreateSession
}

func (s *Server) handleCreateSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt, err := request.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: prompt"), nil
	}

	res, err := s.orch.CreateSession(ctx, orchestrator.CreateRequest{
		Prompt:      prompt,
		Environment: request.GetString("environment", ""),
		Repo:        request.GetString("repo", ""),
		Branch:      request.GetString("branch", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create session: %v", err)), nil
	}
	return jsonResult(res)
}

// agentd_send_message
func (s *Server) sendMessageTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("agentd_send_message",
		mcp.WithDescription("Send a follow-up prompt to an idle or cancelled session, resuming the agent's conversation."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("Follow-up prompt")),
	)
	return tool, s.handleSendMessage
}

func (s *Server) handleSendMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	prompt, err := request.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: prompt"), nil
	}

	if err := s.orch.SendMessage(ctx, id, prompt); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to send message: %v", err)), nil
	}
	return jsonResult(map[string]string{"session_id": id, "status": string(models.SessionStatusRunning)})
}

// agentd_cancel_session
func (s *Server) cancelSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("agentd_cancel_session",
		mcp.WithDescription("Cancel a session's in-flight run."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	)
	return tool, s.handleCancelSession
}

func (s *Server) handleCancelSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}

	if err := s.orch.Cancel(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to cancel session: %v", err)), nil
	}
	return jsonResult(map[string]string{"session_id": id, "status": string(models.SessionStatusCancelled)})
}
