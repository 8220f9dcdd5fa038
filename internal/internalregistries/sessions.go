package internalregistries

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gobby-dev/gobby/internal/autonomy"
	"github.com/gobby-dev/gobby/internal/mcpproxy"
	"github.com/gobby-dev/gobby/internal/storage"
)

// Sessions builds the gobby-sessions registry: session introspection
// plus the stop-signal entry point external clients use to wind down an
// autonomous session.
func Sessions(store *storage.Store, ctrl *autonomy.Controller) *mcpproxy.InternalServer {
	return &mcpproxy.InternalServer{
		Name: "gobby-sessions",
		Tools: []mcpproxy.InternalTool{
			{
				Tool: mcp.NewTool("get_session",
					mcp.WithDescription("Fetch one session's record."),
					mcp.WithString("session_id", mcp.Required(), mcp.Description("The session id")),
				),
				Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
					sess, err := store.Sessions.Get(req.GetString("session_id", ""))
					if err != nil {
						return statusError(err), nil
					}
					return jsonResult(sessionPayload(sess)), nil
				},
			},
			{
				Tool: mcp.NewTool("list_handoff_ready",
					mcp.WithDescription("List sessions awaiting transcript processing and handoff."),
				),
				Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
					sessions, err := store.Sessions.ListHandoffReady(store.ProjectID)
					if err != nil {
						return statusError(err), nil
					}
					items := make([]map[string]any, 0, len(sessions))
					for _, s := range sessions {
						items = append(items, sessionPayload(s))
					}
					return jsonResult(map[string]any{"count": len(items), "sessions": items}), nil
				},
			},
			{
				Tool: mcp.NewTool("stop_session",
					mcp.WithDescription("Issue a stop signal for a session. The autonomous loop consumes it at its next checkpoint and winds down gracefully."),
					mcp.WithString("session_id", mcp.Required(), mcp.Description("The session to stop")),
					mcp.WithString("reason", mcp.Description("Why the session should stop")),
				),
				Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
					id := req.GetString("session_id", "")
					reason := req.GetString("reason", "requested")
					if err := ctrl.IssueStop(id, reason, "mcp"); err != nil {
						return statusError(err), nil
					}
					return jsonResult(map[string]any{"status": "ok", "session_id": id, "reason": reason}), nil
				},
			},
		},
	}
}

func sessionPayload(s *storage.Session) map[string]any {
	return map[string]any{
		"id":                s.ID,
		"project_id":        s.ProjectID,
		"source":            s.Source,
		"status":            string(s.Status),
		"started_at":        s.StartedAt,
		"title":             s.Title,
		"summary":           s.Summary,
		"token_count":       s.TokenCount,
		"cost_usd":          s.CostUSD,
		"autonomous":        s.Autonomous,
		"parent_session_id": s.ParentSessionID,
	}
}
