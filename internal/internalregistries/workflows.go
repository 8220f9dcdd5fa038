package internalregistries

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"gopkg.in/yaml.v3"

	"github.com/gobby-dev/gobby/internal/mcpproxy"
	"github.com/gobby-dev/gobby/internal/workflow/loader"
)

// Invalidator drops a workflow's cached resolution so the next session
// picks up edits. The workflow engine satisfies it.
type Invalidator interface {
	Invalidate(name string)
}

// Workflows builds the gobby-workflows registry: listing, read-only
// introspection of the resolved (post-merge) definition, authoring-time
// validation, and explicit reload.
func Workflows(registry *loader.Registry, inval Invalidator) *mcpproxy.InternalServer {
	return &mcpproxy.InternalServer{
		Name: "gobby-workflows",
		Tools: []mcpproxy.InternalTool{
			{
				Tool: mcp.NewTool("list_workflows",
					mcp.WithDescription("List every workflow name known across the bundled, user, and project tiers."),
				),
				Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
					return jsonResult(map[string]any{"workflows": registry.Names()}), nil
				},
			},
			{
				Tool: mcp.NewTool("describe",
					mcp.WithDescription("Return the fully resolved workflow definition for a name, with its extends chain merged."),
					mcp.WithString("name", mcp.Required(), mcp.Description("The workflow name")),
				),
				Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
					def, err := registry.Resolve(req.GetString("name", ""))
					if err != nil {
						return statusError(err), nil
					}
					out, err := yaml.Marshal(def)
					if err != nil {
						return statusError(err), nil
					}
					return mcp.NewToolResultText(string(out)), nil
				},
			},
			{
				Tool: mcp.NewTool("validate",
					mcp.WithDescription("Resolve and validate a workflow without activating it for any session. Reports load errors during authoring."),
					mcp.WithString("name", mcp.Required(), mcp.Description("The workflow name")),
				),
				Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
					name := req.GetString("name", "")
					registry.Invalidate(name)
					if _, err := registry.Resolve(name); err != nil {
						return jsonResult(map[string]any{"valid": false, "error": err.Error()}), nil
					}
					return jsonResult(map[string]any{"valid": true, "name": name}), nil
				},
			},
			{
				Tool: mcp.NewTool("reload",
					mcp.WithDescription("Drop the cached resolution for a workflow so edits take effect for the next session."),
					mcp.WithString("name", mcp.Required(), mcp.Description("The workflow name")),
				),
				Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
					name := req.GetString("name", "")
					if inval != nil {
						inval.Invalidate(name)
					} else {
						registry.Invalidate(name)
					}
					return jsonResult(map[string]any{"status": "ok", "reloaded": name}), nil
				},
			},
		},
	}
}
