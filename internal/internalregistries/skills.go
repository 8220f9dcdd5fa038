package internalregistries

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gobby-dev/gobby/internal/mcpproxy"
)

// Skills builds the gobby-skills registry over the client-CLI-native
// skill layout (.claude/skills/<name>/SKILL.md). Listing and reading
// only — authoring stays with the client.
func Skills(projectDir string) *mcpproxy.InternalServer {
	skillsDir := filepath.Join(projectDir, ".claude", "skills")
	return &mcpproxy.InternalServer{
		Name: "gobby-skills",
		Tools: []mcpproxy.InternalTool{
			{
				Tool: mcp.NewTool("list_skills",
					mcp.WithDescription("List exported skills available to this project."),
				),
				Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
					entries, err := os.ReadDir(skillsDir)
					if err != nil {
						if os.IsNotExist(err) {
							return jsonResult(map[string]any{"count": 0, "skills": []string{}}), nil
						}
						return statusError(err), nil
					}
					names := []string{}
					for _, e := range entries {
						if e.IsDir() {
							names = append(names, e.Name())
						}
					}
					return jsonResult(map[string]any{"count": len(names), "skills": names}), nil
				},
			},
			{
				Tool: mcp.NewTool("get_skill",
					mcp.WithDescription("Read a skill's SKILL.md."),
					mcp.WithString("name", mcp.Required(), mcp.Description("The skill directory name")),
				),
				Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
					name := req.GetString("name", "")
					if name == "" || strings.ContainsAny(name, `/\`) {
						return mcp.NewToolResultError("'name' must be a bare skill directory name"), nil
					}
					data, err := os.ReadFile(filepath.Join(skillsDir, name, "SKILL.md"))
					if err != nil {
						return statusError(err), nil
					}
					return mcp.NewToolResultText(string(data)), nil
				},
			},
		},
	}
}
