package internalregistries

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gobby-dev/gobby/internal/mcpproxy"
	"github.com/gobby-dev/gobby/internal/memory"
	"github.com/gobby-dev/gobby/internal/storage"
)

// Memory builds the gobby-memory registry: save, recall, list, and
// delete over the persistent memory store.
func Memory(store *storage.Store) *mcpproxy.InternalServer {
	return &mcpproxy.InternalServer{
		Name: "gobby-memory",
		Tools: []mcpproxy.InternalTool{
			{
				Tool: mcp.NewTool("save_memory",
					mcp.WithDescription("Save a memory — a decision, pattern, or note worth recalling in later sessions. "+
						"A topic_key makes the memory evolve in place instead of accumulating duplicates."),
					mcp.WithString("title", mcp.Required(), mcp.Description("Short label for the memory")),
					mcp.WithString("content", mcp.Required(), mcp.Description("The memory body")),
					mcp.WithString("memory_type", mcp.Description("decision | pattern | bugfix | note"), mcp.Enum("decision", "pattern", "bugfix", "note")),
					mcp.WithString("session_id", mcp.Description("The session this memory came from")),
					mcp.WithString("topic_key", mcp.Description("Stable key for an evolving topic, e.g. arch/storage")),
				),
				Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
					m, err := store.Memories.Add(storage.AddMemoryParams{
						ProjectID:  store.ProjectID,
						SessionID:  req.GetString("session_id", ""),
						MemoryType: req.GetString("memory_type", "note"),
						Title:      req.GetString("title", ""),
						Content:    req.GetString("content", ""),
						TopicKey:   req.GetString("topic_key", ""),
					})
					if err != nil {
						return statusError(err), nil
					}
					return jsonResult(map[string]any{"status": "ok", "id": m.ID}), nil
				},
			},
			{
				Tool: mcp.NewTool("recall",
					mcp.WithDescription("Full-text search over saved memories."),
					mcp.WithString("query", mcp.Required(), mcp.Description("Search terms")),
					mcp.WithString("detail_level", mcp.Description("How much of each memory to return"), mcp.Enum(memory.DetailLevels()...)),
					mcp.WithNumber("limit", mcp.Description("Maximum results, default 10")),
				),
				Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
					hits, err := store.Memories.Search(store.ProjectID, req.GetString("query", ""), req.GetInt("limit", 10))
					if err != nil {
						return statusError(err), nil
					}
					detail := memory.ParseDetail(req.GetString("detail_level", ""))
					return mcp.NewToolResultText(memory.FormatRecall(hits, detail)), nil
				},
			},
			{
				Tool: mcp.NewTool("list_memories",
					mcp.WithDescription("List recent memories, newest first."),
					mcp.WithNumber("limit", mcp.Description("Maximum results, default 20")),
					mcp.WithString("detail_level", mcp.Description("How much of each memory to return"), mcp.Enum(memory.DetailLevels()...)),
				),
				Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
					items, err := store.Memories.List(store.ProjectID, req.GetInt("limit", 20))
					if err != nil {
						return statusError(err), nil
					}
					detail := memory.ParseDetail(req.GetString("detail_level", string(memory.DetailSummary)))
					return mcp.NewToolResultText(memory.FormatRecall(items, detail)), nil
				},
			},
			{
				Tool: mcp.NewTool("delete_memory",
					mcp.WithDescription("Soft-delete a memory. The tombstone propagates through memories.jsonl sync."),
					mcp.WithString("memory_id", mcp.Required(), mcp.Description("The memory's short reference (gm-XXXXXX)")),
				),
				Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
					id := req.GetString("memory_id", "")
					if err := store.Memories.Delete(id); err != nil {
						return statusError(err), nil
					}
					return jsonResult(map[string]any{"status": "ok", "deleted": id}), nil
				},
			},
		},
	}
}
