package km

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Version is injected from the kmd build metadata.
var Version = "dev"

// newMCPServer registers the same tools as toolDescriptors in tools.go, kept
// in sync by hand since mcp.AddTool's generic signature differs per tool's
// typed input and can't be driven from one loop.
func newMCPServer(k *toolkit) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "kmd",
		Version: Version,
	}, nil)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "save",
		Description: "Save a knowledge item, deduped by category and content hash",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in saveParams) (*mcp.CallToolResult, any, error) {
		return jsonToolResult(k.save(ctx, in))
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "query",
		Description: "Query knowledge items by category and/or substring",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in queryParams) (*mcp.CallToolResult, any, error) {
		return jsonToolResult(k.query(ctx, in))
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "get_file_path",
		Description: "Resolve a logical name to the filesystem path it currently maps to",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in getFilePathParams) (*mcp.CallToolResult, any, error) {
		return jsonToolResult(k.getFilePath(ctx, in))
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "register_file_path",
		Description: "Bind a logical name to a filesystem path for later get_file_path lookups",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in registerFilePathParams) (*mcp.CallToolResult, any, error) {
		return jsonToolResult(k.registerFilePath(ctx, in))
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "register_api",
		Description: "Register or version an API contract schema",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in registerAPIParams) (*mcp.CallToolResult, any, error) {
		return jsonToolResult(k.registerAPI(ctx, in))
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "get_api",
		Description: "Fetch an API contract by name and optional version (latest if omitted)",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in getAPIParams) (*mcp.CallToolResult, any, error) {
		return jsonToolResult(k.getAPI(ctx, in))
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "create_task",
		Description: "Create a new ticket in the CREATED state",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in createTaskParams) (*mcp.CallToolResult, any, error) {
		return jsonToolResult(k.createTask(ctx, in))
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "submit_trigger",
		Description: "Submit a trigger onto the project's trigger bus",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in submitTriggerParams) (*mcp.CallToolResult, any, error) {
		return jsonToolResult(k.submitTrigger(ctx, in))
	})

	return srv
}

// mcpHandler returns the SSE transport for the MCP surface, mounted at
// /mcp/spec for discovery; /mcp itself is served by the plain JSON-RPC
// handler, not by this one.
func mcpHandler(srv *mcp.Server) http.Handler {
	return mcp.NewSSEHandler(func(_ *http.Request) *mcp.Server {
		return srv
	}, nil)
}

func jsonToolResult(v any, err error) (*mcp.CallToolResult, any, error) {
	if err != nil {
		return nil, nil, err
	}
	data, marshalErr := json.Marshal(v)
	if marshalErr != nil {
		return nil, nil, marshalErr
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}
