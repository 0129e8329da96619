// Package mcp implements the MCP (Model Context Protocol) collaborator
// interface: listing tools/prompts and calling tools against one or more
// MCP servers reachable over stdio or streamable-HTTP/SSE transport.
package mcp

import (
	"context"
	"time"
)

// ToolDescriptor describes one tool exposed by a server.
type ToolDescriptor struct {
	Server      string
	Name        string
	Description string
	// Schema is the tool's JSON-schema-like parameter schema. If it
	// declares a property named "_mcp_data", the Tool Executor injects
	// the tool-fleet directory at invocation time.
	Schema map[string]any
}

// PromptDescriptor describes one prompt exposed by a server.
type PromptDescriptor struct {
	Server      string
	Name        string
	Description string
}

// Client is the MCP collaborator interface.
type Client interface {
	// ListTools returns every server's tools, keyed by server name. No
	// server is treated as a system server or filtered out.
	ListTools(ctx context.Context) (map[string][]ToolDescriptor, error)

	// CallTool invokes one tool and returns its raw result payload. The
	// call is bounded by timeout; timeout <= 0 uses the client's default.
	CallTool(ctx context.Context, server, tool string, arguments map[string]any, timeout time.Duration) (string, error)

	// ListPrompts returns every server's prompts, keyed by server name.
	ListPrompts(ctx context.Context) (map[string][]PromptDescriptor, error)
}
