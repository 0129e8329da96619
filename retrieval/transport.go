package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kadirpekel/atlas/mcp"
)

// httpQueryRequest is the wire shape sent to an HTTP retrieval endpoint.
type httpQueryRequest struct {
	UserEmail string    `json:"user_email"`
	Messages  []Message `json:"messages"`
}

// httpQueryResponse is the wire shape an HTTP retrieval endpoint returns.
// Object == "chat.completion" signals IsCompletion, per spec.md §6.
type httpQueryResponse struct {
	Object   string         `json:"object,omitempty"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// HTTPTransport queries a retrieval source over a plain JSON HTTP
// endpoint.
type HTTPTransport struct {
	URL    string
	Client *http.Client
}

func NewHTTPTransport(url string) *HTTPTransport {
	return &HTTPTransport{URL: url, Client: &http.Client{Timeout: 30 * time.Second}}
}

func (t *HTTPTransport) Query(ctx context.Context, sourceID, userEmail string, messages []Message) (Response, error) {
	body, err := json.Marshal(httpQueryRequest{UserEmail: userEmail, Messages: messages})
	if err != nil {
		return Response{}, fmt.Errorf("marshal retrieval request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build retrieval request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := t.Client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("retrieval request to %s: %w", sourceID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("retrieval source %s returned status %d", sourceID, resp.StatusCode)
	}

	var out httpQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("decode retrieval response from %s: %w", sourceID, err)
	}

	docsFound := 0
	if v, ok := out.Metadata["documents_found"].(float64); ok {
		docsFound = int(v)
	}

	return Response{
		Content:      out.Content,
		IsCompletion: out.Object == "chat.completion",
		DocsFound:    docsFound,
		RetrievalMS:  time.Since(start).Milliseconds(),
	}, nil
}

// MCPTransport queries a retrieval source exposed as an MCP tool call.
type MCPTransport struct {
	Client     mcp.Client
	Server     string
	ToolName   string
	Timeout    time.Duration
}

func NewMCPTransport(client mcp.Client, server, toolName string, timeout time.Duration) *MCPTransport {
	return &MCPTransport{Client: client, Server: server, ToolName: toolName, Timeout: timeout}
}

func (t *MCPTransport) Query(ctx context.Context, sourceID, userEmail string, messages []Message) (Response, error) {
	args := map[string]any{"user_email": userEmail, "messages": messages}
	content, err := t.Client.CallTool(ctx, t.Server, t.ToolName, args, t.Timeout)
	if err != nil {
		return Response{}, fmt.Errorf("mcp retrieval source %s: %w", sourceID, err)
	}
	return Response{Content: content}, nil
}
