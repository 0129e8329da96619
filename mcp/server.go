package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpclient "github.com/mark3labs/mcp-go/client"
)

const (
	defaultCallTimeout = 120 * time.Second
	defaultSSETimeout  = 5 * time.Minute
	protocolVersion    = "2024-11-05"
)

// ServerConfig describes how to reach one MCP server.
type ServerConfig struct {
	Name      string
	Transport string // "stdio", "sse", "streamable-http"
	Command   string
	Args      []string
	Env       map[string]string
	URL       string
}

// Registry is a Client backed by a fixed set of configured MCP servers,
// each lazily connected on first use.
type Registry struct {
	servers map[string]*ServerConfig

	mu     sync.Mutex
	stdio  map[string]*mcpclient.Client
	http   map[string]*http.Client
	sessID map[string]string
}

// NewRegistry builds a Registry over the given server configs.
func NewRegistry(servers []ServerConfig) *Registry {
	byName := make(map[string]*ServerConfig, len(servers))
	for i := range servers {
		byName[servers[i].Name] = &servers[i]
	}
	return &Registry{
		servers: byName,
		stdio:   make(map[string]*mcpclient.Client),
		http:    make(map[string]*http.Client),
		sessID:  make(map[string]string),
	}
}

func (r *Registry) stdioClient(ctx context.Context, cfg *ServerConfig) (*mcpclient.Client, error) {
	r.mu.Lock()
	if c, ok := r.stdio[cfg.Name]; ok {
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	c, err := mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("create mcp stdio client %q: %w", cfg.Name, err)
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("start mcp stdio client %q: %w", cfg.Name, err)
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "atlas", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = protocolVersion
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, fmt.Errorf("initialize mcp stdio client %q: %w", cfg.Name, err)
	}

	r.mu.Lock()
	r.stdio[cfg.Name] = c
	r.mu.Unlock()
	return c, nil
}

func (r *Registry) ListTools(ctx context.Context) (map[string][]ToolDescriptor, error) {
	result := make(map[string][]ToolDescriptor)
	for name, cfg := range r.servers {
		descs, err := r.listToolsOne(ctx, cfg)
		if err != nil {
			slog.Warn("mcp list_tools failed for server", "server", name, "error", err)
			continue
		}
		result[name] = descs
	}
	return result, nil
}

func (r *Registry) listToolsOne(ctx context.Context, cfg *ServerConfig) ([]ToolDescriptor, error) {
	if cfg.Transport == "stdio" || (cfg.Transport == "" && cfg.Command != "") {
		c, err := r.stdioClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		resp, err := c.ListTools(ctx, mcpgo.ListToolsRequest{})
		if err != nil {
			return nil, err
		}
		out := make([]ToolDescriptor, 0, len(resp.Tools))
		for _, t := range resp.Tools {
			out = append(out, ToolDescriptor{Server: cfg.Name, Name: t.Name, Description: t.Description, Schema: schemaToMap(t.InputSchema)})
		}
		return out, nil
	}

	resp, err := r.rpc(ctx, cfg, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("mcp tools/list error: %s", resp.Error.Message)
	}
	resultMap, _ := resp.Result.(map[string]any)
	rawTools, _ := resultMap["tools"].([]any)
	out := make([]ToolDescriptor, 0, len(rawTools))
	for _, raw := range rawTools {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		desc, _ := m["description"].(string)
		schema, _ := m["inputSchema"].(map[string]any)
		out = append(out, ToolDescriptor{Server: cfg.Name, Name: name, Description: desc, Schema: schema})
	}
	return out, nil
}

func (r *Registry) ListPrompts(ctx context.Context) (map[string][]PromptDescriptor, error) {
	result := make(map[string][]PromptDescriptor)
	for name, cfg := range r.servers {
		if cfg.Transport == "stdio" || (cfg.Transport == "" && cfg.Command != "") {
			c, err := r.stdioClient(ctx, cfg)
			if err != nil {
				slog.Warn("mcp list_prompts failed for server", "server", name, "error", err)
				continue
			}
			resp, err := c.ListPrompts(ctx, mcpgo.ListPromptsRequest{})
			if err != nil {
				slog.Warn("mcp list_prompts failed for server", "server", name, "error", err)
				continue
			}
			out := make([]PromptDescriptor, 0, len(resp.Prompts))
			for _, p := range resp.Prompts {
				out = append(out, PromptDescriptor{Server: cfg.Name, Name: p.Name, Description: p.Description})
			}
			result[name] = out
			continue
		}
		// HTTP transports: prompts/list is best-effort, absorb failures.
		resp, err := r.rpc(ctx, cfg, "prompts/list", nil)
		if err != nil || resp.Error != nil {
			slog.Warn("mcp list_prompts failed for server", "server", name)
			continue
		}
		resultMap, _ := resp.Result.(map[string]any)
		raw, _ := resultMap["prompts"].([]any)
		out := make([]PromptDescriptor, 0, len(raw))
		for _, r := range raw {
			m, ok := r.(map[string]any)
			if !ok {
				continue
			}
			n, _ := m["name"].(string)
			d, _ := m["description"].(string)
			out = append(out, PromptDescriptor{Server: cfg.Name, Name: n, Description: d})
		}
		result[name] = out
	}
	return result, nil
}

func (r *Registry) CallTool(ctx context.Context, server, tool string, arguments map[string]any, timeout time.Duration) (string, error) {
	cfg, ok := r.servers[server]
	if !ok {
		return "", fmt.Errorf("unknown mcp server %q", server)
	}
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if cfg.Transport == "stdio" || (cfg.Transport == "" && cfg.Command != "") {
		return r.callStdio(callCtx, cfg, tool, arguments)
	}
	return r.callHTTP(callCtx, cfg, tool, arguments)
}

func (r *Registry) callStdio(ctx context.Context, cfg *ServerConfig, tool string, arguments map[string]any) (string, error) {
	c, err := r.stdioClient(ctx, cfg)
	if err != nil {
		return "", err
	}
	req := mcpgo.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = arguments

	resp, err := c.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("mcp call_tool %s/%s: %w", cfg.Name, tool, err)
	}
	return textContent(resp), nil
}

func textContent(resp *mcpgo.CallToolResult) string {
	var texts []string
	for _, c := range resp.Content {
		if tc, ok := c.(mcpgo.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	if resp.IsError {
		if len(texts) > 0 {
			return texts[0]
		}
		return "tool reported an error"
	}
	return strings.Join(texts, "\n")
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

func (r *Registry) httpClientFor(cfg *ServerConfig) *http.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.http[cfg.Name]; ok {
		return c
	}
	c := &http.Client{Timeout: 30 * time.Second}
	r.http[cfg.Name] = c
	return c
}

func (r *Registry) rpc(ctx context.Context, cfg *ServerConfig, method string, params any) (*rpcResponse, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal mcp request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("build mcp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	r.mu.Lock()
	sessID := r.sessID[cfg.Name]
	r.mu.Unlock()
	if sessID != "" {
		req.Header.Set("mcp-session-id", sessID)
	}

	resp, err := r.httpClientFor(cfg).Do(req)
	if err != nil {
		return nil, fmt.Errorf("mcp request to %s: %w", cfg.Name, err)
	}
	defer resp.Body.Close()

	if newSessID := resp.Header.Get("mcp-session-id"); newSessID != "" {
		r.mu.Lock()
		r.sessID[cfg.Name] = newSessID
		r.mu.Unlock()
	}

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("mcp http %s: %d %s", cfg.Name, resp.StatusCode, string(b))
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return readSSE(resp, defaultSSETimeout, cfg.Name)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read mcp response: %w", err)
	}
	var out rpcResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode mcp response: %w", err)
	}
	return &out, nil
}

func readSSE(resp *http.Response, timeout time.Duration, serverName string) (*rpcResponse, error) {
	type result struct {
		resp *rpcResponse
		err  error
	}
	out := make(chan result, 1)

	go func() {
		defer resp.Body.Close()
		reader := bufio.NewReader(resp.Body)
		var data strings.Builder
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				break
			}
			l := strings.TrimSpace(string(line))
			if l == "" {
				if data.Len() == 0 {
					continue
				}
				var rr rpcResponse
				if err := json.Unmarshal([]byte(data.String()), &rr); err == nil {
					out <- result{resp: &rr}
					return
				}
				data.Reset()
				continue
			}
			if strings.HasPrefix(l, "data:") {
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(l, "data:")))
			}
		}
		out <- result{err: fmt.Errorf("mcp sse stream from %s ended without a complete message", serverName)}
	}()

	select {
	case r := <-out:
		return r.resp, r.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("timed out reading mcp sse response from %s", serverName)
	}
}

func (r *Registry) callHTTP(ctx context.Context, cfg *ServerConfig, tool string, arguments map[string]any) (string, error) {
	resp, err := r.rpc(ctx, cfg, "tools/call", map[string]any{"name": tool, "arguments": arguments})
	if err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", fmt.Errorf("mcp call_tool %s/%s: %s", cfg.Name, tool, resp.Error.Message)
	}

	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		return fmt.Sprintf("%v", resp.Result), nil
	}
	if isError, _ := resultMap["isError"].(bool); isError {
		if msg := firstText(resultMap); msg != "" {
			return "", fmt.Errorf("%s", msg)
		}
		return "", fmt.Errorf("mcp tool %s/%s reported an error", cfg.Name, tool)
	}
	return firstText(resultMap), nil
}

func firstText(resultMap map[string]any) string {
	content, ok := resultMap["content"].([]any)
	if !ok {
		return ""
	}
	var texts []string
	for _, c := range content {
		m, ok := c.(map[string]any)
		if !ok {
			continue
		}
		if m["type"] == "text" {
			if t, ok := m["text"].(string); ok {
				texts = append(texts, t)
			}
		}
	}
	return strings.Join(texts, "\n")
}

func schemaToMap(schema mcpgo.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// Close releases all connections held by the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for name, c := range r.stdio {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close mcp server %q: %w", name, err)
		}
	}
	r.stdio = make(map[string]*mcpclient.Client)
	return firstErr
}

var _ Client = (*Registry)(nil)
