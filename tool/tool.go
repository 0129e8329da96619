// Package tool implements the tool executor (C6): resolving fully
// qualified tool calls against MCP servers, gating on approval, bounding
// each call with a timeout, and never propagating an error — every call
// yields exactly one ToolResult.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/atlas/approval"
	"github.com/kadirpekel/atlas/event"
	"github.com/kadirpekel/atlas/mcp"
	"github.com/kadirpekel/atlas/observability"
)

var tracer = observability.Tracer("atlas.tool")

// Call is a tool-call request as issued by the LLM.
type Call struct {
	ID        string // opaque, unique within a conversation turn
	Name      string // fully-qualified: server_name + "_" + tool_name
	Arguments map[string]any
}

// Result is the outcome of executing one Call. Exactly one is produced
// per Call, success or failure, never omitted.
type Result struct {
	ToolCallID string
	Success    bool
	Content    string
	Error      string
	Artifacts  []string
}

// Context carries the per-call metadata the executor needs beyond the
// call itself: whether approval is suppressed for this session, and
// whether this call originates from the agentic loop (for tool_start's
// agent_mode flag).
type Context struct {
	SessionID       string
	ApprovalSuppressed bool
	AgentMode       bool
}

// Descriptor mirrors mcp.ToolDescriptor plus the three executor-level
// flags the declared schema does not carry on the wire: RequiresApproval,
// EditAllowed and AdminRequired, supplied by local tool configuration.
type Descriptor struct {
	Server           string
	Name             string
	Schema           map[string]any
	RequiresApproval bool
	EditAllowed      bool
	AdminRequired    bool
}

// Directory is a snapshot of the MCP server/tool fleet, injected into a
// tool's arguments when its schema declares "_mcp_data". It lists every
// server except the one hosting the called tool; no server is treated as
// a system server or filtered out.
type Directory map[string][]string // server -> tool names

const defaultCallTimeout = 120 * time.Second

// Executor resolves and runs tool calls against MCP servers.
type Executor struct {
	mcp       mcp.Client
	broker    *approval.Broker
	publisher *event.Publisher
	callTimeout time.Duration

	descriptors func(ctx context.Context) (map[string]Descriptor, error) // keyed by fully-qualified name
}

// NewExecutor builds an Executor. descriptors resolves the current tool
// directory (server + approval/edit flags) keyed by fully-qualified name;
// callers typically supply a function backed by a small in-memory
// registry populated from configuration plus mcp.Client.ListTools.
func NewExecutor(mcpClient mcp.Client, broker *approval.Broker, pub *event.Publisher, callTimeout time.Duration, descriptors func(ctx context.Context) (map[string]Descriptor, error)) *Executor {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	return &Executor{mcp: mcpClient, broker: broker, publisher: pub, callTimeout: callTimeout, descriptors: descriptors}
}

// splitFQN splits a fully-qualified tool name at the first underscore
// that matches one of the known servers.
func splitFQN(fqn string, known map[string]Descriptor) (server, tool string, ok bool) {
	for i := 0; i < len(fqn); i++ {
		if fqn[i] != '_' {
			continue
		}
		candidateServer := fqn[:i]
		candidateTool := fqn[i+1:]
		for _, d := range known {
			if d.Server == candidateServer && d.Name == candidateTool {
				return candidateServer, candidateTool, true
			}
		}
	}
	// fall back to first-underscore split even if we can't confirm against
	// the directory (unregistered/dynamic tool).
	if idx := strings.IndexByte(fqn, '_'); idx > 0 {
		return fqn[:idx], fqn[idx+1:], false
	}
	return "", fqn, false
}

func directoryFrom(all map[string]Descriptor) Directory {
	dir := make(Directory)
	for _, d := range all {
		dir[d.Server] = append(dir[d.Server], d.Name)
	}
	return dir
}

// hasMCPDataField reports whether schema declares a "_mcp_data" property.
func hasMCPDataField(schema map[string]any) bool {
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return false
	}
	_, ok = props["_mcp_data"]
	return ok
}

// ExecuteOne runs a single tool call end to end: resolution, optional
// approval, invocation with timeout. Never returns an error.
func (e *Executor) ExecuteOne(ctx context.Context, call Call, tc Context) Result {
	ctx, span := tracer.Start(ctx, observability.SpanToolExecution,
		trace.WithAttributes(attribute.String(observability.AttrToolName, call.Name)))
	defer span.End()

	all, err := e.descriptors(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool directory unavailable")
		return Result{ToolCallID: call.ID, Success: false, Error: fmt.Sprintf("tool directory unavailable: %v", err)}
	}

	desc, known := all[call.Name]
	server, toolName, _ := splitFQN(call.Name, all)
	if known {
		server, toolName = desc.Server, desc.Name
	}
	span.SetAttributes(attribute.String(observability.AttrServerName, server))

	args := call.Arguments
	if known && hasMCPDataField(desc.Schema) {
		args = withMCPData(args, directoryFrom(all), server)
	}

	// ToolStart is published before any outcome path below — including
	// validation failure — so a subscriber keying UI state off tool_start
	// always sees it paired with the tool_complete/tool_error that
	// follows (spec Scenario B's literal event sequence).
	e.publisher.Publish(event.ToolStart(call.ID, call.Name, server, args, tc.AgentMode))

	if known {
		if missing := missingRequired(desc.Schema, call.Arguments); len(missing) > 0 {
			msg := fmt.Sprintf("missing required argument(s): %s", strings.Join(missing, ", "))
			span.SetStatus(codes.Error, msg)
			res := Result{ToolCallID: call.ID, Success: false, Error: msg}
			e.publisher.Publish(event.ToolError(call.ID, msg))
			return res
		}
	}

	if known && desc.RequiresApproval && !tc.ApprovalSuppressed {
		e.publisher.Publish(event.ApprovalRequest(call.ID, call.Name, args, desc.EditAllowed, desc.AdminRequired))
		resp, err := e.broker.Wait(ctx, call.ID, 0)
		if err != nil {
			res := Result{ToolCallID: call.ID, Success: false, Error: err.Error()}
			e.publisher.Publish(event.ToolError(call.ID, res.Error))
			return res
		}
		switch resp.Action {
		case approval.Reject, approval.Cancel:
			reason := resp.Reason
			if reason == "" {
				reason = string(resp.Action)
			}
			res := Result{ToolCallID: call.ID, Success: false, Error: reason}
			e.publisher.Publish(event.ToolComplete(call.ID, false, reason))
			return res
		case approval.Approve:
			if resp.Arguments != nil {
				args = resp.Arguments
			}
		}
	}

	content, err := e.mcp.CallTool(ctx, server, toolName, args, e.callTimeout)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "tool timed out"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		res := Result{ToolCallID: call.ID, Success: false, Error: msg}
		e.publisher.Publish(event.ToolError(call.ID, msg))
		return res
	}

	e.publisher.Publish(event.ToolComplete(call.ID, true, content))
	return Result{ToolCallID: call.ID, Success: true, Content: content}
}

// missingRequired reports which of schema's required properties (per its
// JSON Schema "required" array) are absent from args. schema is the raw
// map[string]any an MCP server declares; round-tripping it through
// jsonschema.Schema gives a typed view of "required" instead of a second
// hand-rolled walk of the raw map.
func missingRequired(schema map[string]any, args map[string]any) []string {
	if len(schema) == 0 {
		return nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var parsed jsonschema.Schema
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil
	}
	var missing []string
	for _, name := range parsed.Required {
		if _, ok := args[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// ExecuteMany runs all calls concurrently and returns results in the same
// order as the input, so the LLM can pair each result with its call id.
func (e *Executor) ExecuteMany(ctx context.Context, calls []Call, tc Context) []Result {
	results := make([]Result, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range calls {
		i, c := i, c
		g.Go(func() error {
			results[i] = e.ExecuteOne(gctx, c, tc)
			return nil
		})
	}
	_ = g.Wait() // ExecuteOne never returns an error; g.Wait() only awaits completion
	return results
}

func withMCPData(args map[string]any, dir Directory, selfServer string) map[string]any {
	out := make(map[string]any, len(args)+1)
	for k, v := range args {
		out[k] = v
	}
	filtered := make(Directory, len(dir))
	for server, tools := range dir {
		if server == selfServer {
			continue
		}
		filtered[server] = tools
	}
	out["_mcp_data"] = filtered
	return out
}
