package tool_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/atlas/approval"
	"github.com/kadirpekel/atlas/event"
	"github.com/kadirpekel/atlas/mcp"
	"github.com/kadirpekel/atlas/tool"
)

type fakeMCP struct {
	callFunc func(ctx context.Context, server, name string, args map[string]any, timeout time.Duration) (string, error)
}

func (f *fakeMCP) ListTools(context.Context) (map[string][]mcp.ToolDescriptor, error) { return nil, nil }
func (f *fakeMCP) ListPrompts(context.Context) (map[string][]mcp.PromptDescriptor, error) {
	return nil, nil
}
func (f *fakeMCP) CallTool(ctx context.Context, server, name string, args map[string]any, timeout time.Duration) (string, error) {
	return f.callFunc(ctx, server, name, args, timeout)
}

func drainAll(pub *event.Publisher) []event.Event {
	var got []event.Event
	for e := range pub.Subscribe() {
		got = append(got, e)
	}
	return got
}

func descriptorsOf(descs ...tool.Descriptor) func(context.Context) (map[string]tool.Descriptor, error) {
	return func(context.Context) (map[string]tool.Descriptor, error) {
		out := make(map[string]tool.Descriptor, len(descs))
		for _, d := range descs {
			out[d.Server+"_"+d.Name] = d
		}
		return out, nil
	}
}

func TestExecuteOneSuccess(t *testing.T) {
	pub := event.NewPublisher(16)
	mcpClient := &fakeMCP{callFunc: func(_ context.Context, server, name string, args map[string]any, _ time.Duration) (string, error) {
		assert.Equal(t, "search", server)
		assert.Equal(t, "query", name)
		return "42 results", nil
	}}
	ex := tool.NewExecutor(mcpClient, approval.NewBroker(), pub, time.Second, descriptorsOf(tool.Descriptor{Server: "search", Name: "query"}))

	result := ex.ExecuteOne(context.Background(), tool.Call{ID: "c1", Name: "search_query", Arguments: map[string]any{"q": "go"}}, tool.Context{})

	assert.True(t, result.Success)
	assert.Equal(t, "42 results", result.Content)

	pub.Publish(event.ChatResponse("")) // close the channel for draining
	events := drainAll(pub)
	var sawStart, sawComplete bool
	for _, e := range events {
		if e.Kind == event.KindToolStart {
			sawStart = true
		}
		if e.Kind == event.KindToolComplete {
			sawComplete = true
			assert.True(t, e.ToolComplete.Success)
		}
	}
	assert.True(t, sawStart)
	assert.True(t, sawComplete)
}

func TestExecuteOneMCPErrorYieldsFailureResult(t *testing.T) {
	pub := event.NewPublisher(16)
	mcpClient := &fakeMCP{callFunc: func(context.Context, string, string, map[string]any, time.Duration) (string, error) {
		return "", errors.New("boom")
	}}
	ex := tool.NewExecutor(mcpClient, approval.NewBroker(), pub, time.Second, descriptorsOf(tool.Descriptor{Server: "s", Name: "t"}))

	result := ex.ExecuteOne(context.Background(), tool.Call{ID: "c2", Name: "s_t"}, tool.Context{})

	require.False(t, result.Success)
	assert.Equal(t, "boom", result.Error)
}

func TestExecuteOneMissingRequiredArgument(t *testing.T) {
	pub := event.NewPublisher(16)
	mcpClient := &fakeMCP{callFunc: func(context.Context, string, string, map[string]any, time.Duration) (string, error) {
		t.Fatal("CallTool should not be reached when a required argument is missing")
		return "", nil
	}}
	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"city": map[string]any{"type": "string"}},
		"required":   []any{"city"},
	}
	ex := tool.NewExecutor(mcpClient, approval.NewBroker(), pub, time.Second,
		descriptorsOf(tool.Descriptor{Server: "weather", Name: "get", Schema: schema}))

	sub := pub.Subscribe()
	result := ex.ExecuteOne(context.Background(), tool.Call{ID: "c3", Name: "weather_get", Arguments: map[string]any{}}, tool.Context{})

	require.False(t, result.Success)
	assert.Contains(t, result.Error, "city")

	// A malformed-arguments call still pairs tool_start with its
	// tool_error, like every other failure path — a subscriber keying UI
	// state off tool_start must never be left stranded.
	first := <-sub
	require.Equal(t, event.KindToolStart, first.Kind)
	second := <-sub
	require.Equal(t, event.KindToolError, second.Kind)
}

func TestExecuteOneRequiresApprovalAndWaitsOnBroker(t *testing.T) {
	pub := event.NewPublisher(16)
	broker := approval.NewBroker()
	mcpClient := &fakeMCP{callFunc: func(_ context.Context, _, _ string, args map[string]any, _ time.Duration) (string, error) {
		assert.Equal(t, "edited", args["value"])
		return "done", nil
	}}
	ex := tool.NewExecutor(mcpClient, broker, pub, time.Second,
		descriptorsOf(tool.Descriptor{Server: "fs", Name: "write", RequiresApproval: true}))

	go func() {
		for !broker.IsWaiting("c4") {
			time.Sleep(time.Millisecond)
		}
		broker.Resolve("c4", approval.Response{Action: approval.Approve, Arguments: map[string]any{"value": "edited"}})
	}()

	result := ex.ExecuteOne(context.Background(), tool.Call{ID: "c4", Name: "fs_write", Arguments: map[string]any{"value": "original"}}, tool.Context{})
	assert.True(t, result.Success)
	assert.Equal(t, "done", result.Content)
}

func TestExecuteOneApprovalRejected(t *testing.T) {
	pub := event.NewPublisher(16)
	broker := approval.NewBroker()
	mcpClient := &fakeMCP{callFunc: func(context.Context, string, string, map[string]any, time.Duration) (string, error) {
		t.Fatal("CallTool should not run after rejection")
		return "", nil
	}}
	ex := tool.NewExecutor(mcpClient, broker, pub, time.Second,
		descriptorsOf(tool.Descriptor{Server: "fs", Name: "delete", RequiresApproval: true}))

	go func() {
		for !broker.IsWaiting("c5") {
			time.Sleep(time.Millisecond)
		}
		broker.Resolve("c5", approval.Response{Action: approval.Reject, Reason: "not allowed"})
	}()

	result := ex.ExecuteOne(context.Background(), tool.Call{ID: "c5", Name: "fs_delete"}, tool.Context{})
	require.False(t, result.Success)
	assert.Equal(t, "not allowed", result.Error)
}

func TestExecuteOneApprovalSuppressedSkipsBroker(t *testing.T) {
	pub := event.NewPublisher(16)
	mcpClient := &fakeMCP{callFunc: func(context.Context, string, string, map[string]any, time.Duration) (string, error) {
		return "ok", nil
	}}
	ex := tool.NewExecutor(mcpClient, approval.NewBroker(), pub, time.Second,
		descriptorsOf(tool.Descriptor{Server: "fs", Name: "write", RequiresApproval: true}))

	result := ex.ExecuteOne(context.Background(), tool.Call{ID: "c6", Name: "fs_write"}, tool.Context{ApprovalSuppressed: true})
	assert.True(t, result.Success)
}

func TestExecuteManyPreservesOrder(t *testing.T) {
	pub := event.NewPublisher(32)
	mcpClient := &fakeMCP{callFunc: func(_ context.Context, _, name string, _ map[string]any, _ time.Duration) (string, error) {
		return "result-" + name, nil
	}}
	ex := tool.NewExecutor(mcpClient, approval.NewBroker(), pub, time.Second,
		descriptorsOf(tool.Descriptor{Server: "s", Name: "a"}, tool.Descriptor{Server: "s", Name: "b"}))

	calls := []tool.Call{
		{ID: "1", Name: "s_a"},
		{ID: "2", Name: "s_b"},
	}
	results := ex.ExecuteMany(context.Background(), calls, tool.Context{})

	require.Len(t, results, 2)
	assert.Equal(t, "1", results[0].ToolCallID)
	assert.Equal(t, "result-a", results[0].Content)
	assert.Equal(t, "2", results[1].ToolCallID)
	assert.Equal(t, "result-b", results[1].Content)
}

func TestExecuteOneInjectsMCPData(t *testing.T) {
	pub := event.NewPublisher(16)
	var seenArgs map[string]any
	mcpClient := &fakeMCP{callFunc: func(_ context.Context, _, _ string, args map[string]any, _ time.Duration) (string, error) {
		seenArgs = args
		return "ok", nil
	}}
	schema := map[string]any{
		"properties": map[string]any{"_mcp_data": map[string]any{"type": "object"}},
	}
	ex := tool.NewExecutor(mcpClient, approval.NewBroker(), pub, time.Second,
		descriptorsOf(
			tool.Descriptor{Server: "router", Name: "dispatch", Schema: schema},
			tool.Descriptor{Server: "other", Name: "thing"},
		))

	ex.ExecuteOne(context.Background(), tool.Call{ID: "c7", Name: "router_dispatch", Arguments: map[string]any{}}, tool.Context{})

	require.Contains(t, seenArgs, "_mcp_data")
	dir, ok := seenArgs["_mcp_data"].(tool.Directory)
	require.True(t, ok)
	_, hasSelf := dir["router"]
	assert.False(t, hasSelf, "_mcp_data should not include the calling server itself")
	assert.Contains(t, dir, "other")
}
