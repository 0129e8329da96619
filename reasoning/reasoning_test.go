package reasoning_test

import (
	"context"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/atlas/approval"
	"github.com/kadirpekel/atlas/event"
	"github.com/kadirpekel/atlas/llm"
	"github.com/kadirpekel/atlas/mcp"
	"github.com/kadirpekel/atlas/reasoning"
	"github.com/kadirpekel/atlas/session"
	"github.com/kadirpekel/atlas/tool"
)

func newSession(t *testing.T) *session.Session {
	t.Helper()
	store := session.NewStore(0)
	h, err := store.Acquire(context.Background(), "s1", "u@example.com")
	require.NoError(t, err)
	return h.Session()
}

type scriptedSteps struct {
	steps []func() iter.Seq[llm.Chunk]
	i     int
}

func (s *scriptedSteps) StreamWithTools(context.Context, string, []llm.Message, []llm.ToolDefinition, llm.ToolChoice, float64, string) (iter.Seq[llm.Chunk], error) {
	fn := s.steps[s.i]
	if s.i < len(s.steps)-1 {
		s.i++
	}
	return fn(), nil
}
func (s *scriptedSteps) StreamPlain(context.Context, string, []llm.Message, float64, string) (iter.Seq[llm.Chunk], error) {
	panic("not used by the agentic loop")
}

func toolCallStep(id, name string) func() iter.Seq[llm.Chunk] {
	return func() iter.Seq[llm.Chunk] {
		return func(yield func(llm.Chunk) bool) {
			if !yield(llm.Chunk{Type: llm.ChunkToolCall, ToolCall: &llm.ToolCall{ID: id, Name: name}}) {
				return
			}
			yield(llm.Chunk{Type: llm.ChunkDone})
		}
	}
}

func finalStep(text string) func() iter.Seq[llm.Chunk] {
	return func() iter.Seq[llm.Chunk] {
		return func(yield func(llm.Chunk) bool) {
			if !yield(llm.Chunk{Type: llm.ChunkText, Text: text}) {
				return
			}
			yield(llm.Chunk{Type: llm.ChunkDone})
		}
	}
}

type fakeMCPClient struct{ result string }

func (f fakeMCPClient) ListTools(context.Context) (map[string][]mcp.ToolDescriptor, error) { return nil, nil }
func (f fakeMCPClient) ListPrompts(context.Context) (map[string][]mcp.PromptDescriptor, error) {
	return nil, nil
}
func (f fakeMCPClient) CallTool(context.Context, string, string, map[string]any, time.Duration) (string, error) {
	return f.result, nil
}

func newDeps(t *testing.T, client llm.Client, pub *event.Publisher) reasoning.Deps {
	t.Helper()
	descriptors := func(context.Context) (map[string]tool.Descriptor, error) {
		return map[string]tool.Descriptor{"search_query": {Server: "search", Name: "query"}}, nil
	}
	executor := tool.NewExecutor(fakeMCPClient{result: "found it"}, approval.NewBroker(), pub, time.Second, descriptors)
	return reasoning.Deps{LLM: client, Tools: executor, Catalog: tool.NewCatalog(descriptors), Publisher: pub}
}

func TestLoopRunsUntilNoToolCalls(t *testing.T) {
	sess := newSession(t)
	sess.History.Append(session.Message{Role: llm.RoleUser, Content: "find and summarize"})

	client := &scriptedSteps{steps: []func() iter.Seq[llm.Chunk]{
		toolCallStep("t1", "search_query"),
		finalStep("here is the summary"),
	}}
	pub := event.NewPublisher(32)

	text, err := reasoning.Loop{}.Run(context.Background(), sess, "gpt", "u@example.com", nil, reasoning.Options{}, newDeps(t, client, pub))

	require.NoError(t, err)
	assert.Equal(t, "here is the summary", text)

	var sawToolResult bool
	for _, m := range sess.History.Snapshot() {
		if m.Role == llm.RoleTool {
			sawToolResult = true
			assert.Equal(t, "found it", m.Content)
		}
	}
	assert.True(t, sawToolResult)
}

func TestLoopExceedsMaxSteps(t *testing.T) {
	sess := newSession(t)
	sess.History.Append(session.Message{Role: llm.RoleUser, Content: "never finish"})

	client := &scriptedSteps{steps: []func() iter.Seq[llm.Chunk]{
		toolCallStep("t1", "search_query"),
	}}
	pub := event.NewPublisher(64)

	_, err := reasoning.Loop{}.Run(context.Background(), sess, "gpt", "u@example.com", nil,
		reasoning.Options{MaxSteps: 2}, newDeps(t, client, pub))

	assert.ErrorIs(t, err, reasoning.ErrMaxStepsExceeded)
}

func TestLoopCompletionCheckRejectsPrematureFinalAnswer(t *testing.T) {
	sess := newSession(t)
	sess.History.Append(session.Message{Role: llm.RoleUser, Content: "do the whole task"})

	client := &scriptedSteps{steps: []func() iter.Seq[llm.Chunk]{
		finalStep("partial answer"),
		finalStep("complete answer"),
	}}
	pub := event.NewPublisher(32)
	deps := newDeps(t, client, pub)

	calls := 0
	deps.Completion = completionCheckerFunc(func(context.Context, []session.Message, string) (bool, error) {
		calls++
		return calls > 1, nil // reject the first attempt, accept the second
	})

	text, err := reasoning.Loop{}.Run(context.Background(), sess, "gpt", "u@example.com", nil,
		reasoning.Options{CompletionCheck: true}, deps)

	require.NoError(t, err)
	assert.Equal(t, "complete answer", text)
	assert.Equal(t, 2, calls)
}

type completionCheckerFunc func(ctx context.Context, history []session.Message, candidateFinalText string) (bool, error)

func (f completionCheckerFunc) Assess(ctx context.Context, history []session.Message, candidateFinalText string) (bool, error) {
	return f(ctx, history, candidateFinalText)
}

func TestLoopContextInjectorPrependsSystemMessage(t *testing.T) {
	sess := newSession(t)
	sess.History.Append(session.Message{Role: llm.RoleUser, Content: "hi"})

	var sawInjected bool
	client := &stepCapturingClient{
		onStep: func(messages []llm.Message) {
			for _, m := range messages {
				if m.Role == llm.RoleSystem && m.Content == "scratchpad: step 1" {
					sawInjected = true
				}
			}
		},
		seq: finalStep("done"),
	}
	pub := event.NewPublisher(16)
	deps := newDeps(t, client, pub)
	deps.Context = func(step int) string {
		if step == 1 {
			return "scratchpad: step 1"
		}
		return ""
	}

	_, err := reasoning.Loop{}.Run(context.Background(), sess, "gpt", "u@example.com", nil, reasoning.Options{}, deps)
	require.NoError(t, err)
	assert.True(t, sawInjected)
}

type stepCapturingClient struct {
	onStep func([]llm.Message)
	seq    func() iter.Seq[llm.Chunk]
}

func (c *stepCapturingClient) StreamWithTools(_ context.Context, _ string, messages []llm.Message, _ []llm.ToolDefinition, _ llm.ToolChoice, _ float64, _ string) (iter.Seq[llm.Chunk], error) {
	c.onStep(messages)
	return c.seq(), nil
}
func (c *stepCapturingClient) StreamPlain(context.Context, string, []llm.Message, float64, string) (iter.Seq[llm.Chunk], error) {
	panic("not used by the agentic loop")
}
