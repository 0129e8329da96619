// Package llm defines the streaming completion interface consumed from
// the LLM vendor SDK, which is itself out of scope for this module.
package llm

import (
	"context"
	"iter"
)

// Role is the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one entry of the conversation sent to the model.
type Message struct {
	Role       Role
	Content    string
	ToolCallID string // set on RoleTool messages, matches a prior tool call id
	ToolName   string // optional metadata: tool/server name for RoleTool messages
}

// ToolDefinition describes a callable tool in the shape the model expects.
type ToolDefinition struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ToolChoice controls whether the model must call a tool.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceRequired ToolChoice = "required"
)

// ToolCall is a function-style invocation proposed by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ChunkType discriminates the Chunk union.
type ChunkType string

const (
	ChunkText     ChunkType = "text"
	ChunkToolCall ChunkType = "tool_call"
	ChunkDone     ChunkType = "done"
	ChunkError    ChunkType = "error"
)

// Chunk is one element of a streamed completion. Exactly one of Text or
// ToolCall is meaningful depending on Type; Err is set only when
// Type == ChunkError.
type Chunk struct {
	Type     ChunkType
	Text     string
	ToolCall *ToolCall
	Err      error
}

// Drain fully consumes chunks, returning the individual text tokens in
// arrival order (not pre-joined, so a caller can re-emit them with their
// original granularity), any tool calls assembled along the way, and the
// first error encountered, if any. Used by callers that must inspect an
// entire step (tool calls included) before deciding whether to surface
// its text to the subscriber.
func Drain(chunks iter.Seq[Chunk]) (tokens []string, calls []ToolCall, err error) {
	chunks(func(c Chunk) bool {
		switch c.Type {
		case ChunkText:
			tokens = append(tokens, c.Text)
		case ChunkToolCall:
			if c.ToolCall != nil {
				calls = append(calls, *c.ToolCall)
			}
		case ChunkError:
			err = c.Err
			return false
		}
		return true
	})
	return tokens, calls, err
}

// Client is the collaborator interface to a streaming LLM backend.
type Client interface {
	// StreamPlain streams a completion with no tool schema attached.
	StreamPlain(ctx context.Context, model string, messages []Message, temperature float64, userEmail string) (iter.Seq[Chunk], error)

	// StreamWithTools streams a completion with a tool schema attached;
	// tool-call chunks may arrive incrementally as the stream progresses.
	StreamWithTools(ctx context.Context, model string, messages []Message, tools []ToolDefinition, choice ToolChoice, temperature float64, userEmail string) (iter.Seq[Chunk], error)
}
