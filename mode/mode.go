// Package mode implements the three one-shot mode runners (C8): plain,
// retrieval-augmented, and tool-using execution strategies selected by
// the orchestrator according to request shape.
package mode

import (
	"context"
	"fmt"
	"strings"

	"github.com/kadirpekel/atlas/event"
	"github.com/kadirpekel/atlas/llm"
	"github.com/kadirpekel/atlas/retrieval"
	"github.com/kadirpekel/atlas/session"
	"github.com/kadirpekel/atlas/stream"
	"github.com/kadirpekel/atlas/tool"
)

const defaultMaxToolRounds = 8

// Options carries the per-request knobs a runner needs, mirroring the
// orchestrator's `options` argument.
type Options struct {
	SelectedTools      map[string]struct{}
	SelectedSources    []string
	ToolChoiceRequired bool
	MaxToolRounds      int
	Temperature        float64
}

// Deps are the collaborators a runner may use; a given Runner only
// touches the subset relevant to it.
type Deps struct {
	LLM       llm.Client
	Tools     *tool.Executor
	Catalog   *tool.Catalog
	Retrieval *retrieval.Fanout
	Publisher *event.Publisher
}

// Runner is a one-shot execution strategy.
type Runner interface {
	RunStreaming(ctx context.Context, sess *session.Session, model, userEmail string, opts Options, deps Deps) (string, error)
}

func chunkTextSource(chunks func(func(llm.Chunk) bool)) stream.Source {
	return func(yield func(stream.Token) bool) {
		chunks(func(c llm.Chunk) bool {
			switch c.Type {
			case llm.ChunkText:
				return yield(stream.Token{Text: c.Text})
			case llm.ChunkError:
				return yield(stream.Token{Err: c.Err})
			default:
				return true
			}
		})
	}
}

// Plain sends the current history to the LLM and streams the reply. No
// tools, no retrieval.
type Plain struct{}

func (Plain) RunStreaming(ctx context.Context, sess *session.Session, model, userEmail string, opts Options, deps Deps) (string, error) {
	messages := session.ToLLM(sess.History.Snapshot())
	chunks, err := deps.LLM.StreamPlain(ctx, model, messages, opts.Temperature, userEmail)
	if err != nil {
		return "", fmt.Errorf("plain mode stream: %w", err)
	}
	text, err := stream.Accumulate(ctx, chunkTextSource(chunks), deps.Publisher, "plain")
	if err != nil {
		return text, err
	}
	return text, nil
}

// Retrieval queries the selected sources first; if exactly one responds
// with a completion, that is the final answer with no LLM call.
// Otherwise the responses become a system-role context message prepended
// for this turn only.
type Retrieval struct{}

func (Retrieval) RunStreaming(ctx context.Context, sess *session.Session, model, userEmail string, opts Options, deps Deps) (string, error) {
	history := sess.History.Snapshot()
	retrievalMessages := make([]retrieval.Message, len(history))
	for i, m := range history {
		retrievalMessages[i] = retrieval.Message{Role: string(m.Role), Content: m.Content}
	}

	responses := deps.Retrieval.Query(ctx, opts.SelectedSources, userEmail, retrievalMessages)

	if content, ok := retrieval.SingleCompletion(responses); ok {
		return stream.Accumulate(ctx, stream.FromStrings(content), deps.Publisher, "retrieval")
	}

	messages := session.ToLLM(history)
	if len(responses) > 0 {
		ctxMsg := llm.Message{Role: llm.RoleSystem, Content: retrieval.Merge(responses)}
		// Insert ahead of the latest user message, for this turn only —
		// never appended to the session's own history.
		insertAt := len(messages)
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role == llm.RoleUser {
				insertAt = i
				break
			}
		}
		messages = append(messages[:insertAt:insertAt], append([]llm.Message{ctxMsg}, messages[insertAt:]...)...)
	}

	chunks, err := deps.LLM.StreamPlain(ctx, model, messages, opts.Temperature, userEmail)
	if err != nil {
		return "", fmt.Errorf("retrieval mode stream: %w", err)
	}
	return stream.Accumulate(ctx, chunkTextSource(chunks), deps.Publisher, "retrieval")
}

// Tools constructs the tool schema from the selected tool ids, calls the
// LLM with streaming and tool_choice, and iterates rounds of tool
// execution until the model returns a final answer with no tool calls,
// up to MaxToolRounds.
type Tools struct{}

func (Tools) RunStreaming(ctx context.Context, sess *session.Session, model, userEmail string, opts Options, deps Deps) (string, error) {
	maxRounds := opts.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxToolRounds
	}

	defs, err := deps.Catalog.Definitions(ctx, opts.SelectedTools)
	if err != nil {
		return "", fmt.Errorf("tools mode catalog: %w", err)
	}

	choice := llm.ToolChoiceAuto
	if opts.ToolChoiceRequired {
		choice = llm.ToolChoiceRequired
	}

	var lastText string
	// seenNonEmpty is shared across every round of this call so that
	// `is_first` is only ever true once per request — a round's assistant
	// text alongside a tool call (common real-model behavior) must not
	// restart the token_stream framing for the logical response.
	seenNonEmpty := false
	for round := 0; round < maxRounds; round++ {
		messages := session.ToLLM(sess.History.Snapshot())
		chunks, err := deps.LLM.StreamWithTools(ctx, model, messages, defs, choice, opts.Temperature, userEmail)
		if err != nil {
			return "", fmt.Errorf("tools mode stream: %w", err)
		}

		text, calls, callErr := streamRoundLive(ctx, chunks, deps.Publisher, "tools", &seenNonEmpty)
		if callErr != nil {
			return text, callErr
		}
		lastText = text

		if len(calls) == 0 {
			return text, nil
		}

		toolCalls := make([]tool.Call, len(calls))
		for i, c := range calls {
			toolCalls[i] = tool.Call{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
		}
		results := deps.Tools.ExecuteMany(ctx, toolCalls, tool.Context{SessionID: sess.ID})

		if text != "" {
			sess.History.Append(session.Message{Role: llm.RoleAssistant, Content: text})
		}
		for i, r := range results {
			sess.History.Append(session.Message{
				Role:       llm.RoleTool,
				Content:    resultText(r),
				ToolCallID: toolCalls[i].ID,
				ToolName:   toolCalls[i].Name,
			})
		}
	}
	return lastText, nil
}

func resultText(r tool.Result) string {
	if r.Success {
		return r.Content
	}
	return r.Error
}

// streamRoundLive streams one round live: text tokens are published as
// they arrive; tool-call chunks are collected, not published. A final
// is_last token is published only when the round carries no tool calls
// (i.e. it is genuinely the final answer).
//
// Unlike stream.Accumulate (the shared implementation every other caller
// uses, per SPEC_FULL.md §12), a tool round must not emit its is_last
// token until the model stops calling tools, and it must surface the
// tool-call chunks Accumulate's plain-text Source can't carry — so this
// stays a sibling implementation rather than a call into Accumulate. To
// still honor Accumulate's is_first invariant (true exactly once per
// logical response), seenNonEmpty is owned by the caller and threaded
// across every round of the same request, not reset per round.
func streamRoundLive(ctx context.Context, chunks func(func(llm.Chunk) bool), pub *event.Publisher, label string, seenNonEmpty *bool) (string, []llm.ToolCall, error) {
	var sb strings.Builder
	var calls []llm.ToolCall
	var streamErr error

	chunks(func(c llm.Chunk) bool {
		if ctx.Err() != nil {
			streamErr = ctx.Err()
			return false
		}
		switch c.Type {
		case llm.ChunkText:
			isFirst := !*seenNonEmpty && c.Text != ""
			if c.Text != "" {
				*seenNonEmpty = true
			}
			sb.WriteString(c.Text)
			pub.Publish(event.TokenStream(c.Text, isFirst, false))
		case llm.ChunkToolCall:
			if c.ToolCall != nil {
				calls = append(calls, *c.ToolCall)
			}
		case llm.ChunkError:
			streamErr = c.Err
			return false
		}
		return true
	})

	if streamErr != nil {
		pub.Publish(event.Error(fmt.Sprintf("%s: %v", label, streamErr)))
		return sb.String(), calls, streamErr
	}
	if len(calls) == 0 {
		pub.Publish(event.TokenStream("", false, true))
	}
	return sb.String(), calls, nil
}
