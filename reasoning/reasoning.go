// Package reasoning implements the agentic loop (C9): multi-step
// reasoning delegated to the LLM under tool_choice=auto, with per-step
// tool execution and a streamed final answer.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kadirpekel/atlas/event"
	"github.com/kadirpekel/atlas/llm"
	"github.com/kadirpekel/atlas/session"
	"github.com/kadirpekel/atlas/stream"
	"github.com/kadirpekel/atlas/tool"
)

const defaultMaxSteps = 10

// ErrMaxStepsExceeded is returned when the loop exhausts its step budget
// without the model producing a tool-call-free final answer. The caller
// has already had an error event published and must not also publish a
// chat_response for this request.
var ErrMaxStepsExceeded = errors.New("agentic loop exceeded max steps")

// Options carries the per-request knobs the loop needs.
type Options struct {
	MaxSteps    int
	Temperature float64

	// CompletionCheck enables the supplemented completion re-assessment:
	// before accepting a tool-call-free step as final, ask the completion
	// checker whether the request is actually done. Off by default — the
	// loop's defined exit condition is "no tool calls", full stop.
	CompletionCheck bool
}

// CompletionChecker is the supplemented task-completion re-assessment
// collaborator (SPEC_FULL.md §11.1).
type CompletionChecker interface {
	Assess(ctx context.Context, history []session.Message, candidateFinalText string) (complete bool, err error)
}

// ContextInjector supplies optional per-step scratchpad context
// (SPEC_FULL.md §11.2), prepended as a system message on each step when
// set. Purely textual: it never changes tool-call routing.
type ContextInjector func(step int) string

// Deps are the collaborators the loop uses.
type Deps struct {
	LLM        llm.Client
	Tools      *tool.Executor
	Catalog    *tool.Catalog
	Publisher  *event.Publisher
	Completion CompletionChecker
	Context    ContextInjector
}

// Loop is the agentic loop strategy.
type Loop struct{}

// Run drives the loop to completion or until MaxSteps is exhausted.
func (Loop) Run(ctx context.Context, sess *session.Session, model, userEmail string, selectedTools map[string]struct{}, opts Options, deps Deps) (string, error) {
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}

	defs, err := deps.Catalog.Definitions(ctx, selectedTools)
	if err != nil {
		deps.Publisher.Publish(event.Error(fmt.Sprintf("agentic loop: %v", err)))
		return "", err
	}

	var lastText string
	for step := 1; step <= maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			deps.Publisher.Publish(event.Error(err.Error()))
			return lastText, err
		}

		messages := session.ToLLM(sess.History.Snapshot())
		if deps.Context != nil {
			if injected := deps.Context(step); injected != "" {
				messages = append([]llm.Message{{Role: llm.RoleSystem, Content: injected}}, messages...)
			}
		}

		chunks, err := deps.LLM.StreamWithTools(ctx, model, messages, defs, llm.ToolChoiceAuto, opts.Temperature, userEmail)
		if err != nil {
			deps.Publisher.Publish(event.Error(fmt.Sprintf("agentic loop step %d: %v", step, err)))
			return lastText, err
		}

		tokens, calls, drainErr := llm.Drain(chunks)
		text := strings.Join(tokens, "")
		if drainErr != nil {
			deps.Publisher.Publish(event.Error(fmt.Sprintf("agentic loop step %d: %v", step, drainErr)))
			return lastText, drainErr
		}
		lastText = text

		if len(calls) > 0 {
			deps.Publisher.Publish(event.AgentStep(step, "tool_calls", calls))

			toolCalls := make([]tool.Call, len(calls))
			for i, c := range calls {
				toolCalls[i] = tool.Call{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
			}
			results := deps.Tools.ExecuteMany(ctx, toolCalls, tool.Context{SessionID: sess.ID, AgentMode: true})

			for i, r := range results {
				sess.History.Append(session.Message{
					Role:       llm.RoleTool,
					Content:    resultText(r),
					ToolCallID: toolCalls[i].ID,
					ToolName:   toolCalls[i].Name,
				})
			}
			if text != "" {
				sess.History.Append(session.Message{Role: llm.RoleAssistant, Content: text})
			}
			continue
		}

		if opts.CompletionCheck && deps.Completion != nil {
			complete, err := deps.Completion.Assess(ctx, sess.History.Snapshot(), text)
			if err == nil && !complete {
				sess.History.Append(session.Message{Role: llm.RoleSystem, Content: "Continue working on the original request; the prior answer was judged incomplete."})
				continue
			}
		}

		deps.Publisher.Publish(event.AgentStep(step, "final", text))
		return stream.Accumulate(ctx, stream.FromStrings(tokens...), deps.Publisher, "agentic")
	}

	deps.Publisher.Publish(event.Error(ErrMaxStepsExceeded.Error()))
	return lastText, ErrMaxStepsExceeded
}

func resultText(r tool.Result) string {
	if r.Success {
		return r.Content
	}
	return r.Error
}
