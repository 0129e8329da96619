// Package orchestrator implements the Chat Orchestrator (C10): the single
// entry point that acquires a session, gates content, routes to the
// correct execution strategy, and drives every request to exactly one
// terminal event.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/atlas/approval"
	"github.com/kadirpekel/atlas/event"
	"github.com/kadirpekel/atlas/llm"
	"github.com/kadirpekel/atlas/mcp"
	"github.com/kadirpekel/atlas/mode"
	"github.com/kadirpekel/atlas/observability"
	"github.com/kadirpekel/atlas/persistence"
	"github.com/kadirpekel/atlas/reasoning"
	"github.com/kadirpekel/atlas/retrieval"
	"github.com/kadirpekel/atlas/security"
	"github.com/kadirpekel/atlas/session"
	"github.com/kadirpekel/atlas/tool"
)

var tracer = observability.Tracer("atlas.orchestrator")

// Options mirrors the per-request knobs named in spec.md §4.1.
type Options struct {
	ToolChoiceRequired bool
	ForceRetrieval     bool
	AgentMode          bool
	MaxSteps           int
	Temperature        float64
	// SaveMode overrides the session's own save-mode for this request's
	// persistence step. Empty keeps the session's current mode.
	SaveMode session.SaveMode
}

// Request is one chat-orchestration call.
type Request struct {
	SessionID       string
	Content         string
	Model           string
	UserEmail       string
	SelectedTools   map[string]struct{}
	SelectedSources []string
	Files           map[string]session.FileRef
	Options         Options
}

// Orchestrator wires every collaborator package into the single sequence
// described in spec.md §4.1. It owns no per-request state: every Execute
// call constructs its own event.Publisher and — because the Tool Executor
// publishes through the publisher it was built with — its own
// tool.Executor over the shared MCP client, approval broker, and tool
// directory resolver.
type Orchestrator struct {
	Sessions    *session.Store
	Security    security.Gate
	LLM         llm.Client
	MCP         mcp.Client
	Broker      *approval.Broker
	Descriptors func(ctx context.Context) (map[string]tool.Descriptor, error)
	CallTimeout time.Duration
	Catalog     *tool.Catalog
	Retrieval   *retrieval.Fanout
	Persistence *persistence.Coordinator

	// EventBuffer sizes each request's Publisher channel.
	EventBuffer int

	// Completion and Context are optional agentic-loop collaborators
	// (SPEC_FULL.md §11.1, §11.2); nil disables the corresponding
	// supplemented behaviour.
	Completion reasoning.CompletionChecker
	Context    reasoning.ContextInjector
}

// Execute runs one chat request to completion, returning a channel of
// every event published during it. The channel is closed after exactly
// one terminal event (chat_response or error).
func (o *Orchestrator) Execute(ctx context.Context, req Request) <-chan event.Event {
	pub := event.NewPublisher(o.EventBuffer)
	go o.run(ctx, req, pub)
	return pub.Subscribe()
}

func (o *Orchestrator) run(ctx context.Context, req Request, pub *event.Publisher) {
	ctx, span := tracer.Start(ctx, observability.SpanChatOrchestration, trace.WithAttributes(
		attribute.String(observability.AttrSessionID, req.SessionID),
		attribute.String(observability.AttrModel, req.Model),
	))
	defer span.End()

	tools := tool.NewExecutor(o.MCP, o.Broker, pub, o.CallTimeout, o.Descriptors)

	// 1. Acquire the session under its per-session lock.
	handle, err := o.Sessions.Acquire(ctx, req.SessionID, req.UserEmail)
	if err != nil {
		pub.Publish(event.Error(fmt.Sprintf("acquire session: %v", err)))
		return
	}
	defer handle.Release()
	sess := handle.Session()

	// 2. Attach file metadata and produce a files-manifest system message.
	if len(req.Files) > 0 {
		for _, ref := range req.Files {
			sess.AddFile(ref)
		}
		sess.History.Append(session.Message{
			Role:      llm.RoleSystem,
			Content:   filesManifest(req.Files),
			Parts:     session.FilesToParts(req.Files),
			Timestamp: time.Now(),
		})
	}

	// 3. Input content check.
	inVerdict, err := o.Security.CheckInput(ctx, req.Content)
	if err != nil {
		pub.Publish(event.Error(fmt.Sprintf("input check: %v", err)))
		return
	}
	switch inVerdict.Status {
	case security.Block:
		sess.History.Clear()
		pub.Publish(event.SecurityWarning("blocked", inVerdict.Reason))
		pub.Publish(event.Error("input blocked: " + inVerdict.Reason))
		return
	case security.Warn:
		pub.Publish(event.SecurityWarning("warning", inVerdict.Reason))
	}

	// 4. Append the user message.
	sess.History.Append(session.Message{Role: llm.RoleUser, Content: req.Content, Timestamp: time.Now()})

	// 5. Route by request shape and run.
	text, runErr := o.route(ctx, sess, req, pub, tools)
	if runErr != nil {
		// Streaming failures inside a runner have already published an
		// `error` event; setup failures (e.g. the LLM call failing to
		// start) have not. Publishing one here covers both, since the
		// Publisher drops anything sent after a terminal event. The user
		// message stays and no assistant message is appended.
		if !errors.Is(runErr, reasoning.ErrMaxStepsExceeded) {
			slog.Warn("chat orchestration run failed", "session", req.SessionID, "error", runErr)
		}
		pub.Publish(event.Error(runErr.Error()))
		return
	}

	// The assistant's final answer is only committed to history once the
	// run completes without error, so a dangling partial assistant
	// message can never follow a failed run.
	sess.History.Append(session.Message{Role: llm.RoleAssistant, Content: text, Timestamp: time.Now()})

	// 6. Output content check.
	outVerdict, err := o.Security.CheckOutput(ctx, text)
	if err != nil {
		pub.Publish(event.Error(fmt.Sprintf("output check: %v", err)))
		return
	}
	if outVerdict.Status == security.Block {
		sess.History.TruncateLast(1)
		sess.History.Clear()
		pub.Publish(event.SecurityWarning("blocked", outVerdict.Reason))
		pub.Publish(event.Error("output blocked: " + outVerdict.Reason))
		return
	}
	if outVerdict.Status == security.Warn {
		pub.Publish(event.SecurityWarning("warning", outVerdict.Reason))
	}

	// 7. Persist per save-mode.
	saveMode := req.Options.SaveMode
	if saveMode == "" {
		saveMode = sess.SaveMode
	}
	outcome, convID, err := o.Persistence.Save(ctx, saveMode, persistence.Conversation{
		ID:        sess.ID,
		UserEmail: sess.OwnerEmail,
		CreatedAt: sess.CreatedAt,
		Messages:  sess.History.Snapshot(),
	})
	if err != nil {
		slog.Error("conversation persistence failed", "session", sess.ID, "error", err)
	} else if outcome != persistence.NotSaved {
		pub.Publish(event.ConversationSaved(convID))
	}

	// 8. Terminal event.
	pub.Publish(event.ChatResponse(text))
}

func (o *Orchestrator) route(ctx context.Context, sess *session.Session, req Request, pub *event.Publisher, tools *tool.Executor) (string, error) {
	hasTools := len(req.SelectedTools) > 0
	hasSources := len(req.SelectedSources) > 0 || req.Options.ForceRetrieval

	switch {
	case hasTools && req.Options.AgentMode:
		loop := reasoning.Loop{}
		return loop.Run(ctx, sess, req.Model, req.UserEmail, req.SelectedTools, reasoning.Options{
			MaxSteps:        req.Options.MaxSteps,
			Temperature:     req.Options.Temperature,
			CompletionCheck: o.Completion != nil,
		}, reasoning.Deps{
			LLM: o.LLM, Tools: tools, Catalog: o.Catalog, Publisher: pub,
			Completion: o.Completion, Context: o.Context,
		})
	case hasTools:
		return mode.Tools{}.RunStreaming(ctx, sess, req.Model, req.UserEmail, mode.Options{
			SelectedTools:      req.SelectedTools,
			ToolChoiceRequired: req.Options.ToolChoiceRequired,
			MaxToolRounds:      req.Options.MaxSteps,
			Temperature:        req.Options.Temperature,
		}, o.modeDeps(pub, tools))
	case hasSources:
		return mode.Retrieval{}.RunStreaming(ctx, sess, req.Model, req.UserEmail, mode.Options{
			SelectedSources: req.SelectedSources,
			Temperature:     req.Options.Temperature,
		}, o.modeDeps(pub, tools))
	default:
		return mode.Plain{}.RunStreaming(ctx, sess, req.Model, req.UserEmail, mode.Options{
			Temperature: req.Options.Temperature,
		}, o.modeDeps(pub, tools))
	}
}

func (o *Orchestrator) modeDeps(pub *event.Publisher, tools *tool.Executor) mode.Deps {
	return mode.Deps{LLM: o.LLM, Tools: tools, Catalog: o.Catalog, Retrieval: o.Retrieval, Publisher: pub}
}

func filesManifest(files map[string]session.FileRef) string {
	var sb strings.Builder
	sb.WriteString("The user has attached the following files:\n")
	for name := range files {
		sb.WriteString("- ")
		sb.WriteString(name)
		sb.WriteString("\n")
	}
	return sb.String()
}
