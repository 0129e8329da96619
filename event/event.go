// Package event implements the single-subscriber event sink that carries
// every observable effect of a chat request to the transport shell.
package event

import (
	"log/slog"
	"sync"
)

// Kind enumerates the event shapes a Publisher can carry.
type Kind string

const (
	KindTokenStream         Kind = "token_stream"
	KindToolApprovalRequest Kind = "tool_approval_request"
	KindToolStart           Kind = "tool_start"
	KindToolComplete        Kind = "tool_complete"
	KindToolError           Kind = "tool_error"
	KindAgentStep           Kind = "agent_step"
	KindConversationSaved   Kind = "conversation_saved"
	KindSecurityWarning     Kind = "security_warning"
	KindChatResponse        Kind = "chat_response"
	KindError               Kind = "error"
)

// TokenStreamPayload is the payload of a KindTokenStream event.
type TokenStreamPayload struct {
	Token   string
	IsFirst bool
	IsLast  bool
}

// ToolApprovalRequestPayload is the payload of a KindToolApprovalRequest event.
type ToolApprovalRequestPayload struct {
	ToolCallID   string
	ToolName     string
	Arguments    map[string]any
	EditAllowed  bool
	AdminRequired bool
}

// ToolStartPayload is the payload of a KindToolStart event.
type ToolStartPayload struct {
	ToolCallID string
	ToolName   string
	ServerName string
	Arguments  map[string]any
	AgentMode  bool
}

// ToolCompletePayload is the payload of a KindToolComplete event.
type ToolCompletePayload struct {
	ToolCallID string
	Success    bool
	Result     string
}

// ToolErrorPayload is the payload of a KindToolError event.
type ToolErrorPayload struct {
	ToolCallID string
	Error      string
}

// AgentStepPayload is the payload of a KindAgentStep event.
type AgentStepPayload struct {
	Step    int
	Kind    string // "tool_calls" | "final"
	Payload any
}

// ConversationSavedPayload is the payload of a KindConversationSaved event.
type ConversationSavedPayload struct {
	ConversationID string
}

// SecurityWarningPayload is the payload of a KindSecurityWarning event.
type SecurityWarningPayload struct {
	Status  string // "warning" | "blocked"
	Message string
}

// ChatResponsePayload is the payload of the terminal KindChatResponse event.
type ChatResponsePayload struct {
	Content string
}

// ErrorPayload is the payload of the terminal KindError event.
type ErrorPayload struct {
	Message string
}

// Event is a single observable effect, tagged by Kind with exactly one
// populated payload field.
type Event struct {
	Kind              Kind
	TokenStream       *TokenStreamPayload
	ApprovalRequest   *ToolApprovalRequestPayload
	ToolStart         *ToolStartPayload
	ToolComplete      *ToolCompletePayload
	ToolError         *ToolErrorPayload
	AgentStep         *AgentStepPayload
	ConversationSaved *ConversationSavedPayload
	SecurityWarning   *SecurityWarningPayload
	ChatResponse      *ChatResponsePayload
	Error             *ErrorPayload
}

func TokenStream(token string, isFirst, isLast bool) Event {
	return Event{Kind: KindTokenStream, TokenStream: &TokenStreamPayload{Token: token, IsFirst: isFirst, IsLast: isLast}}
}

func ApprovalRequest(toolCallID, toolName string, arguments map[string]any, editAllowed, adminRequired bool) Event {
	return Event{Kind: KindToolApprovalRequest, ApprovalRequest: &ToolApprovalRequestPayload{
		ToolCallID: toolCallID, ToolName: toolName, Arguments: arguments,
		EditAllowed: editAllowed, AdminRequired: adminRequired,
	}}
}

func ToolStart(toolCallID, toolName, serverName string, arguments map[string]any, agentMode bool) Event {
	return Event{Kind: KindToolStart, ToolStart: &ToolStartPayload{
		ToolCallID: toolCallID, ToolName: toolName, ServerName: serverName,
		Arguments: arguments, AgentMode: agentMode,
	}}
}

func ToolComplete(toolCallID string, success bool, result string) Event {
	return Event{Kind: KindToolComplete, ToolComplete: &ToolCompletePayload{ToolCallID: toolCallID, Success: success, Result: result}}
}

func ToolError(toolCallID, errMsg string) Event {
	return Event{Kind: KindToolError, ToolError: &ToolErrorPayload{ToolCallID: toolCallID, Error: errMsg}}
}

func AgentStep(step int, kind string, payload any) Event {
	return Event{Kind: KindAgentStep, AgentStep: &AgentStepPayload{Step: step, Kind: kind, Payload: payload}}
}

func ConversationSaved(conversationID string) Event {
	return Event{Kind: KindConversationSaved, ConversationSaved: &ConversationSavedPayload{ConversationID: conversationID}}
}

func SecurityWarning(status, message string) Event {
	return Event{Kind: KindSecurityWarning, SecurityWarning: &SecurityWarningPayload{Status: status, Message: message}}
}

func ChatResponse(content string) Event {
	return Event{Kind: KindChatResponse, ChatResponse: &ChatResponsePayload{Content: content}}
}

func Error(message string) Event {
	return Event{Kind: KindError, Error: &ErrorPayload{Message: message}}
}

func isTerminal(k Kind) bool {
	return k == KindChatResponse || k == KindError
}

// mustDeliver reports whether Publish must not silently drop this event
// even when the subscriber is slow.
func mustDeliver(k Kind) bool {
	return isTerminal(k) || k == KindToolApprovalRequest || k == KindToolComplete || k == KindToolError
}

// Publisher is a single-subscriber sink. Exactly one goroutine may call
// Subscribe; Publish may be called from any goroutine.
type Publisher struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// NewPublisher creates a Publisher with the given channel buffer size.
func NewPublisher(buffer int) *Publisher {
	if buffer < 1 {
		buffer = 1
	}
	return &Publisher{ch: make(chan Event, buffer)}
}

// Subscribe returns the event channel. Call exactly once per Publisher.
func (p *Publisher) Subscribe() <-chan Event {
	return p.ch
}

// Publish delivers an event to the subscriber. Once a terminal event has
// been published, all subsequent publishes are no-ops. Non-must-deliver
// events may be dropped if the subscriber is behind; must-deliver events
// (terminal, approval requests, tool completions/errors) always block
// until delivered.
func (p *Publisher) Publish(e Event) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	terminal := isTerminal(e.Kind)
	if terminal {
		p.closed = true
	}
	p.mu.Unlock()

	if mustDeliver(e.Kind) {
		p.ch <- e
	} else {
		select {
		case p.ch <- e:
		default:
			slog.Warn("event publisher dropped event, subscriber behind", "kind", e.Kind)
		}
	}

	if terminal {
		close(p.ch)
	}
}
