// Command atlas is a minimal programmatic wiring example: load
// configuration, build a Root, run one chat request to completion, and
// print the events it publishes (tokens, tool start/complete, security
// warnings, save notices and the terminal event; approval requests, tool
// errors and agent steps are not printed). It is not a transport shell — serving
// chat requests over HTTP/gRPC/WebSocket is an explicit Non-goal; callers
// embed atlasctx.Build in whatever transport they already have.
package main

import (
	"context"
	"fmt"
	"iter"
	"log"
	"log/slog"
	"os"

	"github.com/kadirpekel/atlas/atlasctx"
	"github.com/kadirpekel/atlas/config"
	"github.com/kadirpekel/atlas/event"
	"github.com/kadirpekel/atlas/llm"
	"github.com/kadirpekel/atlas/orchestrator"
)

// echoClient is a stand-in for a real vendor SDK client (out of scope for
// this module, see SPEC_FULL.md §1 Non-goals): it streams its input back
// token by token so this example runs with no external dependency.
type echoClient struct{}

func (echoClient) StreamPlain(_ context.Context, _ string, messages []llm.Message, _ float64, _ string) (iter.Seq[llm.Chunk], error) {
	reply := "you said: "
	if len(messages) > 0 {
		reply += messages[len(messages)-1].Content
	}
	return tokenize(reply), nil
}

func (echoClient) StreamWithTools(_ context.Context, _ string, messages []llm.Message, _ []llm.ToolDefinition, _ llm.ToolChoice, _ float64, _ string) (iter.Seq[llm.Chunk], error) {
	reply := "no tools needed for: "
	if len(messages) > 0 {
		reply += messages[len(messages)-1].Content
	}
	return tokenize(reply), nil
}

func tokenize(s string) iter.Seq[llm.Chunk] {
	return func(yield func(llm.Chunk) bool) {
		for _, word := range []rune(s) {
			if !yield(llm.Chunk{Type: llm.ChunkText, Text: string(word)}) {
				return
			}
		}
		yield(llm.Chunk{Type: llm.ChunkDone})
	}
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx := context.Background()

	configPath := "atlas.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, loader, err := config.LoadConfigFile(ctx, configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer loader.Close()

	root, err := atlasctx.Build(ctx, cfg, echoClient{}, nil, nil)
	if err != nil {
		return fmt.Errorf("build root: %w", err)
	}
	defer func() {
		if err := root.Close(); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	events := root.Orchestrator.Execute(ctx, orchestrator.Request{
		SessionID: "example-session",
		Content:   "hello, atlas",
		Model:     "gpt-4o-mini",
		UserEmail: "demo@example.com",
	})

	for ev := range events {
		printEvent(ev)
	}
	return nil
}

func printEvent(ev event.Event) {
	switch ev.Kind {
	case event.KindTokenStream:
		fmt.Print(ev.TokenStream.Token)
		if ev.TokenStream.IsLast {
			fmt.Println()
		}
	case event.KindChatResponse:
		fmt.Println("\n--- final:", ev.ChatResponse.Content)
	case event.KindError:
		fmt.Println("\n--- error:", ev.Error.Message)
	case event.KindSecurityWarning:
		fmt.Println("\n--- security:", ev.SecurityWarning.Status, ev.SecurityWarning.Message)
	case event.KindToolStart:
		fmt.Println("\n--- tool start:", ev.ToolStart.ToolName)
	case event.KindToolComplete:
		fmt.Println("\n--- tool complete:", ev.ToolComplete.ToolCallID, ev.ToolComplete.Success)
	case event.KindConversationSaved:
		fmt.Println("\n--- saved:", ev.ConversationSaved.ConversationID)
	}
}
