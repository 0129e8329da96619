package atlasctx_test

import (
	"context"
	"iter"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/atlas/atlasctx"
	"github.com/kadirpekel/atlas/config"
	"github.com/kadirpekel/atlas/event"
	"github.com/kadirpekel/atlas/llm"
	"github.com/kadirpekel/atlas/orchestrator"
)

type echoClient struct{}

func (echoClient) StreamPlain(context.Context, string, []llm.Message, float64, string) (iter.Seq[llm.Chunk], error) {
	return func(yield func(llm.Chunk) bool) {
		if !yield(llm.Chunk{Type: llm.ChunkText, Text: "ok"}) {
			return
		}
		yield(llm.Chunk{Type: llm.ChunkDone})
	}, nil
}

func (echoClient) StreamWithTools(context.Context, string, []llm.Message, []llm.ToolDefinition, llm.ToolChoice, float64, string) (iter.Seq[llm.Chunk], error) {
	panic("not used by this test")
}

func minimalConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Persistence: config.PersistenceConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "atlas.db")},
	}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestBuildWiresAFunctionalOrchestrator(t *testing.T) {
	cfg := minimalConfig(t)

	root, err := atlasctx.Build(context.Background(), cfg, echoClient{}, nil, nil)
	require.NoError(t, err)
	defer root.Close()

	require.NotNil(t, root.Orchestrator)
	require.NotNil(t, root.Sessions)
	require.NotNil(t, root.Catalog)
	require.NotNil(t, root.Retrieval)
	require.NotNil(t, root.Persistence)

	events := root.Orchestrator.Execute(context.Background(), orchestrator.Request{
		SessionID: "s1",
		Content:   "hello",
		Model:     "gpt-4o-mini",
		UserEmail: "u@example.com",
	})

	var sawResponse bool
	for ev := range events {
		if ev.Kind == event.KindChatResponse {
			sawResponse = true
			assert.NotEmpty(t, ev.ChatResponse.Content)
		}
	}
	assert.True(t, sawResponse)
}

func TestBuildRetrievalDisabledWhenFeatureFlagOff(t *testing.T) {
	cfg := minimalConfig(t)
	cfg.FeatureFlags.RetrievalEnabled = false

	root, err := atlasctx.Build(context.Background(), cfg, echoClient{}, nil, nil)
	require.NoError(t, err)
	defer root.Close()

	assert.Empty(t, root.Retrieval.Discover(context.Background(), "u@example.com"))
}

func TestCloseIsSafeWithNoMCPServersConfigured(t *testing.T) {
	cfg := minimalConfig(t)
	root, err := atlasctx.Build(context.Background(), cfg, echoClient{}, nil, nil)
	require.NoError(t, err)
	assert.NoError(t, root.Close())
}
