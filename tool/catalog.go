package tool

import (
	"context"

	"github.com/kadirpekel/atlas/llm"
)

// Catalog resolves the tool schema the LLM collaborator is given for a
// request, filtered to a session's selected tool ids.
type Catalog struct {
	descriptors func(ctx context.Context) (map[string]Descriptor, error)
}

// NewCatalog wraps the same descriptor resolver an Executor uses, so the
// schema sent to the model and the schema the executor resolves against
// never drift apart.
func NewCatalog(descriptors func(ctx context.Context) (map[string]Descriptor, error)) *Catalog {
	return &Catalog{descriptors: descriptors}
}

// Definitions returns the tool schema for the given selected fully
// qualified names. An empty/nil selected set returns every known tool.
func (c *Catalog) Definitions(ctx context.Context, selected map[string]struct{}) ([]llm.ToolDefinition, error) {
	all, err := c.descriptors(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]llm.ToolDefinition, 0, len(all))
	for name, d := range all {
		if len(selected) > 0 {
			if _, ok := selected[name]; !ok {
				continue
			}
		}
		out = append(out, llm.ToolDefinition{Name: name, Schema: d.Schema})
	}
	return out, nil
}
