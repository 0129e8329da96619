// Package retrieval implements the retrieval fan-out (C7): querying N
// retrieval sources in parallel, best-effort, and merging their
// contributions; and discovering sources known to configured providers.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/atlas/observability"
)

var tracer = observability.Tracer("atlas.retrieval")

// Response is one source's contribution.
type Response struct {
	SourceID     string
	Content      string
	IsCompletion bool
	DocsFound    int
	RetrievalMS  int64
}

// SourceDescriptor is the discovery-time shape of a registered source.
type SourceDescriptor struct {
	ID               string
	Label            string
	Description      string
	ComplianceLevel  string
}

// Transport queries a single retrieval source (HTTP endpoint or MCP
// tool), returning its raw response.
type Transport interface {
	Query(ctx context.Context, sourceID, userEmail string, messages []Message) (Response, error)
}

// Message is the minimal message shape the retrieval transport needs
// (role/content), decoupled from session.Message to avoid a cyclic
// dependency.
type Message struct {
	Role    string
	Content string
}

// Discoverer enumerates the sources known to one configuration backend
// (e.g. Consul, etcd, Zookeeper).
type Discoverer interface {
	Discover(ctx context.Context, userEmail string) ([]SourceDescriptor, error)
}

const defaultQueryTimeout = 30 * time.Second

// Fanout is the C7 implementation: enabled/disabled gate, transport
// registry by source id, and a list of discovery providers.
type Fanout struct {
	enabled     bool
	transports  map[string]Transport
	discoverers []Discoverer
	timeout     time.Duration
}

// NewFanout builds a Fanout. enabled implements the retrieval_enabled
// feature gate (spec.md §6/§8 invariant 8).
func NewFanout(enabled bool, transports map[string]Transport, discoverers []Discoverer, timeout time.Duration) *Fanout {
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	return &Fanout{enabled: enabled, transports: transports, discoverers: discoverers, timeout: timeout}
}

// Query runs sources in parallel and returns only the successful
// responses, in the same order as the sources argument. A failing source
// is logged and omitted; it never fails the whole operation. When
// retrieval is globally disabled, returns an empty list with no calls.
func (f *Fanout) Query(ctx context.Context, sources []string, userEmail string, messages []Message) []Response {
	if !f.enabled {
		return nil
	}

	results := make([]*Response, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, sourceID := range sources {
		i, sourceID := i, sourceID
		g.Go(func() error {
			callCtx, span := tracer.Start(gctx, observability.SpanRetrievalQuery,
				trace.WithAttributes(attribute.String(observability.AttrSourceID, sourceID)))
			defer span.End()

			transport, ok := f.transports[sourceID]
			if !ok {
				slog.Warn("retrieval source has no registered transport", "source", sourceID)
				span.SetStatus(codes.Error, "no registered transport")
				return nil
			}
			callCtx, cancel := context.WithTimeout(callCtx, f.timeout)
			defer cancel()
			resp, err := transport.Query(callCtx, sourceID, userEmail, messages)
			if err != nil {
				slog.Warn("retrieval source failed", "source", sourceID, "error", err)
				span.RecordError(err)
				span.SetStatus(codes.Error, "query failed")
				return nil
			}
			resp.SourceID = sourceID
			results[i] = &resp
			return nil
		})
	}
	_ = g.Wait()

	out := make([]Response, 0, len(sources))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// Merge concatenates every response, completions included, into a single
// labelled context block, preserving source order. mode.Retrieval uses a
// lone completion response as the final answer directly instead of
// calling Merge.
func Merge(responses []Response) string {
	var sb strings.Builder
	for i, r := range responses {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[%s]\n%s", r.SourceID, r.Content)
	}
	return sb.String()
}

// SingleCompletion reports whether responses is exactly one entry and it
// is a completion, returning that entry's content.
func SingleCompletion(responses []Response) (string, bool) {
	if len(responses) != 1 || !responses[0].IsCompletion {
		return "", false
	}
	return responses[0].Content, true
}

// Discover enumerates sources across all configured providers,
// best-effort: a failing provider is logged and omitted.
func (f *Fanout) Discover(ctx context.Context, userEmail string) []SourceDescriptor {
	if !f.enabled {
		return nil
	}

	var all []SourceDescriptor
	for _, d := range f.discoverers {
		descs, err := d.Discover(ctx, userEmail)
		if err != nil {
			slog.Warn("retrieval discovery provider failed", "error", err)
			continue
		}
		all = append(all, descs...)
	}
	return all
}
