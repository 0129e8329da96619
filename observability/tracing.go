// Package observability names the tracer and span/attribute conventions
// shared by the orchestrator, tool executor, and retrieval fanout. It
// wires a real tracer (no exporter is configured here: spans are only
// useful once a caller installs a TracerProvider via otel.SetTracerProvider,
// which is out of scope for this module).
package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	AttrSessionID  = "atlas.session_id"
	AttrToolName   = "atlas.tool_name"
	AttrServerName = "atlas.server_name"
	AttrSourceID   = "atlas.source_id"
	AttrModel      = "atlas.model"

	SpanChatOrchestration = "atlas.chat_orchestration"
	SpanToolExecution     = "atlas.tool_execution"
	SpanRetrievalQuery    = "atlas.retrieval_query"
)

// Tracer returns the named tracer from the globally configured
// TracerProvider (a no-op provider until a caller installs a real one).
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
