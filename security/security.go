// Package security implements the pre- and post-hoc content checks the
// orchestrator applies to user input and assistant output (C3).
package security

import (
	"context"
	"log/slog"
	"strings"
)

// Status is a content-check verdict.
type Status string

const (
	Allow Status = "allow"
	Warn  Status = "warn"
	Block Status = "block"
)

// Verdict is the outcome of a single check.
type Verdict struct {
	Status Status
	Reason string
}

// Gate is the content-policy collaborator.
type Gate interface {
	CheckInput(ctx context.Context, content string) (Verdict, error)
	CheckOutput(ctx context.Context, content string) (Verdict, error)
}

// KeywordGate is a reference Gate driven by configured keyword lists:
// any blocked keyword found verdicts Block, any warn keyword verdicts
// Warn, otherwise Allow. Matching is case-insensitive substring match.
type KeywordGate struct {
	blocked []string
	warn    []string
}

// NewKeywordGate builds a KeywordGate from the blocked and warn keyword
// lists supplied by configuration.
func NewKeywordGate(blocked, warn []string) *KeywordGate {
	return &KeywordGate{blocked: lower(blocked), warn: lower(warn)}
}

func lower(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strings.ToLower(s)
	}
	return out
}

func (g *KeywordGate) check(content string) Verdict {
	lc := strings.ToLower(content)
	for _, kw := range g.blocked {
		if kw != "" && strings.Contains(lc, kw) {
			return Verdict{Status: Block, Reason: "blocked keyword: " + kw}
		}
	}
	for _, kw := range g.warn {
		if kw != "" && strings.Contains(lc, kw) {
			return Verdict{Status: Warn, Reason: "flagged keyword: " + kw}
		}
	}
	return Verdict{Status: Allow}
}

func (g *KeywordGate) CheckInput(_ context.Context, content string) (Verdict, error) {
	return g.check(content), nil
}

func (g *KeywordGate) CheckOutput(_ context.Context, content string) (Verdict, error) {
	return g.check(content), nil
}

// gatedGate wraps a Gate so that CheckInput/CheckOutput only run when the
// corresponding feature flag is enabled; otherwise they verdict Allow
// without consulting the inner gate at all.
type gatedGate struct {
	inner         Gate
	inputEnabled  bool
	outputEnabled bool
}

// WithFlags wraps g so that the input/output checks can each be disabled
// by configuration (spec.md §6 content policy enabled/disabled flags)
// without changing the Gate it wraps.
func WithFlags(g Gate, inputEnabled, outputEnabled bool) Gate {
	return &gatedGate{inner: g, inputEnabled: inputEnabled, outputEnabled: outputEnabled}
}

func (g *gatedGate) CheckInput(ctx context.Context, content string) (Verdict, error) {
	if !g.inputEnabled {
		return Verdict{Status: Allow}, nil
	}
	return g.inner.CheckInput(ctx, content)
}

func (g *gatedGate) CheckOutput(ctx context.Context, content string) (Verdict, error) {
	if !g.outputEnabled {
		return Verdict{Status: Allow}, nil
	}
	return g.inner.CheckOutput(ctx, content)
}

// failOpenGate wraps a Gate so that its own errors are treated as Allow
// rather than propagated, per the fail-open availability choice.
type failOpenGate struct {
	inner Gate
}

// FailOpen wraps g so that errors from its checks verdict Allow instead
// of propagating, logging the error. This is the spec's documented
// default; a fail-closed deployment should not use this wrapper.
func FailOpen(g Gate) Gate {
	return &failOpenGate{inner: g}
}

func (g *failOpenGate) CheckInput(ctx context.Context, content string) (Verdict, error) {
	v, err := g.inner.CheckInput(ctx, content)
	if err != nil {
		slog.Warn("security gate input check failed, failing open", "error", err)
		return Verdict{Status: Allow}, nil
	}
	return v, nil
}

func (g *failOpenGate) CheckOutput(ctx context.Context, content string) (Verdict, error) {
	v, err := g.inner.CheckOutput(ctx, content)
	if err != nil {
		slog.Warn("security gate output check failed, failing open", "error", err)
		return Verdict{Status: Allow}, nil
	}
	return v, nil
}
