// Package stream implements the streaming accumulator (C5): it consumes a
// lazy finite token sequence from the LLM collaborator, forwards each
// token to the event publisher in order, and returns the concatenated
// final string.
package stream

import (
	"context"
	"fmt"
	"strings"

	"github.com/kadirpekel/atlas/event"
)

// Token is one element of a token source: either text or a terminal error.
type Token struct {
	Text string
	Err  error
}

// Source is a finite sequence of tokens, e.g. derived from an llm.Chunk
// stream by a mode runner or the agentic loop.
type Source func(yield func(Token) bool)

// Accumulate publishes one token_stream event per token (is_first true
// only for the first non-empty token), a final is_last token on normal
// completion, and returns the concatenated text. If the source errors
// mid-stream, an error event is published instead of the final token and
// the text accumulated so far is returned alongside the error.
func Accumulate(ctx context.Context, tokens Source, pub *event.Publisher, label string) (string, error) {
	var sb strings.Builder
	seenNonEmpty := false

	var streamErr error
	tokens(func(t Token) bool {
		if ctx.Err() != nil {
			streamErr = ctx.Err()
			return false
		}
		if t.Err != nil {
			streamErr = t.Err
			return false
		}
		isFirst := !seenNonEmpty && t.Text != ""
		if t.Text != "" {
			seenNonEmpty = true
		}
		sb.WriteString(t.Text)
		pub.Publish(event.TokenStream(t.Text, isFirst, false))
		return true
	})

	if streamErr != nil {
		pub.Publish(event.Error(fmt.Sprintf("%s: %v", label, streamErr)))
		return sb.String(), streamErr
	}

	pub.Publish(event.TokenStream("", false, true))
	return sb.String(), nil
}

// FromStrings builds a Source over an already-known slice of strings,
// used to re-emit a non-streamed answer (e.g. a retrieval completion or
// the agentic loop's final step text) as a token stream.
func FromStrings(tokens ...string) Source {
	return func(yield func(Token) bool) {
		for _, t := range tokens {
			if !yield(Token{Text: t}) {
				return
			}
		}
	}
}
