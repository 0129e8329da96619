package session

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TiktokenCounter is a TokenCounter backed by the model's actual byte-pair
// encoding, used by History.TruncateToBudget to keep a session's history
// within a model's context window.
type TiktokenCounter struct {
	encoding *tiktoken.Tiktoken
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	encodingMu    sync.Mutex
)

// NewTiktokenCounter builds a counter for model, falling back to the
// cl100k_base encoding (GPT-3.5/GPT-4 family) when the model is unknown.
func NewTiktokenCounter(model string) (*TiktokenCounter, error) {
	encodingMu.Lock()
	defer encodingMu.Unlock()

	if enc, ok := encodingCache[model]; ok {
		return &TiktokenCounter{encoding: enc}, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("load token encoding for %q: %w", model, err)
		}
	}
	encodingCache[model] = enc
	return &TiktokenCounter{encoding: enc}, nil
}

// Count implements TokenCounter.
func (c *TiktokenCounter) Count(s string) int {
	return len(c.encoding.Encode(s, nil, nil))
}

var _ TokenCounter = (*TiktokenCounter)(nil)
