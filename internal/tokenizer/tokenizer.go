// Package tokenizer wraps a BPE tokenizer so every token-budget decision
// in the repository (the Retrieval Postprocessor's packing budget, the
// Sub-chat Orchestrator's wrap_up_tokens_cnt) counts tokens the same way
// the embedder and the remote model would.
package tokenizer

import (
	"fmt"
	"sync"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// Counter counts tokens in a string using a real BPE vocabulary instead of
// a character-count approximation.
type Counter struct {
	mu  sync.Mutex
	tk  *tokenizer.Tokenizer
	avg float64 // fallback chars-per-token ratio if tk is nil
}

// DefaultCharsPerToken is the fallback ratio used when no tokenizer model
// file is available (keeps the accountant usable offline/in tests).
const DefaultCharsPerToken = 3.8

// New loads a pretrained tokenizer from the given vocab/merges directory
// (a HuggingFace-style tokenizer.json). If modelPath is empty or the file
// cannot be loaded, Counter falls back to an approximate chars-per-token
// count so callers never fail outright on a missing model file.
func New(modelPath string) *Counter {
	if modelPath == "" {
		return &Counter{avg: DefaultCharsPerToken}
	}
	tk, err := pretrained.FromFile(modelPath)
	if err != nil {
		return &Counter{avg: DefaultCharsPerToken}
	}
	return &Counter{tk: tk}
}

// NewApproximate builds a Counter that never loads a model file, useful in
// tests and for the static/offline embedder path.
func NewApproximate() *Counter {
	return &Counter{avg: DefaultCharsPerToken}
}

// Count returns the number of tokens text encodes to.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c.tk == nil {
		n := float64(len([]rune(text))) / c.avg
		if n < 1 {
			return 1
		}
		return int(n + 0.5)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	en, err := c.tk.EncodeSingle(text, false)
	if err != nil {
		n := float64(len([]rune(text))) / c.avg
		if n < 1 {
			return 1
		}
		return int(n + 0.5)
	}
	return len(en.Ids)
}

// CountAll returns token counts for each string in texts, in order.
func (c *Counter) CountAll(texts []string) []int {
	out := make([]int, len(texts))
	for i, t := range texts {
		out[i] = c.Count(t)
	}
	return out
}

// String reports whether the counter is backed by a real model or the
// approximate fallback, useful for startup diagnostics.
func (c *Counter) String() string {
	if c.tk == nil {
		return fmt.Sprintf("tokenizer.Counter(approximate, %.2f chars/token)", c.avg)
	}
	return "tokenizer.Counter(bpe)"
}
