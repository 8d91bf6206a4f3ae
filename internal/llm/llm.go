// Package llm abstracts the language-model backend behind a streaming
// gateway. The orchestrator treats any stream error as a hard failure of that
// call; retry policy belongs to callers.
package llm

import (
	"context"
	"errors"
	"time"
)

// Chunk is one streamed text delta.
type Chunk struct {
	Delta string
}

// Usage carries the terminal metrics of one generation call.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	Duration         time.Duration
}

// Request describes a single generation call.
type Request struct {
	Prompt    string
	Model     string
	MaxTokens int
}

// ErrEmptyModel indicates the request did not name a model.
var ErrEmptyModel = errors.New("llm: model name required")

// Provider is the model gateway contract. Stream invokes fn for every delta
// in order and returns the final usage metrics. If fn returns an error the
// stream is aborted and that error is returned.
type Provider interface {
	Stream(ctx context.Context, req Request, fn func(Chunk) error) (Usage, error)
}

// estimateTokens is the chars/4 heuristic used when a backend omits usage.
func estimateTokens(s string) int64 {
	n := int64(len(s) / 4)
	if n == 0 && len(s) > 0 {
		n = 1
	}
	return n
}
