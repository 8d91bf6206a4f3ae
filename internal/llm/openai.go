package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/aterekhin/sessionlens/config"
)

// OpenAIProvider streams completions from any OpenAI-compatible endpoint.
type OpenAIProvider struct {
	client          *openai.Client
	maxOutputTokens int
}

// NewOpenAIProvider builds a provider from configuration. BaseURL may point at
// a local OpenAI-compatible server; api_key is passed through as-is.
func NewOpenAIProvider(cfg config.LLMConfig) *OpenAIProvider {
	cc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		cc.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	cc.HTTPClient = &http.Client{Timeout: timeout}
	maxOut := cfg.MaxOutputTokens
	if maxOut <= 0 {
		maxOut = 1024
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cc), maxOutputTokens: maxOut}
}

// Stream issues one chat completion in streaming mode, forwarding each delta
// to fn. Usage comes from the backend's terminal usage chunk when available,
// otherwise from a rough estimate.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request, fn func(Chunk) error) (Usage, error) {
	if req.Model == "" {
		return Usage{}, ErrEmptyModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxOutputTokens
	}
	chatReq := openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	// Reasoning models (o1/o3/o4/gpt-5*) reject MaxTokens.
	model := req.Model
	if strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3") || strings.HasPrefix(model, "o4") || strings.HasPrefix(model, "gpt-5") {
		chatReq.MaxCompletionTokens = maxTokens
	} else {
		chatReq.MaxTokens = maxTokens
	}

	start := time.Now()
	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return Usage{}, fmt.Errorf("create completion stream: %w", err)
	}
	defer stream.Close()

	var usage Usage
	var sawUsage bool
	var generated strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Usage{}, fmt.Errorf("recv stream: %w", err)
		}
		if resp.Usage != nil {
			usage.PromptTokens = int64(resp.Usage.PromptTokens)
			usage.CompletionTokens = int64(resp.Usage.CompletionTokens)
			sawUsage = true
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		generated.WriteString(delta)
		if err := fn(Chunk{Delta: delta}); err != nil {
			return Usage{}, err
		}
	}
	if !sawUsage {
		usage.PromptTokens = estimateTokens(req.Prompt)
		usage.CompletionTokens = estimateTokens(generated.String())
	}
	usage.Duration = time.Since(start)
	return usage, nil
}
