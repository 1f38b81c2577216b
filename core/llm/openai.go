package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIBackend implements Backend against the OpenAI chat completions
// API, or any OpenAI-compatible endpoint reachable via WithBaseURL (vLLM,
// Ollama's OpenAI shim, Azure OpenAI).
type OpenAIBackend struct {
	client openai.Client
	model  string
}

// OpenAIOption configures an OpenAIBackend at construction time.
type OpenAIOption func(*openAIConfig)

type openAIConfig struct {
	apiKey  string
	baseURL string
	model   string
	timeout time.Duration
}

// WithModel sets the model name sent with every request.
func WithModel(model string) OpenAIOption {
	return func(c *openAIConfig) { c.model = model }
}

// WithAPIKey overrides the client's API key.
func WithAPIKey(key string) OpenAIOption {
	return func(c *openAIConfig) { c.apiKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint other than
// the default OpenAI API.
func WithBaseURL(url string) OpenAIOption {
	return func(c *openAIConfig) { c.baseURL = url }
}

// WithTimeout bounds every Generate call; a zero value disables the
// client-level timeout (Generate still honors ctx cancellation).
func WithTimeout(d time.Duration) OpenAIOption {
	return func(c *openAIConfig) { c.timeout = d }
}

const defaultModel = "gpt-4o-mini"

// NewOpenAIBackend builds an OpenAIBackend.
func NewOpenAIBackend(opts ...OpenAIOption) *OpenAIBackend {
	cfg := openAIConfig{model: defaultModel}
	for _, opt := range opts {
		opt(&cfg)
	}

	var clientOpts []option.RequestOption
	if cfg.apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.apiKey))
	}
	if cfg.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		clientOpts = append(clientOpts, option.WithRequestTimeout(cfg.timeout))
	}

	return &OpenAIBackend{
		client: openai.NewClient(clientOpts...),
		model:  cfg.model,
	}
}

// Generate implements Backend by issuing one chat completion call. ctx
// cancellation (the adapter's own timeout) always takes precedence over
// the client's configured request timeout.
func (b *OpenAIBackend) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: b.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(opts.Temperature),
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}
	if len(opts.Stop) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: opts.Stop}
	}
	if opts.Seed != nil {
		params.Seed = openai.Int(int64(*opts.Seed))
	}

	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classifyError(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm: empty response from model %q", b.model)
	}
	return resp.Choices[0].Message.Content, nil
}

// classifyError maps the SDK's error surface onto the three distinguishable
// backend failure modes adapters must be able to branch on. The SDK
// exposes HTTP status only through its error string, so rate-limit
// detection matches on the "429" status text rather than a typed field.
func classifyError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if strings.Contains(err.Error(), "429") {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return fmt.Errorf("%w: %v", ErrConnection, err)
}
