// Package vlm is the gateway to the vision-language model used for style
// extraction, prompt-guided generation text, and pairwise critique. It never
// exposes the underlying openai.Client to callers: every call goes through
// Analyze or GenerateText, both of which apply the fixed retry schedule.
// ForceJSON only requests a JSON-object response format; neither call parses
// the returned text, which callers pass to ParseJSON themselves.
package vlm

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/rs/zerolog/log"

	domainerrors "github.com/smilemakc/styleforge/internal/domain/errors"
)

// defaultCallTimeout is the per-call wall clock bound applied when
// the caller doesn't override it via WithCallTimeout.
const defaultCallTimeout = 300 * time.Second

// Client wraps an OpenAI-compatible chat completion client configured for
// vision requests.
type Client struct {
	api         *openai.Client
	model       string
	policy      RetryPolicy
	callTimeout time.Duration
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithRetryPolicy overrides the default retry schedule (DefaultRetryPolicy).
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.policy = p }
}

// WithCallTimeout overrides the default 300s per-call wall clock bound
// applied to every VLM call.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// NewClient builds a VLM Gateway client. baseURL may be empty to use the
// OpenAI default endpoint, or set to point at a compatible self-hosted VLM.
func NewClient(apiKey, baseURL, model string, opts ...Option) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	c := &Client{
		api:         openai.NewClientWithConfig(cfg),
		model:       model,
		policy:      DefaultRetryPolicy(),
		callTimeout: defaultCallTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AnalyzeOptions configures a vision call.
type AnalyzeOptions struct {
	// Images are attached in order; the first is conventionally the
	// reference image and the second the candidate, per the Critic's
	// comparison ordering.
	Images    [][]byte
	ForceJSON bool
	MaxTokens int
}

// Analyze sends prompt plus zero or more images to the VLM and returns the
// raw text response. Retries on transport failure per the gateway's fixed
// schedule; returns VLMCancelledError if ctx is cancelled mid-retry.
func (c *Client) Analyze(ctx context.Context, prompt string, opts AnalyzeOptions) (string, error) {
	parts := []openai.ChatMessagePart{
		{Type: openai.ChatMessagePartTypeText, Text: prompt},
	}
	for _, img := range opts.Images {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL: toDataURL(img),
			},
		})
	}

	req := openai.ChatCompletionRequest{
		Model:     c.model,
		MaxTokens: opts.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, MultiContent: parts},
		},
	}
	if opts.ForceJSON {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	return c.complete(ctx, "analyze", req)
}

// GenerateText sends a text-only prompt to the VLM, used for the baseline
// contamination judge call and other non-visual generation steps.
func (c *Client) GenerateText(ctx context.Context, prompt string, maxTokens int) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:     c.model,
		MaxTokens: maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	return c.complete(ctx, "generate_text", req)
}

func (c *Client) complete(ctx context.Context, op string, req openai.ChatCompletionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	return withRetry(ctx, op, c.policy, func() (string, error) {
		resp, err := c.api.CreateChatCompletion(ctx, req)
		if err != nil {
			return "", &domainerrors.VLMTransportError{Op: op, Cause: err}
		}
		if len(resp.Choices) == 0 {
			return "", &domainerrors.VLMTransportError{Op: op, Cause: fmt.Errorf("vlm returned no choices")}
		}
		content := strings.TrimSpace(resp.Choices[0].Message.Content)
		log.Debug().Str("op", op).Int("prompt_tokens", resp.Usage.PromptTokens).
			Int("completion_tokens", resp.Usage.CompletionTokens).Msg("vlm call completed")
		return content, nil
	})
}

func toDataURL(img []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(img)
}
