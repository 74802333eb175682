package aiclient

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// AnthropicClient is the production Client implementation: every call
// goes through a gobreaker circuit breaker and the retry/backoff loop
// in retry.go before reaching the SDK.
type AnthropicClient struct {
	sdk     *anthropic.Client
	model   string
	retry   RetryConfig
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewAnthropicClient builds a Client backed by the Anthropic API.
// apiKey may be empty to use the SDK's default environment lookup.
func NewAnthropicClient(apiKey, model string, retry RetryConfig, logger *zap.Logger) *AnthropicClient {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	sdk := anthropic.NewClient(opts...)
	return &AnthropicClient{
		sdk:     &sdk,
		model:   model,
		retry:   retry,
		breaker: NewBreaker("aiclient", retry, logger),
		logger:  logger,
	}
}

func (c *AnthropicClient) Complete(ctx context.Context, req Request) (string, error) {
	var out string
	err := withRetry(ctx, c.retry, c.logger, "ai.complete", func(attemptCtx context.Context) error {
		result, breakerErr := c.breaker.Execute(func() (interface{}, error) {
			return c.call(attemptCtx, req)
		})
		if breakerErr != nil {
			if breakerErr == gobreaker.ErrOpenState || breakerErr == gobreaker.ErrTooManyRequests {
				return &CallError{Kind: ErrServiceError, Err: breakerErr}
			}
			return breakerErr
		}
		out = result.(string)
		return nil
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

func (c *AnthropicClient) call(ctx context.Context, req Request) (string, error) {
	maxTokens := int64(req.MaxOutputTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = anthropic.Float(req.TopP)
	}
	if req.TopK > 0 {
		params.TopK = anthropic.Int(int64(req.TopK))
	}

	msg, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(msg.Content) == 0 {
		return "", &CallError{Kind: ErrInvalidResponse, Err: fmt.Errorf("empty response content")}
	}
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return "", &CallError{Kind: ErrInvalidResponse, Err: fmt.Errorf("no text content in response")}
	}
	return text, nil
}
