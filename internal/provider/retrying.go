package provider

import (
	"context"

	"taskflow/internal/logging"
	"taskflow/internal/taskerr"
)

// retryingClient decorates a Client with retry and circuit-breaker protection
// on the non-streaming paths. Streaming executes once: replaying a partially
// delivered stream would duplicate tokens at the consumer.
type retryingClient struct {
	Client
	retry   taskerr.RetryConfig
	breaker *taskerr.CircuitBreaker
	logger  logging.Logger
}

// WithRetry wraps c so Execute, GenerateImage, and FetchModels survive
// transient provider failures.
func WithRetry(c Client, retry taskerr.RetryConfig, logger logging.Logger) Client {
	logger = logging.OrNop(logger)
	return &retryingClient{
		Client:  c,
		retry:   retry,
		breaker: taskerr.NewCircuitBreaker(c.Name(), taskerr.DefaultCircuitBreakerConfig()),
		logger:  logger,
	}
}

func (c *retryingClient) Execute(ctx context.Context, messages []Message, cfg RequestConfig) (*AIResult, error) {
	return taskerr.RetryWithResultAndLog(ctx, c.retry, func(ctx context.Context) (*AIResult, error) {
		return taskerr.ExecuteFunc(c.breaker, ctx, func(ctx context.Context) (*AIResult, error) {
			return c.Client.Execute(ctx, messages, cfg)
		})
	}, c.logger)
}

func (c *retryingClient) GenerateImage(ctx context.Context, prompt string, cfg RequestConfig, opts ImageOptions) (*AIResult, error) {
	return taskerr.RetryWithResultAndLog(ctx, c.retry, func(ctx context.Context) (*AIResult, error) {
		return taskerr.ExecuteFunc(c.breaker, ctx, func(ctx context.Context) (*AIResult, error) {
			return c.Client.GenerateImage(ctx, prompt, cfg, opts)
		})
	}, c.logger)
}

func (c *retryingClient) FetchModels(ctx context.Context) ([]ModelInfo, error) {
	return taskerr.RetryWithResultAndLog(ctx, c.retry, func(ctx context.Context) ([]ModelInfo, error) {
		return c.Client.FetchModels(ctx)
	}, c.logger)
}
