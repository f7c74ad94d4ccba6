package adapter

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rapport/pkg/model"
	"github.com/m-mizutani/rapport/pkg/utils/logging"
	"github.com/sashabaranov/go-openai"
)

const (
	DefaultGrokBaseURL = "https://api.x.ai/v1"
	DefaultGrokModel   = "grok-4"

	grokMaxRetries = 3
)

// GrokClient talks to the xAI chat completions API, which is OpenAI compatible
type GrokClient struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float32
	maxTokens   int
	httpClient  *http.Client
	backoff     time.Duration
	client      *openai.Client
}

var _ Converser = (*GrokClient)(nil)

type GrokOption func(*GrokClient)

func WithGrokBaseURL(url string) GrokOption {
	return func(c *GrokClient) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

func WithGrokModel(model string) GrokOption {
	return func(c *GrokClient) {
		c.model = model
	}
}

func WithGrokTemperature(t float64) GrokOption {
	return func(c *GrokClient) {
		c.temperature = float32(t)
	}
}

func WithGrokHTTPClient(client *http.Client) GrokOption {
	return func(c *GrokClient) {
		c.httpClient = client
	}
}

// WithGrokBackoff sets the base delay between retries of rate limited requests
func WithGrokBackoff(d time.Duration) GrokOption {
	return func(c *GrokClient) {
		c.backoff = d
	}
}

// NewGrok creates a Grok counterpart
func NewGrok(apiKey string, opts ...GrokOption) (*GrokClient, error) {
	if apiKey == "" {
		return nil, goerr.Wrap(model.ErrInvalidInput, "xAI API key is required")
	}

	c := &GrokClient{
		apiKey:      apiKey,
		baseURL:     DefaultGrokBaseURL,
		model:       DefaultGrokModel,
		temperature: 0.7,
		maxTokens:   8192,
		httpClient:  &http.Client{},
		backoff:     time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	cfg := openai.DefaultConfig(c.apiKey)
	cfg.BaseURL = c.baseURL
	cfg.HTTPClient = c.httpClient
	c.client = openai.NewClientWithConfig(cfg)

	return c, nil
}

func (c *GrokClient) Converse(ctx context.Context, systemPrompt string, history []model.Message) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt,
	})
	for _, msg := range history {
		role := openai.ChatMessageRoleUser
		if msg.Speaker == model.SpeakerCounterpart {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: msg.Text})
	}

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}

	var lastErr error
	for attempt := 0; attempt <= grokMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", goerr.Wrap(ctx.Err(), "grok request canceled", goerr.V("last_error", lastErr))
			case <-time.After(c.backoff << (attempt - 1)):
			}
		}

		reply, err := c.send(ctx, req)
		if err == nil {
			return reply, nil
		}
		if !retryable(err) {
			return "", err
		}
		lastErr = err
		logging.From(ctx).Debug("retrying grok request", "attempt", attempt+1, logging.ErrAttr(err))
	}

	return "", goerr.Wrap(lastErr, "grok retries exhausted", goerr.V("retries", grokMaxRetries))
}

func (c *GrokClient) send(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", goerr.Wrap(err, "grok request failed",
			goerr.V("base_url", c.baseURL),
			goerr.V("status", statusCode(err)))
	}

	if len(resp.Choices) == 0 {
		return "", goerr.New("no completion returned from grok")
	}

	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return "", goerr.New("empty completion returned from grok")
	}
	return reply, nil
}

// statusCode returns the HTTP status of a failed completion, or 0 when the
// request never got a response
func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// retryable is true for rate limits and server errors
func retryable(err error) bool {
	code := statusCode(err)
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
