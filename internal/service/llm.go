package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/timmy/papercast/internal/domain"
	"github.com/timmy/papercast/internal/logger"
	"github.com/timmy/papercast/internal/observability"
)

const anthropicVersion = "2023-06-01"

// LLMConfig holds configuration for the text generation client.
type LLMConfig struct {
	Provider string // "anthropic" or "openai"
	APIKey   string
	BaseURL  string
	Timeout  time.Duration
}

// Completion is one model response.
type Completion struct {
	Text         string
	Stop         domain.StopReason
	InputTokens  int
	OutputTokens int
}

// LLMClient sends system/user prompt pairs to a chat model.
type LLMClient struct {
	client   *resty.Client
	provider string
	apiKey   string
	endpoint string
	usage    usageTracker
}

// NewLLMClient creates a client for the Anthropic messages API or an
// OpenAI-compatible chat completions API.
// Parameters:
//   - cfg: provider, credentials and endpoint.
//   - recorder: usage ledger; may be nil.
//
// Returns:
//   - *LLMClient: initialized client.
func NewLLMClient(cfg *LLMConfig, recorder UsageRecorder) *LLMClient {
	client := resty.New()
	client.SetHeader("Content-Type", "application/json")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	client.SetTimeout(timeout)

	provider := strings.ToLower(cfg.Provider)
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	var endpoint string
	switch provider {
	case "openai":
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
		endpoint = baseURL + "/chat/completions"
	default:
		provider = "anthropic"
		if baseURL == "" {
			baseURL = "https://api.anthropic.com/v1"
		}
		client.SetHeader("x-api-key", cfg.APIKey)
		client.SetHeader("anthropic-version", anthropicVersion)
		endpoint = baseURL + "/messages"
	}

	return &LLMClient{
		client:   client,
		provider: provider,
		apiKey:   cfg.APIKey,
		endpoint: endpoint,
		usage:    newUsageTracker(recorder, domain.ServiceLLM),
	}
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type apiError struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete sends one request and reports why the model stopped.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - model: model identifier.
//   - system: system prompt.
//   - user: user prompt.
//   - maxTokens: response size limit.
//
// Returns:
//   - *Completion: response text, stop reason and token usage.
//   - error: *domain.ServiceUnavailableError when the API cannot be reached or
//     no key is configured, a plain error for API-level failures.
func (c *LLMClient) Complete(ctx context.Context, model, system, user string, maxTokens int) (*Completion, error) {
	if c.apiKey == "" {
		return nil, &domain.ServiceUnavailableError{Service: "llm", Err: errors.New("no API key configured")}
	}

	ctx, span := observability.StartSpan(ctx, "llm.complete",
		attribute.String("provider", c.provider),
		attribute.String("model", model),
	)
	call := c.usage.begin(model)
	start := time.Now()

	var (
		out *Completion
		err error
	)
	if c.provider == "openai" {
		out, err = c.completeChat(ctx, model, system, user, maxTokens)
	} else {
		out, err = c.completeMessages(ctx, model, system, user, maxTokens)
	}
	if out != nil {
		call.tokens(out.InputTokens, out.OutputTokens)
	}
	call.end(ctx, err)
	observability.EndSpan(span, err)

	entry := logger.With(logger.Fields{
		logger.FieldCollaborator: "llm",
		logger.FieldDurationMs:   time.Since(start).Milliseconds(),
	})
	if err != nil {
		entry.Warn(ctx, "LLM request failed: %v", err)
		return nil, err
	}
	entry.Debug(ctx, "LLM response: %d chars, stop=%s", len(out.Text), out.Stop)
	return out, nil
}

func (c *LLMClient) completeMessages(ctx context.Context, model, system, user string, maxTokens int) (*Completion, error) {
	req := anthropicRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  []anthropicMessage{{Role: "user", Content: user}},
	}

	var resp anthropicResponse
	var apiErr apiError
	httpResp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		SetError(&apiErr).
		Post(c.endpoint)
	if err != nil {
		return nil, &domain.ServiceUnavailableError{Service: "llm", Err: err}
	}
	if httpResp.StatusCode() != 200 {
		return nil, statusError("Anthropic API", httpResp, apiErr)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("no text content in Anthropic response (stop_reason: %s)", resp.StopReason)
	}

	stop := domain.StopComplete
	if resp.StopReason == "max_tokens" {
		stop = domain.StopLengthLimited
	}
	return &Completion{
		Text:         text.String(),
		Stop:         stop,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

func (c *LLMClient) completeChat(ctx context.Context, model, system, user string, maxTokens int) (*Completion, error) {
	req := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens: maxTokens,
	}

	var resp chatResponse
	var apiErr apiError
	httpResp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		SetError(&apiErr).
		Post(c.endpoint)
	if err != nil {
		return nil, &domain.ServiceUnavailableError{Service: "llm", Err: err}
	}
	if httpResp.StatusCode() != 200 {
		return nil, statusError("chat completions API", httpResp, apiErr)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response (status: %d)", httpResp.StatusCode())
	}

	stop := domain.StopComplete
	if resp.Choices[0].FinishReason == "length" {
		stop = domain.StopLengthLimited
	}
	return &Completion{
		Text:         resp.Choices[0].Message.Content,
		Stop:         stop,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// statusError builds the error for a non-200 response, preferring the API's
// own message over the raw body.
func statusError(api string, httpResp *resty.Response, apiErr apiError) error {
	if apiErr.Error != nil && apiErr.Error.Message != "" {
		return fmt.Errorf("%s returned error: HTTP %d: %s", api, httpResp.StatusCode(), apiErr.Error.Message)
	}
	return fmt.Errorf("%s returned error: HTTP %d: %s", api, httpResp.StatusCode(), truncate(string(httpResp.Body()), 500))
}
