package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/timmy/papercast/internal/domain"
	"github.com/timmy/papercast/internal/logger"
	"github.com/timmy/papercast/internal/observability"
)

// KodiscConfig holds configuration for hosted generate-and-render.
type KodiscConfig struct {
	APIKey      string
	BaseURL     string
	Timeout     time.Duration
	AspectRatio string
	FPS         int
}

// KodiscClient turns a text prompt into a rendered animation in one call.
type KodiscClient struct {
	client      *resty.Client
	apiKey      string
	endpoint    string
	timeout     time.Duration
	aspectRatio string
	fps         int
	usage       usageTracker
}

// NewKodiscClient creates a new hosted render client.
func NewKodiscClient(cfg *KodiscConfig, recorder UsageRecorder) *KodiscClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	client := resty.New()
	client.SetTimeout(timeout)

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.kodisc.com"
	}
	aspect := cfg.AspectRatio
	if aspect == "" {
		aspect = "16:9"
	}
	fps := cfg.FPS
	if fps <= 0 {
		fps = 30
	}

	c := &KodiscClient{
		client:      client,
		apiKey:      cfg.APIKey,
		endpoint:    baseURL + "/generate/video",
		timeout:     timeout,
		aspectRatio: aspect,
		fps:         fps,
		usage:       newUsageTracker(recorder, domain.ServiceHosted),
	}
	if !c.Configured() {
		logger.Warn("Kodisc API key missing or invalid format")
	}
	return c
}

// Configured reports whether a well-formed API key is present.
func (c *KodiscClient) Configured() bool {
	return strings.HasPrefix(c.apiKey, "kodisc_")
}

// CheckAvailability reports whether hosted rendering can be attempted.
func (c *KodiscClient) CheckAvailability(context.Context) bool {
	return c.Configured()
}

type kodiscResponse struct {
	Success bool   `json:"success"`
	Video   string `json:"video"`
	Code    string `json:"code"`
	Error   string `json:"error"`
}

// GenerateAndRender asks the hosted service to write and render a scene
// from prompt. Failures are reported in the result.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - prompt: animation description.
//   - name: unit the call is made for, used in logs.
//
// Returns:
//   - domain.HostedResult: video URL and generated code, or the error text.
func (c *KodiscClient) GenerateAndRender(ctx context.Context, prompt, name string) domain.HostedResult {
	if !c.Configured() {
		return domain.HostedResult{Error: "Kodisc API key not configured. Add KODISC_API_KEY to .env"}
	}

	ctx, span := observability.StartSpan(ctx, "kodisc.generate", attribute.String("unit", name))
	call := c.usage.begin("generate_video")
	start := time.Now()

	res := c.post(ctx, prompt)

	resErr := failure(res.Success, res.Error)
	call.end(ctx, resErr)
	observability.EndSpan(span, resErr)

	entry := logger.With(logger.Fields{
		logger.FieldCollaborator: "kodisc",
		logger.FieldDurationMs:   time.Since(start).Milliseconds(),
	})
	if res.Success {
		entry.Info(ctx, "Video generated for %s", name)
	} else {
		entry.Warn(ctx, "Video generation failed for %s: %s", name, res.Error)
	}
	return res
}

func (c *KodiscClient) post(ctx context.Context, prompt string) domain.HostedResult {
	httpResp, err := c.client.R().
		SetContext(ctx).
		SetMultipartFormData(map[string]string{
			"apiKey":      c.apiKey,
			"prompt":      prompt,
			"aspectRatio": c.aspectRatio,
			"fps":         strconv.Itoa(c.fps),
		}).
		Post(c.endpoint)
	if err != nil {
		var netErr net.Error
		if ctx.Err() == nil && errors.As(err, &netErr) && netErr.Timeout() {
			return domain.HostedResult{Error: fmt.Sprintf("Request timed out after %d seconds", int(c.timeout.Seconds()))}
		}
		return domain.HostedResult{Error: fmt.Sprintf("Cannot connect to Kodisc API: %v", err)}
	}

	body := string(httpResp.Body())
	if httpResp.StatusCode() != 200 {
		return domain.HostedResult{Error: fmt.Sprintf("HTTP %d: %s", httpResp.StatusCode(), truncate(body, 500))}
	}

	var resp kodiscResponse
	if err := json.Unmarshal(httpResp.Body(), &resp); err != nil {
		return domain.HostedResult{Error: fmt.Sprintf("Invalid JSON response: %s", truncate(body, 200))}
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "Unknown error from Kodisc API"
		}
		return domain.HostedResult{Error: msg, Code: resp.Code}
	}
	return domain.HostedResult{Success: true, VideoURL: resp.Video, Code: resp.Code}
}
