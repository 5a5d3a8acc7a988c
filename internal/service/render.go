package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"

	"github.com/timmy/papercast/internal/domain"
	"github.com/timmy/papercast/internal/logger"
	"github.com/timmy/papercast/internal/observability"
)

// RenderConfig holds configuration for the scene render API.
type RenderConfig struct {
	APIURL  string
	Timeout time.Duration
	// BreakerFailures is the number of consecutive transport failures that
	// opens the circuit; BreakerCooldown is how long it stays open.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// RenderClient renders scene code through a Generative Manim API server.
// Transport failures trip a circuit breaker; while it is open renders fail
// fast and the service reports itself unavailable.
type RenderClient struct {
	client  *resty.Client
	health  *resty.Client
	apiURL  string
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	usage   usageTracker
}

// NewRenderClient creates a new render client.
// Parameters:
//   - cfg: render API location, timeout and breaker settings.
//   - recorder: usage ledger; may be nil.
//
// Returns:
//   - *RenderClient: initialized client.
func NewRenderClient(cfg *RenderConfig, recorder UsageRecorder) *RenderClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	client := resty.New()
	client.SetHeader("Content-Type", "application/json")
	client.SetTimeout(timeout)

	health := resty.New()
	health.SetTimeout(10 * time.Second)

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 3
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "render",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.With(logger.Fields{logger.FieldCollaborator: name}).
				Warn(context.Background(), "Circuit breaker %s -> %s", from, to)
		},
	})

	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = "http://127.0.0.1:8080"
	}

	return &RenderClient{
		client:  client,
		health:  health,
		apiURL:  apiURL,
		timeout: timeout,
		breaker: breaker,
		usage:   newUsageTracker(recorder, domain.ServiceRender),
	}
}

type renderRequest struct {
	Code      string `json:"code"`
	FileName  string `json:"file_name"`
	FileClass string `json:"file_class"`
	Stream    bool   `json:"stream"`
}

type renderResponse struct {
	VideoURL   string  `json:"video_url"`
	VideoPath  string  `json:"video_path,omitempty"`
	RenderTime float64 `json:"render_time,omitempty"`
}

// CheckAvailability reports whether the render API answers its health check
// and the circuit is not open.
func (c *RenderClient) CheckAvailability(ctx context.Context) bool {
	if c.breaker.State() == gobreaker.StateOpen {
		return false
	}
	resp, err := c.health.R().SetContext(ctx).Get(c.apiURL + "/health")
	if err != nil {
		logger.With(logger.Fields{logger.FieldCollaborator: "render"}).Warn(ctx, "Render API not available: %v", err)
		return false
	}
	return resp.StatusCode() == 200
}

// errTransport marks failures that count against the breaker.
var errTransport = errors.New("render transport failure")

// Render submits code and returns the video URL or the renderer's error
// text. It never returns an error: every failure is reported in the result.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - code: full scene source.
//   - name: scene class to render.
//
// Returns:
//   - domain.RenderResult: success with a video URL, or the failure message.
func (c *RenderClient) Render(ctx context.Context, code, name string) domain.RenderResult {
	ctx, span := observability.StartSpan(ctx, "render.scene", attribute.String("class", name))
	call := c.usage.begin("render")
	start := time.Now()

	v, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, code, name)
	})

	var res domain.RenderResult
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		res = domain.RenderResult{Error: fmt.Sprintf("render API at %s is unavailable (circuit open)", c.apiURL)}
	case err != nil:
		res = domain.RenderResult{Error: strings.TrimPrefix(err.Error(), errTransport.Error()+": ")}
	default:
		res = v.(domain.RenderResult)
	}

	resErr := failure(res.Success, res.Error)
	call.end(ctx, resErr)
	observability.EndSpan(span, resErr)

	entry := logger.With(logger.Fields{
		logger.FieldCollaborator: "render",
		logger.FieldDurationMs:   time.Since(start).Milliseconds(),
	})
	if res.Success {
		entry.Info(ctx, "Render successful for %s", name)
	} else {
		entry.Warn(ctx, "Render failed for %s: %s", name, res.Error)
	}
	return res
}

// post performs one render request. Only transport-level failures are
// returned as errors; a scene the server rejected is a failed result.
func (c *RenderClient) post(ctx context.Context, code, name string) (domain.RenderResult, error) {
	req := renderRequest{
		Code:      code,
		FileName:  "scene_" + strings.ToLower(name),
		FileClass: name,
		Stream:    false,
	}

	var resp renderResponse
	httpResp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		Post(c.apiURL + "/v1/video/rendering")
	if err != nil {
		var netErr net.Error
		if ctx.Err() == nil && errors.As(err, &netErr) && netErr.Timeout() {
			return domain.RenderResult{}, fmt.Errorf("%w: render timed out after %d seconds", errTransport, int(c.timeout.Seconds()))
		}
		return domain.RenderResult{}, fmt.Errorf("%w: cannot connect to render API at %s: %v", errTransport, c.apiURL, err)
	}

	switch status := httpResp.StatusCode(); {
	case status == 200:
		return domain.RenderResult{Success: true, VideoURL: resp.VideoURL}, nil
	case status == 502 || status == 503 || status == 504:
		return domain.RenderResult{}, fmt.Errorf("%w: %s", errTransport, renderErrorMessage(httpResp))
	default:
		return domain.RenderResult{Error: renderErrorMessage(httpResp)}, nil
	}
}

// renderErrorMessage reads the server's detail or error field, falling back
// to the status code.
func renderErrorMessage(httpResp *resty.Response) string {
	var body map[string]interface{}
	if len(httpResp.Body()) > 0 && json.Unmarshal(httpResp.Body(), &body) == nil {
		for _, field := range []string{"detail", "error"} {
			switch v := body[field].(type) {
			case nil:
			case string:
				if v != "" {
					return v
				}
			default:
				if b, err := json.Marshal(v); err == nil {
					return string(b)
				}
			}
		}
	}
	return fmt.Sprintf("HTTP %d", httpResp.StatusCode())
}
