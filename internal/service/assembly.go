package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/timmy/papercast/internal/domain"
	"github.com/timmy/papercast/internal/logger"
	"github.com/timmy/papercast/internal/observability"
)

const (
	shotstackStageURL = "https://api.shotstack.io/stage"
	shotstackProdURL  = "https://api.shotstack.io/v1"

	// minClipSeconds is the slide length used when there is no narration.
	minClipSeconds = 5.0
	// loopClipSeconds is the estimated rendered clip length minus the
	// trailing fade-out that is trimmed off.
	loopClipSeconds = 7.0 - 2.0
)

// AssemblyConfig holds configuration for the clip assembly service.
type AssemblyConfig struct {
	APIKey string
	// Env is "stage" for the sandbox, anything else for production.
	Env          string
	BaseURL      string
	PollInterval time.Duration
	MaxPolls     int
}

// Assembler stitches rendered clips and narration into one video with the
// Shotstack edit API.
type Assembler struct {
	client       *resty.Client
	apiKey       string
	baseURL      string
	pollInterval time.Duration
	maxPolls     int
	usage        usageTracker
}

// NewAssembler creates a new assembly client.
func NewAssembler(cfg *AssemblyConfig, recorder UsageRecorder) *Assembler {
	client := resty.New()
	client.SetHeader("x-api-key", cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")
	client.SetTimeout(60 * time.Second)

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = shotstackProdURL
		if cfg.Env == "" || cfg.Env == "stage" {
			baseURL = shotstackStageURL
		}
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	maxPolls := cfg.MaxPolls
	if maxPolls <= 0 {
		maxPolls = 120
	}

	return &Assembler{
		client:       client,
		apiKey:       cfg.APIKey,
		baseURL:      baseURL,
		pollInterval: poll,
		maxPolls:     maxPolls,
		usage:        newUsageTracker(recorder, domain.ServiceAssembly),
	}
}

// Edit is a Shotstack edit document.
type Edit struct {
	Timeline Timeline `json:"timeline"`
	Output   Output   `json:"output"`
}

type Timeline struct {
	Background string  `json:"background"`
	Tracks     []Track `json:"tracks"`
}

type Track struct {
	Clips []TimelineClip `json:"clips"`
}

type TimelineClip struct {
	Asset  Asset   `json:"asset"`
	Start  float64 `json:"start"`
	Length float64 `json:"length"`
}

type Asset struct {
	Type   string  `json:"type"`
	Src    string  `json:"src"`
	Volume float64 `json:"volume"`
}

type Output struct {
	Format     string `json:"format"`
	Resolution string `json:"resolution"`
	FPS        int    `json:"fps"`
}

// BuildTimeline lays clips end to end. Each slide lasts as long as its
// narration (or minClipSeconds without one); its video is looped in
// loopClipSeconds segments to fill that time. The audio track sits above
// the video track.
func BuildTimeline(clips []domain.Clip) Timeline {
	var videos, audios []TimelineClip
	current := 0.0
	for _, c := range clips {
		total := c.DurationSeconds
		if total <= 0 {
			total = minClipSeconds
		}
		for filled := 0.0; filled < total; {
			length := math.Min(total-filled, loopClipSeconds)
			videos = append(videos, TimelineClip{
				Asset:  Asset{Type: "video", Src: c.VideoURL, Volume: 0},
				Start:  current + filled,
				Length: length,
			})
			filled += length
		}
		if c.AudioURL != "" && c.DurationSeconds > 0 {
			audios = append(audios, TimelineClip{
				Asset:  Asset{Type: "audio", Src: c.AudioURL, Volume: 1.0},
				Start:  current,
				Length: c.DurationSeconds,
			})
		}
		current += total
	}

	var tracks []Track
	if len(audios) > 0 {
		tracks = append(tracks, Track{Clips: audios})
	}
	tracks = append(tracks, Track{Clips: videos})
	return Timeline{Background: "#000000", Tracks: tracks}
}

type renderEnvelope struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Response struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		URL    string `json:"url"`
		Error  string `json:"error"`
	} `json:"response"`
}

// Assemble submits the edit and polls until the render is done or failed.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - clips: slide clips in playback order.
//
// Returns:
//   - domain.AssemblyResult: render id, final URL and total duration.
//   - error: non-nil if submission fails, the render fails or polling times out.
func (a *Assembler) Assemble(ctx context.Context, clips []domain.Clip) (domain.AssemblyResult, error) {
	if a.apiKey == "" {
		return domain.AssemblyResult{}, &domain.ServiceUnavailableError{Service: "assembly", Err: errors.New("Shotstack API key not configured")}
	}
	if len(clips) == 0 {
		return domain.AssemblyResult{}, errors.New("no slides provided")
	}

	ctx, span := observability.StartSpan(ctx, "assembly.render", attribute.Int("clips", len(clips)))
	call := a.usage.begin("render")

	timeline := BuildTimeline(clips)
	res, err := a.renderAndWait(ctx, Edit{
		Timeline: timeline,
		Output:   Output{Format: "mp4", Resolution: "hd", FPS: 25},
	})
	res.Duration = timelineLength(timeline)

	call.end(ctx, err)
	observability.EndSpan(span, err)
	return res, err
}

func (a *Assembler) renderAndWait(ctx context.Context, edit Edit) (domain.AssemblyResult, error) {
	id, err := a.submit(ctx, edit)
	if err != nil {
		return domain.AssemblyResult{}, err
	}
	logger.With(logger.Fields{logger.FieldCollaborator: "assembly"}).Info(ctx, "Render submitted: %s", id)

	res := domain.AssemblyResult{RenderID: id}
	for attempt := 0; attempt < a.maxPolls; attempt++ {
		if err := sleepCtx(ctx, a.pollInterval); err != nil {
			return res, err
		}

		env, err := a.status(ctx, id)
		if err != nil {
			logger.With(logger.Fields{logger.FieldAttempt: attempt + 1}).Warn(ctx, "Status check failed: %v", err)
			continue
		}
		switch env.Response.Status {
		case "done":
			res.URL = env.Response.URL
			logger.With(logger.Fields{logger.FieldCollaborator: "assembly"}).Info(ctx, "Render complete: %s", res.URL)
			return res, nil
		case "failed":
			msg := env.Response.Error
			if msg == "" {
				msg = "Unknown error"
			}
			return res, fmt.Errorf("render %s failed: %s", id, msg)
		}
		if attempt%6 == 0 {
			logger.With(logger.Fields{
				logger.FieldStatus:  env.Response.Status,
				logger.FieldAttempt: attempt + 1,
			}).Info(ctx, "Still rendering")
		}
	}
	return res, fmt.Errorf("Render timeout after %d seconds", int(a.pollInterval.Seconds()*float64(a.maxPolls)))
}

func (a *Assembler) submit(ctx context.Context, edit Edit) (string, error) {
	var env renderEnvelope
	httpResp, err := a.client.R().
		SetContext(ctx).
		SetBody(edit).
		SetResult(&env).
		Post(a.baseURL + "/render")
	if err != nil {
		return "", &domain.ServiceUnavailableError{Service: "assembly", Err: err}
	}
	if httpResp.StatusCode() != 201 {
		return "", fmt.Errorf("API error %d: %s", httpResp.StatusCode(), truncate(string(httpResp.Body()), 500))
	}
	if env.Response.ID == "" {
		return "", errors.New("no render ID in response")
	}
	return env.Response.ID, nil
}

func (a *Assembler) status(ctx context.Context, id string) (*renderEnvelope, error) {
	var env renderEnvelope
	httpResp, err := a.client.R().
		SetContext(ctx).
		SetResult(&env).
		Get(a.baseURL + "/render/" + id)
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode() != 200 {
		return nil, fmt.Errorf("API error %d: %s", httpResp.StatusCode(), truncate(string(httpResp.Body()), 500))
	}
	return &env, nil
}

func timelineLength(t Timeline) float64 {
	end := 0.0
	for _, track := range t.Tracks {
		for _, c := range track.Clips {
			end = math.Max(end, c.Start+c.Length)
		}
	}
	return end
}

// sleepCtx waits d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
