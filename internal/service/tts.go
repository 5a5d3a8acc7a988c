package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/timmy/papercast/internal/domain"
	"github.com/timmy/papercast/internal/logger"
	"github.com/timmy/papercast/internal/observability"
)

// mp3Bitrate is the bitrate used to estimate narration length from size.
const mp3Bitrate = 128000

// TTSConfig holds configuration for speech synthesis.
type TTSConfig struct {
	APIKey  string
	BaseURL string
	VoiceID string
	ModelID string
	Timeout time.Duration
}

// TTSClient synthesizes narration with the ElevenLabs API.
type TTSClient struct {
	client  *resty.Client
	apiKey  string
	baseURL string
	voiceID string
	modelID string
	usage   usageTracker
}

// NewTTSClient creates a new speech synthesis client.
func NewTTSClient(cfg *TTSConfig, recorder UsageRecorder) *TTSClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	client := resty.New()
	client.SetHeader("xi-api-key", cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")
	client.SetHeader("Accept", "audio/mpeg")
	client.SetTimeout(timeout)

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.elevenlabs.io/v1"
	}
	voice := cfg.VoiceID
	if voice == "" {
		voice = "pqHfZKP75CvOlQylNhV4"
	}
	model := cfg.ModelID
	if model == "" {
		model = "eleven_turbo_v2_5"
	}

	return &TTSClient{
		client:  client,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		voiceID: voice,
		modelID: model,
		usage:   newUsageTracker(recorder, domain.ServiceTTS),
	}
}

type ttsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// Synthesize converts text to MP3 narration.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - text: narration script.
//
// Returns:
//   - domain.Voiceover: audio bytes and the estimated duration.
//   - error: non-nil if the text is empty or the API call fails.
func (c *TTSClient) Synthesize(ctx context.Context, text string) (domain.Voiceover, error) {
	if c.apiKey == "" {
		return domain.Voiceover{}, &domain.ServiceUnavailableError{Service: "tts", Err: errors.New("ElevenLabs API key not configured")}
	}
	if strings.TrimSpace(text) == "" {
		return domain.Voiceover{}, errors.New("empty text provided")
	}

	ctx, span := observability.StartSpan(ctx, "tts.synthesize")
	call := c.usage.begin("text_to_speech")
	start := time.Now()

	audio, err := c.post(ctx, text)
	call.end(ctx, err)
	observability.EndSpan(span, err)
	if err != nil {
		return domain.Voiceover{}, err
	}

	v := domain.Voiceover{Audio: audio, DurationSeconds: EstimateDuration(len(audio))}
	logger.With(logger.Fields{
		logger.FieldCollaborator: "tts",
		logger.FieldSize:         len(audio),
		logger.FieldDurationMs:   time.Since(start).Milliseconds(),
	}).Info(ctx, "Voiceover generated, ~%.1fs estimated duration", v.DurationSeconds)
	return v, nil
}

func (c *TTSClient) post(ctx context.Context, text string) ([]byte, error) {
	req := ttsRequest{
		Text:    text,
		ModelID: c.modelID,
		VoiceSettings: voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
	}
	httpResp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		Post(fmt.Sprintf("%s/text-to-speech/%s", c.baseURL, c.voiceID))
	if err != nil {
		return nil, &domain.ServiceUnavailableError{Service: "tts", Err: err}
	}
	if httpResp.StatusCode() != 200 {
		detail := truncate(string(httpResp.Body()), 500)
		if detail == "" {
			detail = "Unknown error"
		}
		return nil, fmt.Errorf("API error %d: %s", httpResp.StatusCode(), detail)
	}
	return httpResp.Body(), nil
}

// EstimateDuration estimates MP3 length in seconds from its size.
func EstimateDuration(size int) float64 {
	if size <= 0 {
		return 0
	}
	return float64(size) * 8 / mp3Bitrate
}
