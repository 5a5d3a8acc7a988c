package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/go-resty/resty/v2"

	"github.com/timmy/papercast/internal/domain"
	"github.com/timmy/papercast/internal/logger"
	"github.com/timmy/papercast/internal/observability"
	"github.com/timmy/papercast/internal/prompts"
)

// ExtractionConfig holds configuration for document extraction.
type ExtractionConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// Extractor converts an uploaded source document into markdown text.
// PDFs go through a vision model; HTML is converted locally; markdown and
// plain text pass through.
type Extractor struct {
	client    *resty.Client
	converter *md.Converter
	apiKey    string
	model     string
	maxTokens int
	endpoint  string
	usage     usageTracker
}

// NewExtractor creates a new extractor.
// Parameters:
//   - cfg: OCR model configuration.
//   - recorder: usage ledger; may be nil.
//
// Returns:
//   - *Extractor: initialized extractor.
func NewExtractor(cfg *ExtractionConfig, recorder UsageRecorder) *Extractor {
	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	client.SetTimeout(timeout)

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.mistral.ai/v1"
	}
	model := cfg.Model
	if model == "" {
		model = "pixtral-12b-2409"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 16000
	}

	return &Extractor{
		client:    client,
		converter: md.NewConverter("", true, nil),
		apiKey:    cfg.APIKey,
		model:     model,
		maxTokens: maxTokens,
		endpoint:  baseURL + "/chat/completions",
		usage:     newUsageTracker(recorder, domain.ServiceExtraction),
	}
}

// Extract returns the document as markdown.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - filename: original upload name, used to pick the format.
//   - data: raw document bytes.
//
// Returns:
//   - string: markdown text.
//   - error: non-nil if the document cannot be converted.
func (e *Extractor) Extract(ctx context.Context, filename string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("empty document")
	}

	switch format := documentFormat(filename, data); format {
	case "pdf":
		return e.extractPDF(ctx, data)
	case "html":
		text, err := e.converter.ConvertString(string(data))
		if err != nil {
			return "", fmt.Errorf("failed to convert HTML: %w", err)
		}
		return text, nil
	default:
		return string(data), nil
	}
}

// documentFormat picks pdf, html or text from the extension, falling back to
// content sniffing.
func documentFormat(filename string, data []byte) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return "pdf"
	case ".html", ".htm":
		return "html"
	case ".md", ".markdown", ".txt":
		return "text"
	}
	if bytes.HasPrefix(data, []byte("%PDF")) {
		return "pdf"
	}
	head := strings.ToLower(string(data[:min(len(data), 512)]))
	if strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html") {
		return "html"
	}
	return "text"
}

func (e *Extractor) extractPDF(ctx context.Context, data []byte) (string, error) {
	if e.apiKey == "" {
		return "", &domain.ServiceUnavailableError{Service: "extraction", Err: errors.New("no API key configured")}
	}

	ctx, span := observability.StartSpan(ctx, "extract.ocr")
	call := e.usage.begin("ocr")
	start := time.Now()

	dataURL := "data:application/pdf;base64," + base64.StdEncoding.EncodeToString(data)
	req := chatRequest{
		Model: e.model,
		Messages: []chatMessage{
			{
				Role: "user",
				Content: []interface{}{
					imageContent{Type: "image_url", ImageURL: dataURL},
					textContent{Type: "text", Text: prompts.OCRPrompt},
				},
			},
		},
		MaxTokens: e.maxTokens,
	}

	text, err := e.postOCR(ctx, req)
	call.end(ctx, err)
	observability.EndSpan(span, err)
	if err != nil {
		return "", err
	}

	logger.With(logger.Fields{
		logger.FieldCollaborator: "extraction",
		logger.FieldSize:         len(text),
		logger.FieldDurationMs:   time.Since(start).Milliseconds(),
	}).Info(ctx, "OCR completed")
	return text, nil
}

type imageContent struct {
	Type     string `json:"type"`
	ImageURL string `json:"image_url"`
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (e *Extractor) postOCR(ctx context.Context, req chatRequest) (string, error) {
	var resp chatResponse
	httpResp, err := e.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		Post(e.endpoint)
	if err != nil {
		return "", &domain.ServiceUnavailableError{Service: "extraction", Err: err}
	}
	if httpResp.StatusCode() != 200 {
		return "", fmt.Errorf("Mistral API error: %d - %s", httpResp.StatusCode(), truncate(string(httpResp.Body()), 500))
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in OCR response (status: %d)", httpResp.StatusCode())
	}
	return resp.Choices[0].Message.Content, nil
}
