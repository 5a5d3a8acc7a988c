package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/timmy/papercast/internal/domain"
)

func TestTTSSynthesize(t *testing.T) {
	audio := make([]byte, 32000)
	var got ttsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/text-to-speech/voice1" || r.Header.Get("xi-api-key") != "el-key" || r.Header.Get("Accept") != "audio/mpeg" {
			t.Errorf("unexpected request %s %v", r.URL.Path, r.Header)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write(audio)
	}))
	defer srv.Close()

	c := NewTTSClient(&TTSConfig{APIKey: "el-key", BaseURL: srv.URL, VoiceID: "voice1"}, nil)
	v, err := c.Synthesize(context.Background(), "Hello there")
	if err != nil {
		t.Fatal(err)
	}
	if len(v.Audio) != len(audio) || v.DurationSeconds != 2 {
		t.Errorf("unexpected voiceover: %d bytes, %.2fs", len(v.Audio), v.DurationSeconds)
	}
	if got.Text != "Hello there" || got.ModelID != "eleven_turbo_v2_5" || got.VoiceSettings.Stability != 0.5 || got.VoiceSettings.SimilarityBoost != 0.75 {
		t.Errorf("unexpected request %+v", got)
	}
}

func TestTTSErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`invalid key`))
	}))
	defer srv.Close()

	tests := []struct {
		name    string
		key     string
		text    string
		wantErr string
	}{
		{"no key", "", "hi", "not configured"},
		{"empty text", "k", "   ", "empty text"},
		{"api error", "k", "hi", "API error 401: invalid key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewTTSClient(&TTSConfig{APIKey: tt.key, BaseURL: srv.URL}, nil)
			_, err := c.Synthesize(context.Background(), tt.text)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("got %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestBuildTimeline(t *testing.T) {
	clips := []domain.Clip{
		{ID: "s001", VideoURL: "v1", AudioURL: "a1", DurationSeconds: 12},
		{ID: "s002", VideoURL: "v2"},
	}
	tl := BuildTimeline(clips)

	if tl.Background != "#000000" || len(tl.Tracks) != 2 {
		t.Fatalf("unexpected timeline %+v", tl)
	}
	audio := tl.Tracks[0].Clips
	if len(audio) != 1 || audio[0].Asset.Type != "audio" || audio[0].Start != 0 || audio[0].Length != 12 || audio[0].Asset.Volume != 1 {
		t.Errorf("unexpected audio track %+v", audio)
	}

	video := tl.Tracks[1].Clips
	want := []struct {
		src           string
		start, length float64
	}{
		{"v1", 0, 5}, {"v1", 5, 5}, {"v1", 10, 2}, {"v2", 12, 5},
	}
	if len(video) != len(want) {
		t.Fatalf("expected %d video clips, got %+v", len(want), video)
	}
	for i, w := range want {
		c := video[i]
		if c.Asset.Src != w.src || c.Start != w.start || c.Length != w.length || c.Asset.Volume != 0 {
			t.Errorf("clip %d = %+v, want %+v", i, c, w)
		}
	}
	if got := timelineLength(tl); got != 17 {
		t.Errorf("timeline length = %v, want 17", got)
	}
}

func TestBuildTimelineWithoutNarration(t *testing.T) {
	tl := BuildTimeline([]domain.Clip{{VideoURL: "v1"}})
	if len(tl.Tracks) != 1 || tl.Tracks[0].Clips[0].Asset.Type != "video" {
		t.Errorf("expected only a video track, got %+v", tl.Tracks)
	}
}

func TestAssemblerPollsUntilDone(t *testing.T) {
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "ss-key" {
			t.Errorf("missing api key header")
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/render":
			var edit Edit
			_ = json.NewDecoder(r.Body).Decode(&edit)
			if edit.Output.Format != "mp4" || edit.Output.Resolution != "hd" || edit.Output.FPS != 25 {
				t.Errorf("unexpected output %+v", edit.Output)
			}
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"success":true,"response":{"id":"r-1"}}`))
		case r.URL.Path == "/render/r-1":
			if atomic.AddInt32(&polls, 1) < 3 {
				_, _ = w.Write([]byte(`{"response":{"status":"rendering"}}`))
				return
			}
			_, _ = w.Write([]byte(`{"response":{"status":"done","url":"https://cdn/final.mp4"}}`))
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	a := NewAssembler(&AssemblyConfig{APIKey: "ss-key", BaseURL: srv.URL, PollInterval: time.Millisecond}, nil)
	res, err := a.Assemble(context.Background(), []domain.Clip{{VideoURL: "v1", AudioURL: "a1", DurationSeconds: 8}})
	if err != nil {
		t.Fatal(err)
	}
	if res.RenderID != "r-1" || res.URL != "https://cdn/final.mp4" || res.Duration != 8 {
		t.Errorf("unexpected result %+v", res)
	}
	if got := atomic.LoadInt32(&polls); got != 3 {
		t.Errorf("expected 3 polls, got %d", got)
	}
}

func TestAssemblerFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr string
	}{
		{
			name: "submit rejected",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`bad edit`))
			},
			wantErr: "API error 400: bad edit",
		},
		{
			name: "render failed",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				if r.Method == http.MethodPost {
					w.WriteHeader(http.StatusCreated)
					_, _ = w.Write([]byte(`{"response":{"id":"r-2"}}`))
					return
				}
				_, _ = w.Write([]byte(`{"response":{"status":"failed","error":"asset not found"}}`))
			},
			wantErr: "asset not found",
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				if r.Method == http.MethodPost {
					w.WriteHeader(http.StatusCreated)
					_, _ = w.Write([]byte(`{"response":{"id":"r-3"}}`))
					return
				}
				_, _ = w.Write([]byte(`{"response":{"status":"queued"}}`))
			},
			wantErr: "Render timeout after",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			a := NewAssembler(&AssemblyConfig{APIKey: "k", BaseURL: srv.URL, PollInterval: time.Millisecond, MaxPolls: 3}, nil)
			_, err := a.Assemble(context.Background(), []domain.Clip{{VideoURL: "v"}})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("got %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestAssemblerNotConfigured(t *testing.T) {
	a := NewAssembler(&AssemblyConfig{}, nil)
	if _, err := a.Assemble(context.Background(), []domain.Clip{{VideoURL: "v"}}); !errors.Is(err, domain.ErrServiceUnavailable) {
		t.Errorf("expected unavailable, got %v", err)
	}
}

func TestExtract(t *testing.T) {
	var ocrCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&ocrCalls, 1)
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "data:application/pdf;base64,") || !strings.Contains(string(body), `"pixtral-12b-2409"`) {
			t.Errorf("unexpected OCR request %s", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"# Paper\n\nText"}}]}`))
	}))
	defer srv.Close()

	e := NewExtractor(&ExtractionConfig{APIKey: "mk", BaseURL: srv.URL}, nil)
	tests := []struct {
		name     string
		filename string
		data     string
		want     string
	}{
		{"pdf by extension", "paper.pdf", "binary", "# Paper\n\nText"},
		{"pdf by magic", "upload", "%PDF-1.7 ...", "# Paper\n\nText"},
		{"markdown passthrough", "paper.md", "# Title", "# Title"},
		{"html", "paper.html", "<html><body><h1>Title</h1><p>Body text</p></body></html>", "# Title"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Extract(context.Background(), tt.filename, []byte(tt.data))
			if err != nil {
				t.Fatal(err)
			}
			if !strings.HasPrefix(got, tt.want) {
				t.Errorf("got %q, want prefix %q", got, tt.want)
			}
			if strings.Contains(got, "<") {
				t.Errorf("markup left in %q", got)
			}
		})
	}
	if got := atomic.LoadInt32(&ocrCalls); got != 2 {
		t.Errorf("expected 2 OCR calls, got %d", got)
	}
}

func TestExtractOCRError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`rate limited`))
	}))
	defer srv.Close()

	e := NewExtractor(&ExtractionConfig{APIKey: "mk", BaseURL: srv.URL}, nil)
	_, err := e.Extract(context.Background(), "paper.pdf", []byte("x"))
	if err == nil || err.Error() != "Mistral API error: 429 - rate limited" {
		t.Errorf("unexpected error %v", err)
	}
}

func TestEstimateDuration(t *testing.T) {
	if got := EstimateDuration(16000); math.Abs(got-1) > 1e-9 {
		t.Errorf("EstimateDuration(16000) = %v", got)
	}
	if EstimateDuration(0) != 0 {
		t.Error("empty audio has no duration")
	}
}
