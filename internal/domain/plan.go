package domain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// VisualType is the enumerated visual category of a slide.
type VisualType string

const (
	VisualTextReveal      VisualType = "text_reveal"
	VisualDiagram         VisualType = "diagram"
	VisualEquation        VisualType = "equation"
	VisualGraph           VisualType = "graph"
	VisualComparison      VisualType = "comparison"
	VisualTimeline        VisualType = "timeline"
	VisualIconGrid        VisualType = "icon_grid"
	VisualCodeWalkthrough VisualType = "code_walkthrough"
)

// DefaultSlideDuration is used when the planner omits a duration.
const DefaultSlideDuration = 30

// Slide is one content unit of a presentation plan.
type Slide struct {
	Number            int        `json:"slide_number" validate:"min=1"`
	Title             string     `json:"title" validate:"required"`
	VisualType        VisualType `json:"visual_type" validate:"required,oneof=text_reveal diagram equation graph comparison timeline icon_grid code_walkthrough"`
	VisualDescription string     `json:"visual_description" validate:"required"`
	KeyPoints         []string   `json:"key_points" validate:"max=8,dive,required"`
	VoiceoverScript   string     `json:"voiceover_script"`
	DurationSeconds   int        `json:"duration_seconds" validate:"min=1"`
	TransitionNote    string     `json:"transition_note,omitempty"`
}

// ID is the stable unit identifier used for artifact names, e.g. s001.
func (s Slide) ID() string {
	return fmt.Sprintf("s%03d", s.Number)
}

// ClassName is the scene class the generated code must declare, e.g. Slide001.
func (s Slide) ClassName() string {
	return fmt.Sprintf("Slide%03d", s.Number)
}

// Plan is the structured presentation plan produced from the paper text.
type Plan struct {
	PaperTitle            string  `json:"paper_title" validate:"required"`
	PaperSummary          string  `json:"paper_summary"`
	TargetDurationMinutes int     `json:"target_duration_minutes"`
	Slides                []Slide `json:"slides" validate:"required,min=1,dive"`

	// Truncated is set when the plan was recovered from a length-limited response.
	Truncated bool `json:"truncated,omitempty"`
	// TextRevision is the revision of the extracted text the plan was made from.
	TextRevision string `json:"text_revision,omitempty"`
}

var planValidator = validator.New()

// Normalize fills defaults, orders slides and enforces unique dense numbering.
// Unique but sparse numbers are renumbered by position; duplicates are an error.
func (p *Plan) Normalize() error {
	if p.TargetDurationMinutes <= 0 {
		p.TargetDurationMinutes = 5
	}
	for i := range p.Slides {
		if p.Slides[i].DurationSeconds <= 0 {
			p.Slides[i].DurationSeconds = DefaultSlideDuration
		}
		p.Slides[i].VisualType = VisualType(strings.ToLower(strings.TrimSpace(string(p.Slides[i].VisualType))))
		if p.Slides[i].VisualType == "" {
			p.Slides[i].VisualType = VisualTextReveal
		}
	}

	seen := make(map[int]bool, len(p.Slides))
	for _, s := range p.Slides {
		if s.Number > 0 && seen[s.Number] {
			return fmt.Errorf("duplicate slide_number %d", s.Number)
		}
		seen[s.Number] = true
	}
	sort.SliceStable(p.Slides, func(i, j int) bool {
		return p.Slides[i].Number < p.Slides[j].Number
	})
	for i := range p.Slides {
		p.Slides[i].Number = i + 1
	}

	if err := planValidator.Struct(p); err != nil {
		return fmt.Errorf("invalid plan: %w", err)
	}
	return nil
}

// SlideByID looks up a slide by its unit identifier.
func (p *Plan) SlideByID(id string) (Slide, bool) {
	for _, s := range p.Slides {
		if s.ID() == id {
			return s, true
		}
	}
	return Slide{}, false
}

// ManifestEntry describes the generated code of one slide.
type ManifestEntry struct {
	SlideNumber      int      `json:"slide_number"`
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	ClassName        string   `json:"class_name"`
	CodeKey          string   `json:"code_key"`
	ExpectedDuration float64  `json:"expected_duration"`
	Valid            bool     `json:"valid"`
	Errors           []string `json:"errors,omitempty"`
}

// Manifest lists generated slides in playback order.
type Manifest struct {
	PlanRevision string          `json:"plan_revision"`
	Slides       []ManifestEntry `json:"slides"`
}

// RenderEntry records the rendered video of one slide.
type RenderEntry struct {
	SlideNumber int    `json:"slide_number"`
	ID          string `json:"id"`
	ClassName   string `json:"class_name"`
	Success     bool   `json:"success"`
	VideoURL    string `json:"video_url,omitempty"`
	Tier        string `json:"tier,omitempty"`
	Attempts    int    `json:"attempts"`
	Error       string `json:"error,omitempty"`
	// InputRevision is the revision of the code (local mode) or of the
	// slide (hosted mode) that was rendered.
	InputRevision string `json:"input_revision,omitempty"`
}

// RenderManifest lists rendered slides in playback order.
type RenderManifest struct {
	ManifestRevision string        `json:"manifest_revision"`
	Slides           []RenderEntry `json:"slides"`
}

// NarrationEntry records the voiceover of one slide.
type NarrationEntry struct {
	SlideNumber     int     `json:"slide_number"`
	ID              string  `json:"id"`
	AudioURL        string  `json:"audio_url"`
	DurationSeconds float64 `json:"duration_seconds"`
	ScriptRevision  string  `json:"script_revision,omitempty"`
}

// Narration lists voiceovers in playback order.
type Narration struct {
	PlanRevision string           `json:"plan_revision"`
	Slides       []NarrationEntry `json:"slides"`
}

// FinalVideo is the assembled result.
type FinalVideo struct {
	URL             string  `json:"url"`
	RenderID        string  `json:"render_id"`
	Slides          int     `json:"slides"`
	DurationSeconds float64 `json:"duration_seconds"`

	RendersRevision   string `json:"renders_revision"`
	NarrationRevision string `json:"narration_revision,omitempty"`
}
