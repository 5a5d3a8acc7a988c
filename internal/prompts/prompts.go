package prompts

import (
	"fmt"
	"strings"
)

// ============================================================================
// Planning Prompts
// ============================================================================

// PlanSystemPrompt defines the planner role and the JSON shape of a plan.
const PlanSystemPrompt = `You are an educational content planner who turns academic research papers into engaging explainer videos for 8th graders (13-14 year olds).

Create a presentation plan that:
1. Breaks complex concepts into simple, relatable explanations
2. Uses analogies and real-world examples
3. Is structured for visual animation in the 3Blue1Brown style
4. Follows a clear narrative arc

Output a valid JSON object with this structure:
{
  "paper_title": "Simple, engaging title",
  "paper_summary": "2-3 sentences explaining what this paper is about in simple terms",
  "target_duration_minutes": 5,
  "slides": [
    {
      "slide_number": 1,
      "title": "Hook/Introduction",
      "visual_type": "text_reveal|diagram|equation|graph|comparison|timeline|icon_grid|code_walkthrough",
      "visual_description": "Detailed description of what the animation should show",
      "key_points": ["point 1", "point 2", "point 3"],
      "voiceover_script": "What the narrator says (conversational, 8th grade level)",
      "duration_seconds": 30,
      "transition_note": "How this connects to the next slide"
    }
  ]
}

Guidelines:
- Open with a hook that makes the topic relatable
- Use 5-8 slides for a 5-minute video
- One main idea per slide
- Visual descriptions must be specific enough for an animator
- The voiceover should sound natural and conversational
- End with a summary and why this matters

Output ONLY valid JSON, no markdown code blocks or extra text.`

// TruncationNotice is appended when the paper text is cut to fit the planner input.
const TruncationNotice = "\n\n[Content truncated for processing...]"

// PlanUserPrompt wraps the extracted paper text for the planner.
func PlanUserPrompt(text string) string {
	return fmt.Sprintf(`Here is the extracted content from a research paper:

---
%s
---

Create a presentation plan that explains this paper's key concepts to 8th graders in an engaging 5-minute video. Focus on the main ideas and make them accessible and interesting.`, text)
}

// ============================================================================
// Scene Code Prompts
// ============================================================================

// CodeSystemPrompt defines the Manim developer role for scene generation.
const CodeSystemPrompt = `You are an expert Manim developer who creates 3Blue1Brown-style animations.

Take the visual description of a slide and write working Manim Community Edition code for it.

## STYLE
- Dark background (default). Primary colors: BLUE, YELLOW, GREEN, RED, WHITE, as Manim constants.
- Tex for math, Text for regular text. Keep text minimal and large.
- Smooth animations with Write, FadeIn, Transform, MoveToTarget and run_time between 1 and 3 seconds.
- Center important elements. Position with arrange(), next_to(), shift().
- Add self.wait() between animations.

## REQUIREMENTS
1. A single class inheriting from Scene
2. All animation logic in construct(self)
3. Manim Community Edition syntax only (not ManimGL)
4. The import line is: from manim import *
5. Complete, runnable code

## VISUAL TYPES
- diagram: Rectangle, Circle, Arrow, Line grouped with VGroup and arrange
- equation: MathTex, TransformMatchingTex for morphing
- graph: Axes, plot, dots and lines
- comparison: side-by-side VGroups
- timeline: horizontal arrow with labeled points
- text_reveal: Write with highlights
- code_walkthrough: Code or monospace Text

Output ONLY Python code, no markdown code blocks or explanations.`

// SlideContext carries the plan-level fields a scene prompt needs.
type SlideContext struct {
	PaperTitle        string
	PaperSummary      string
	Number            int
	Title             string
	VisualType        string
	DurationSeconds   int
	VisualDescription string
	KeyPoints         []string
	VoiceoverScript   string
	ClassName         string
}

// CodeUserPrompt builds the per-slide generation request.
func CodeUserPrompt(s SlideContext) string {
	var points strings.Builder
	for i, p := range s.KeyPoints {
		if i > 0 {
			points.WriteByte('\n')
		}
		points.WriteString("- " + p)
	}
	return fmt.Sprintf(`Generate Manim code for this slide:

**Paper Context:**
- Title: %s
- Summary: %s

**Slide %d: %s**
- Visual Type: %s
- Duration: %d seconds

**Visual Description:**
%s

**Key Points to Visualize:**
%s

**Voiceover (for timing reference):**
%s

Generate complete, working Manim code for this slide. The class name must be %s.
Make the animation approximately %d seconds long using self.wait() calls.`,
		s.PaperTitle, s.PaperSummary,
		s.Number, s.Title, s.VisualType, s.DurationSeconds,
		s.VisualDescription, points.String(), s.VoiceoverScript,
		s.ClassName, s.DurationSeconds)
}

// RepairSystemPrompt asks for a corrected scene without commentary.
const RepairSystemPrompt = `You are an expert Manim developer fixing broken Manim Community Edition code.

You receive code and the errors it produced. Return the complete corrected code.
Keep the same class name and the same animation intent. Change only what the errors require.
Output ONLY Python code, no markdown code blocks or explanations.`

// RepairUserPrompt wraps an error report for the repair request.
func RepairUserPrompt(report, className string) string {
	return fmt.Sprintf("%s\nFix every error above. The class must be named %s and define construct(self).", report, className)
}

// ============================================================================
// Hosted Generation Tiers
// ============================================================================

// PrimaryTierPrompt describes the full slide for a generate-and-render call.
func PrimaryTierPrompt(title, visualType, description string, keyPoints []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Create a %s animation titled \"%s\". %s", strings.ReplaceAll(visualType, "_", " "), title, description)
	if len(keyPoints) > 0 {
		fmt.Fprintf(&b, " Show these points: %s.", strings.Join(keyPoints, "; "))
	}
	return b.String()
}

// MiddleTierPrompt keeps a short title and one simple shape transform.
func MiddleTierPrompt(title string) string {
	return fmt.Sprintf("Show the text \"%s\" at the top, then draw a blue circle that transforms into a yellow square.", shortTitle(title))
}

// FallbackTierPrompt renders only the title as static text.
func FallbackTierPrompt(title string) string {
	return fmt.Sprintf("Display the text \"%s\" in the center of the screen.", shortTitle(title))
}

func shortTitle(title string) string {
	words := strings.Fields(title)
	if len(words) > 6 {
		words = words[:6]
	}
	return strings.Join(words, " ")
}

// ============================================================================
// Extraction Prompts
// ============================================================================

// OCRPrompt asks the vision model for the document as markdown.
const OCRPrompt = `Extract all text from this research paper and convert it to well-formatted markdown.

Keep the structure:
- Headings as #, ##, ###
- Paragraphs separated by blank lines
- Equations in LaTeX ($...$ inline, $$...$$ display)
- Tables as markdown tables
- Figure and table captions in italics

Output only the markdown content.`
