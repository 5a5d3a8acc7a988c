package domain

import "testing"

func validSlide(n int) Slide {
	return Slide{
		Number:            n,
		Title:             "Attention",
		VisualType:        VisualDiagram,
		VisualDescription: "Boxes connected by arrows",
		KeyPoints:         []string{"queries", "keys"},
		VoiceoverScript:   "Imagine a classroom.",
		DurationSeconds:   20,
	}
}

func TestPlanNormalize(t *testing.T) {
	t.Run("renumbers sparse slides by position", func(t *testing.T) {
		plan := &Plan{PaperTitle: "T", Slides: []Slide{validSlide(5), validSlide(2), validSlide(9)}}
		if err := plan.Normalize(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for i, s := range plan.Slides {
			if s.Number != i+1 {
				t.Errorf("slide %d numbered %d", i, s.Number)
			}
		}
	})

	t.Run("fills defaults", func(t *testing.T) {
		s := validSlide(1)
		s.DurationSeconds = 0
		s.VisualType = " Diagram "
		plan := &Plan{PaperTitle: "T", Slides: []Slide{s}}
		if err := plan.Normalize(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if plan.Slides[0].DurationSeconds != DefaultSlideDuration {
			t.Errorf("expected default duration, got %d", plan.Slides[0].DurationSeconds)
		}
		if plan.Slides[0].VisualType != VisualDiagram {
			t.Errorf("expected diagram, got %q", plan.Slides[0].VisualType)
		}
		if plan.TargetDurationMinutes != 5 {
			t.Errorf("expected default target duration, got %d", plan.TargetDurationMinutes)
		}
	})

	t.Run("rejects duplicates", func(t *testing.T) {
		plan := &Plan{PaperTitle: "T", Slides: []Slide{validSlide(1), validSlide(1)}}
		if err := plan.Normalize(); err == nil {
			t.Error("expected duplicate slide numbers to fail")
		}
	})

	t.Run("rejects unknown visual type", func(t *testing.T) {
		s := validSlide(1)
		s.VisualType = "hologram"
		plan := &Plan{PaperTitle: "T", Slides: []Slide{s}}
		if err := plan.Normalize(); err == nil {
			t.Error("expected unknown visual type to fail")
		}
	})

	t.Run("rejects empty plan", func(t *testing.T) {
		plan := &Plan{PaperTitle: "T"}
		if err := plan.Normalize(); err == nil {
			t.Error("expected plan without slides to fail")
		}
	})
}

func TestSlideNames(t *testing.T) {
	s := validSlide(7)
	if s.ID() != "s007" {
		t.Errorf("unexpected id %s", s.ID())
	}
	if s.ClassName() != "Slide007" {
		t.Errorf("unexpected class name %s", s.ClassName())
	}
	plan := &Plan{Slides: []Slide{validSlide(1), s}}
	if got, ok := plan.SlideByID("s007"); !ok || got.Number != 7 {
		t.Errorf("SlideByID returned %+v, %v", got, ok)
	}
}
