package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestStageOrder(t *testing.T) {
	stages := Stages()
	want := []string{"uploaded", "extracted", "planned", "generated", "rendered"}
	if len(stages) != len(want) {
		t.Fatalf("expected %d stages, got %d", len(want), len(stages))
	}
	for i, s := range stages {
		if s.String() != want[i] {
			t.Errorf("stage %d: expected %s, got %s", i, want[i], s)
		}
		if i > 0 && stages[i-1] >= s {
			t.Errorf("stage %s is not after %s", s, stages[i-1])
		}
		if i > 0 && s.Prev() != stages[i-1] {
			t.Errorf("%s.Prev() = %s", s, s.Prev())
		}
	}
	if StageRendered.Next() != StageNone {
		t.Errorf("expected no stage after rendered")
	}
	if StageUploaded.Prev() != StageNone {
		t.Errorf("expected no stage before uploaded")
	}
}

func TestStageProof(t *testing.T) {
	tests := []struct {
		stage Stage
		kind  ArtifactKind
	}{
		{StageUploaded, KindSource},
		{StageExtracted, KindText},
		{StagePlanned, KindPlan},
		{StageGenerated, KindManifest},
		{StageRendered, KindRenders},
	}
	for _, tt := range tests {
		t.Run(tt.stage.String(), func(t *testing.T) {
			if got := tt.stage.Proof(); got != tt.kind {
				t.Errorf("expected %s, got %s", tt.kind, got)
			}
		})
	}
}

func TestParseStage(t *testing.T) {
	for _, s := range Stages() {
		got, err := ParseStage(s.String())
		if err != nil {
			t.Fatalf("ParseStage(%q): %v", s, err)
		}
		if got != s {
			t.Errorf("expected %s, got %s", s, got)
		}
	}
	if _, err := ParseStage("published"); err == nil {
		t.Error("expected error for unknown stage")
	}
}

func TestStageJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		Step Stage `json:"step"`
	}{StagePlanned})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"step":"planned"}` {
		t.Errorf("unexpected encoding %s", data)
	}
}

func TestJobAdvanceIsMonotonic(t *testing.T) {
	job := &Job{ID: "abc"}
	job.Advance(StagePlanned)
	job.Advance(StageExtracted)
	if job.Stage != StagePlanned {
		t.Errorf("expected stage to stay planned, got %s", job.Stage)
	}
	if job.Status != JobStatusProcessing {
		t.Errorf("expected processing, got %s", job.Status)
	}
	job.Advance(StageRendered)
	if job.Status != JobStatusComplete {
		t.Errorf("expected complete after rendered, got %s", job.Status)
	}
}

func TestArtifactKey(t *testing.T) {
	tests := []struct {
		name    string
		key     ArtifactKey
		path    string
		wantErr bool
	}{
		{"plan", Key(KindPlan), "plan.json", false},
		{"slide code", NamedKey(KindSlideCode, "s001"), "slides/s001.py", false},
		{"source", NamedKey(KindSource, "paper.pdf"), "source/paper.pdf", false},
		{"named kind without name", Key(KindSlideCode), "", true},
		{"unnamed kind with name", NamedKey(KindPlan, "x"), "", true},
		{"unknown kind", Key(ArtifactKind("thumbnail")), "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.key.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && tt.key.Path() != tt.path {
				t.Errorf("expected path %s, got %s", tt.path, tt.key.Path())
			}
		})
	}
}

func TestErrorTaxonomy(t *testing.T) {
	var err error = &PreconditionError{JobID: "j1", Stage: StagePlanned, Missing: KindText}
	if !errors.Is(err, ErrPrecondition) {
		t.Error("expected PreconditionError to match ErrPrecondition")
	}
	cause := errors.New("unexpected end of JSON input")
	err = &MalformedOutputError{Stage: StagePlanned, Err: cause}
	if !errors.Is(err, ErrMalformedOutput) || !errors.Is(err, cause) {
		t.Error("expected MalformedOutputError to match sentinel and cause")
	}
	var storageErr *StorageError
	wrapped := fmt.Errorf("failed to save plan: %w", &StorageError{Op: "write", Err: cause})
	if !errors.As(wrapped, &storageErr) || storageErr.Op != "write" {
		t.Error("expected errors.As to find StorageError")
	}
}
