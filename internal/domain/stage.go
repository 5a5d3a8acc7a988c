package domain

import (
	"fmt"
	"strings"
)

// Stage is one step of the fixed pipeline order.
// The zero value is StageNone, meaning no artifact exists for the job yet.
type Stage int

const (
	StageNone Stage = iota
	StageUploaded
	StageExtracted
	StagePlanned
	StageGenerated
	StageRendered
)

// stageTable is the total ordering of stages and the artifact proving each one complete.
var stageTable = []struct {
	stage Stage
	name  string
	proof ArtifactKind
}{
	{StageUploaded, "uploaded", KindSource},
	{StageExtracted, "extracted", KindText},
	{StagePlanned, "planned", KindPlan},
	{StageGenerated, "generated", KindManifest},
	{StageRendered, "rendered", KindRenders},
}

// Stages returns every stage in pipeline order.
func Stages() []Stage {
	out := make([]Stage, 0, len(stageTable))
	for _, row := range stageTable {
		out = append(out, row.stage)
	}
	return out
}

// String returns the stage label used in status payloads and logs.
func (s Stage) String() string {
	if s == StageNone {
		return "none"
	}
	for _, row := range stageTable {
		if row.stage == s {
			return row.name
		}
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Valid reports whether s is one of the pipeline stages.
func (s Stage) Valid() bool {
	return s >= StageUploaded && s <= StageRendered
}

// Proof returns the artifact kind whose presence marks the stage complete.
func (s Stage) Proof() ArtifactKind {
	for _, row := range stageTable {
		if row.stage == s {
			return row.proof
		}
	}
	return ""
}

// Prev returns the stage that must be complete before s can run.
// StageUploaded has no predecessor and returns StageNone.
func (s Stage) Prev() Stage {
	if s <= StageUploaded {
		return StageNone
	}
	return s - 1
}

// Next returns the stage following s, or StageNone after the last stage.
func (s Stage) Next() Stage {
	if s >= StageRendered {
		return StageNone
	}
	return s + 1
}

// MarshalText encodes the stage as its label.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a stage label.
func (s *Stage) UnmarshalText(text []byte) error {
	parsed, err := ParseStage(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStage converts a label back into a Stage.
func ParseStage(label string) (Stage, error) {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "none" || label == "" {
		return StageNone, nil
	}
	for _, row := range stageTable {
		if row.name == label {
			return row.stage, nil
		}
	}
	return StageNone, fmt.Errorf("unknown stage %q", label)
}
