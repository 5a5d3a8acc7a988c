package domain

import "fmt"

// ArtifactKind is the closed set of artifacts a job can own.
type ArtifactKind string

const (
	KindSource    ArtifactKind = "source"
	KindText      ArtifactKind = "text"
	KindPlan      ArtifactKind = "plan"
	KindSlideCode ArtifactKind = "slide_code"
	KindManifest  ArtifactKind = "manifest"
	KindRenders   ArtifactKind = "renders"
	KindAudio     ArtifactKind = "audio"
	KindNarration ArtifactKind = "narration"
	KindFinal     ArtifactKind = "final"
)

var artifactKinds = map[ArtifactKind]struct {
	named bool
	// file is the fixed file name for unnamed kinds, or the directory for named kinds.
	file string
	ext  string
}{
	KindSource:    {named: true, file: "source"},
	KindText:      {file: "paper.md"},
	KindPlan:      {file: "plan.json"},
	KindSlideCode: {named: true, file: "slides", ext: ".py"},
	KindManifest:  {file: "manifest.json"},
	KindRenders:   {file: "renders.json"},
	KindAudio:     {named: true, file: "audio", ext: ".mp3"},
	KindNarration: {file: "narration.json"},
	KindFinal:     {file: "final.json"},
}

// Valid reports whether k is a known artifact kind.
func (k ArtifactKind) Valid() bool {
	_, ok := artifactKinds[k]
	return ok
}

// Named reports whether artifacts of this kind carry a name qualifier
// (the upload file name, or a slide id).
func (k ArtifactKind) Named() bool {
	return artifactKinds[k].named
}

// ArtifactKey addresses one artifact within a job.
type ArtifactKey struct {
	Kind ArtifactKind
	Name string
}

// Key returns the key of an unnamed artifact kind.
func Key(kind ArtifactKind) ArtifactKey {
	return ArtifactKey{Kind: kind}
}

// NamedKey returns the key of a named artifact.
func NamedKey(kind ArtifactKind, name string) ArtifactKey {
	return ArtifactKey{Kind: kind, Name: name}
}

// Validate checks that the key is well formed for its kind.
func (k ArtifactKey) Validate() error {
	if !k.Kind.Valid() {
		return fmt.Errorf("unknown artifact kind %q", k.Kind)
	}
	if k.Kind.Named() && k.Name == "" {
		return fmt.Errorf("artifact kind %q requires a name", k.Kind)
	}
	if !k.Kind.Named() && k.Name != "" {
		return fmt.Errorf("artifact kind %q does not take a name", k.Kind)
	}
	return nil
}

// Path returns the slash-separated path of the artifact relative to its job root.
func (k ArtifactKey) Path() string {
	def := artifactKinds[k.Kind]
	if !def.named {
		return def.file
	}
	return def.file + "/" + k.Name + def.ext
}

// Dir returns the job-relative directory holding a named kind.
func (k ArtifactKind) Dir() string {
	return artifactKinds[k].file
}

// Ext returns the file extension appended to names of a named kind.
func (k ArtifactKind) Ext() string {
	return artifactKinds[k].ext
}

func (k ArtifactKey) String() string {
	if k.Name == "" {
		return string(k.Kind)
	}
	return string(k.Kind) + ":" + k.Name
}
