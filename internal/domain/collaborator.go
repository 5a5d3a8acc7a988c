package domain

// StopReason tells why a generation collaborator stopped producing output.
type StopReason string

const (
	StopComplete      StopReason = "complete"
	StopLengthLimited StopReason = "length_limited"
)

// RenderResult is the outcome of rendering one scene.
type RenderResult struct {
	Success  bool
	VideoURL string
	Error    string
}

// HostedResult is the outcome of a generate-and-render call.
type HostedResult struct {
	Success  bool
	VideoURL string
	Code     string
	Error    string
}

// Voiceover is synthesized narration audio.
type Voiceover struct {
	Audio           []byte
	DurationSeconds float64
}

// Clip pairs a rendered slide video with its narration for assembly.
type Clip struct {
	ID              string
	VideoURL        string
	AudioURL        string
	DurationSeconds float64
}

// AssemblyResult is the outcome of stitching clips into one video.
type AssemblyResult struct {
	RenderID string
	URL      string
	Duration float64
}
