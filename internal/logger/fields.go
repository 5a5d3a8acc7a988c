package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// ============================================
// Standard Tracing Fields (Context level)
// These fields are propagated through the call chain
// ============================================

const (
	// FieldRequestID is the HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldJobID is the paper-to-video job ID
	FieldJobID = "job_id"

	// FieldStage is the pipeline stage being advanced
	FieldStage = "stage"

	// FieldSlide is the content unit identifier (s001, s002, ...)
	FieldSlide = "slide"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	// FieldCollaborator is the remote service being called
	FieldCollaborator = "collaborator"
)

// ============================================
// Standard Metric Fields (Entry level)
// These fields are used for aggregation and alerting
// ============================================

const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldSize is the data size in bytes
	FieldSize = "size"

	// FieldStatus is the operation status
	FieldStatus = "status"

	// FieldAttempt is the 1-based repair or render attempt number
	FieldAttempt = "attempt"

	// FieldTier is the fallback tier that produced a result
	FieldTier = "tier"
)
