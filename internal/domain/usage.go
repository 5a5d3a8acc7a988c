package domain

import "time"

// Collaborator service names recorded in the usage ledger.
const (
	ServiceExtraction = "extraction"
	ServiceLLM        = "llm"
	ServiceRender     = "render"
	ServiceHosted     = "hosted_render"
	ServiceTTS        = "tts"
	ServiceAssembly   = "assembly"
	ServicePublish    = "publish"
)

// UsageRecord is one paid collaborator call.
type UsageRecord struct {
	ID           string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	JobID        string    `gorm:"type:varchar(64);index" json:"job_id"`
	Unit         string    `gorm:"type:varchar(32)" json:"unit,omitempty"`
	Service      string    `gorm:"type:varchar(32);index" json:"service"`
	Operation    string    `gorm:"type:varchar(64)" json:"operation"`
	Success      bool      `json:"success"`
	DurationMs   int64     `json:"duration_ms"`
	InputTokens  int       `json:"input_tokens,omitempty"`
	OutputTokens int       `json:"output_tokens,omitempty"`
	Error        string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName specifies the table name for GORM.
func (UsageRecord) TableName() string {
	return "usage_records"
}

// UsageSummary aggregates the ledger of one job per service.
type UsageSummary struct {
	Service      string `json:"service"`
	Calls        int64  `json:"calls"`
	Failures     int64  `json:"failures"`
	DurationMs   int64  `json:"duration_ms"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}
