package domain

import "time"

// JobStatus represents the lifecycle status of a paper-to-video job.
// Values include JobStatusProcessing, JobStatusComplete, and JobStatusFailed.
type JobStatus string

const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusComplete   JobStatus = "complete"
	JobStatusFailed     JobStatus = "failed"
)

// Job is the in-memory view of a job. Its stage is derived from the artifact
// store and the record can be rebuilt from there after a restart.
type Job struct {
	ID        string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	Stage     Stage     `json:"step"`
	Error     string    `json:"error,omitempty"`
	Warning   string    `json:"warning,omitempty"`
	VideoURL  string    `json:"video_url,omitempty"`
	Source    string    `json:"source,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Advance moves the job forward to stage. Stage labels never go backwards.
func (j *Job) Advance(stage Stage) {
	if stage > j.Stage {
		j.Stage = stage
	}
	j.Status = JobStatusProcessing
	if j.Stage == StageRendered {
		j.Status = JobStatusComplete
	}
	j.Error = ""
	j.UpdatedAt = time.Now()
}

// Fail marks the job failed and keeps the error text verbatim.
func (j *Job) Fail(err error) {
	j.Status = JobStatusFailed
	if err != nil {
		j.Error = err.Error()
	}
	j.UpdatedAt = time.Now()
}

// Clone returns a copy safe to hand out of a locked cache.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	return &c
}

// Discovery is what the artifact store says about one job.
type Discovery struct {
	JobID        string `json:"job_id"`
	Stage        Stage  `json:"stage"`
	HasSource    bool   `json:"has_source"`
	Source       string `json:"source,omitempty"`
	HasNarration bool   `json:"has_narration"`
	HasFinal     bool   `json:"has_final"`
}
