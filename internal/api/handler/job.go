package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/timmy/papercast/internal/logger"
	"github.com/timmy/papercast/internal/pipeline"
)

// DefaultMaxUploadSize bounds an uploaded source document.
const DefaultMaxUploadSize = 50 << 20

// JobHandler handles job lifecycle endpoints.
type JobHandler struct {
	pipeline      *pipeline.Service
	maxUploadSize int64
}

// NewJobHandler creates a new job handler.
// Parameters:
//   - svc: pipeline service instance.
//   - maxUploadSize: upload limit in bytes; 0 selects DefaultMaxUploadSize.
//
// Returns:
//   - *JobHandler: initialized handler.
func NewJobHandler(svc *pipeline.Service, maxUploadSize int64) *JobHandler {
	if maxUploadSize <= 0 {
		maxUploadSize = DefaultMaxUploadSize
	}
	return &JobHandler{pipeline: svc, maxUploadSize: maxUploadSize}
}

// Upload handles POST /api/v1/jobs with a multipart "file" field.
func (h *JobHandler) Upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize)
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid upload: " + err.Error()})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read upload: " + err.Error()})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Uploaded file is empty"})
		return
	}

	job, err := h.pipeline.Upload(c.Request.Context(), header.Filename, data)
	if err != nil {
		writeError(c, err)
		return
	}
	logger.CtxInfo(c.Request.Context(), "Job %s created from %s", job.ID, header.Filename)
	c.JSON(http.StatusCreated, job)
}

// List handles GET /api/v1/jobs.
func (h *JobHandler) List(c *gin.Context) {
	jobs, err := h.pipeline.Discover(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

// Get handles GET /api/v1/jobs/:id.
func (h *JobHandler) Get(c *gin.Context) {
	job, err := h.pipeline.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Restore handles POST /api/v1/jobs/:id/restore.
func (h *JobHandler) Restore(c *gin.Context) {
	job, err := h.pipeline.Restore(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Extract handles POST /api/v1/jobs/:id/extract.
func (h *JobHandler) Extract(c *gin.Context) {
	job, err := h.pipeline.Extract(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Text handles GET /api/v1/jobs/:id/text.
func (h *JobHandler) Text(c *gin.Context) {
	id := c.Param("id")
	text, err := h.pipeline.Text(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": id, "text": text})
}

// Plan handles POST /api/v1/jobs/:id/plan.
func (h *JobHandler) Plan(c *gin.Context) {
	job, err := h.pipeline.Plan(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// GetPlan handles GET /api/v1/jobs/:id/plan.
func (h *JobHandler) GetPlan(c *gin.Context) {
	plan, err := h.pipeline.PlanOf(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

// Manifest handles GET /api/v1/jobs/:id/manifest.
func (h *JobHandler) Manifest(c *gin.Context) {
	m, err := h.pipeline.ManifestOf(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// GenerateSlide handles POST /api/v1/jobs/:id/slides/:unit/generate.
func (h *JobHandler) GenerateSlide(c *gin.Context) {
	entry, err := h.pipeline.GenerateSlide(c.Request.Context(), c.Param("id"), c.Param("unit"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// RenderSlide handles POST /api/v1/jobs/:id/slides/:unit/render.
func (h *JobHandler) RenderSlide(c *gin.Context) {
	entry, err := h.pipeline.RenderSlide(c.Request.Context(), c.Param("id"), c.Param("unit"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// Usage handles GET /api/v1/jobs/:id/usage.
func (h *JobHandler) Usage(c *gin.Context) {
	id := c.Param("id")
	summary, records, err := h.pipeline.Usage(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id":  id,
		"summary": summary,
		"calls":   records,
	})
}
