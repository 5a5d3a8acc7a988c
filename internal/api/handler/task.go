package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/timmy/papercast/internal/pipeline"
	"github.com/timmy/papercast/internal/tasks"
)

// TaskHandler starts and tracks background stage runs.
type TaskHandler struct {
	pipeline *pipeline.Service
}

// NewTaskHandler creates a new task handler.
func NewTaskHandler(svc *pipeline.Service) *TaskHandler {
	return &TaskHandler{pipeline: svc}
}

type startFunc func(ctx context.Context, jobID string) (tasks.Progress, error)

// start answers 202 with the initial progress of a new run.
func (h *TaskHandler) start(c *gin.Context, fn startFunc) {
	p, err := fn(c.Request.Context(), c.Param("id"))
	if err != nil {
		if statusFor(err) == http.StatusConflict {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "progress": p})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, p)
}

// Generate handles POST /api/v1/jobs/:id/generate.
func (h *TaskHandler) Generate(c *gin.Context) {
	h.start(c, h.pipeline.StartGeneration)
}

// Render handles POST /api/v1/jobs/:id/render.
func (h *TaskHandler) Render(c *gin.Context) {
	h.start(c, h.pipeline.StartRender)
}

// Narrate handles POST /api/v1/jobs/:id/narrate.
func (h *TaskHandler) Narrate(c *gin.Context) {
	h.start(c, h.pipeline.StartNarration)
}

// Assemble handles POST /api/v1/jobs/:id/assemble.
func (h *TaskHandler) Assemble(c *gin.Context) {
	h.start(c, h.pipeline.StartAssembly)
}

// Progress handles GET /api/v1/jobs/:id/progress.
func (h *TaskHandler) Progress(c *gin.Context) {
	id := c.Param("id")
	p, ok := h.pipeline.Progress(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no background task for job %s", id)})
		return
	}
	c.JSON(http.StatusOK, p)
}

// Cancel handles POST /api/v1/jobs/:id/cancel.
func (h *TaskHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	cancelled := h.pipeline.Cancel(id)
	c.JSON(http.StatusOK, gin.H{
		"job_id":    id,
		"cancelled": cancelled,
	})
}
