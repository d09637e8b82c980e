package controller

import (
	"context"
	"strconv"

	"codegrade/internal/grading/model"
	"codegrade/internal/grading/producer"
	"codegrade/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// JobEnqueuer publishes grading jobs.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, req model.CreateGradingJobRequest) (producer.Receipt, error)
}

// ProgressReader reads live grading progress.
type ProgressReader interface {
	Get(ctx context.Context, submissionID int64) (model.Progress, error)
}

// GradingController handles the internal grading API.
type GradingController struct {
	enqueuer JobEnqueuer
	progress ProgressReader
}

// NewGradingController creates a new controller.
func NewGradingController(enqueuer JobEnqueuer, progress ProgressReader) *GradingController {
	return &GradingController{enqueuer: enqueuer, progress: progress}
}

// CreateJob accepts a grading job and returns once it is queued.
func (h *GradingController) CreateJob(c *gin.Context) {
	var req model.CreateGradingJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}
	receipt, err := h.enqueuer.Enqueue(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, receipt)
}

// GetProgress returns the live stage of one submission.
func (h *GradingController) GetProgress(c *gin.Context) {
	submissionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || submissionID <= 0 {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	progress, err := h.progress.Get(c.Request.Context(), submissionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, progress)
}
