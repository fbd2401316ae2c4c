package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/haojie06/sd-task-http/internal/generation"
	"github.com/haojie06/sd-task-http/internal/logger"
	"github.com/haojie06/sd-task-http/internal/model"
	"github.com/haojie06/sd-task-http/internal/prompt"
	"github.com/haojie06/sd-task-http/internal/utils"
)

// CreateGenerationTask queues the request and answers right away, the result is
// polled through GetTask or pushed to callback_url.
func (h *Handler) CreateGenerationTask(c *gin.Context) {
	var req model.GenerationTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.GinFailedWithMessage(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	taskId, err := h.service.Submit(c.Request.Context(), req.ToPromptRequest())
	if err != nil {
		h.submitFailed(c, err)
		return
	}
	c.JSON(http.StatusOK, model.GenerationTaskResponse{
		TaskId:  taskId,
		Status:  "pending",
		Message: "task queued",
	})
}

func (h *Handler) submitFailed(c *gin.Context, err error) {
	var verr *prompt.ValidationError
	switch {
	case errors.As(err, &verr):
		utils.GinFailedWithField(c, http.StatusBadRequest, verr.Field, verr.Message)
	case errors.Is(err, generation.ErrTooManyTasks):
		utils.GinFailedWithMessage(c, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, prompt.ErrTranslatorUnavailable):
		utils.GinFailedWithMessage(c, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, prompt.ErrTranslationFailed):
		logger.Warnf("prompt translation failed: %s", err)
		utils.GinFailedWithMessage(c, http.StatusBadGateway, err.Error())
	case errors.Is(err, generation.ErrQueueClosed):
		utils.GinFailedWithMessage(c, http.StatusServiceUnavailable, "service is shutting down")
	default:
		logger.Errorf("submit task: %s", err)
		utils.GinFailedWithMessage(c, http.StatusInternalServerError, "internal error")
	}
}
