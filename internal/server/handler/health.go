package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haojie06/sd-task-http/internal/logger"
	"github.com/haojie06/sd-task-http/internal/model"
)

const storageCheckTimeout = 5 * time.Second

func (h *Handler) Health(c *gin.Context) {
	resp := model.HealthResponse{
		Status:      "ok",
		ModelLoaded: h.service.EngineLoaded(),
	}
	if h.storage != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), storageCheckTimeout)
		defer cancel()
		if err := h.storage.Health(ctx); err != nil {
			logger.Warnf("storage health check failed: %s", err)
			resp.Status = "degraded"
			resp.Storage = "unavailable"
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
		resp.Storage = "ok"
	}
	c.JSON(http.StatusOK, resp)
}
