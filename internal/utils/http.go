package utils

import (
	"github.com/gin-gonic/gin"
	"github.com/haojie06/sd-task-http/internal/model"
)

func GinFailedWithMessage(c *gin.Context, status int, message string) {
	c.JSON(status, model.TaskHTTPResponse{
		Status:  "failed",
		Message: message,
	})
}

func GinFailedWithField(c *gin.Context, status int, field string, message string) {
	c.JSON(status, model.TaskHTTPResponse{
		Status:  "failed",
		Message: message,
		Field:   field,
	})
}
