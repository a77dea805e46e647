package handlers

import (
	"net/http"

	"botforge/internal/services"

	"github.com/gin-gonic/gin"
)

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// PaginatedResponse 分页响应结构
type PaginatedResponse struct {
	Data     interface{} `json:"data"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Pages    int         `json:"pages"`
}

// SuccessResponse 成功响应结构
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// statusForCode maps stable training error codes onto HTTP statuses so
// clients can branch on either.
func statusForCode(code string) int {
	switch code {
	case services.CodeNotFound:
		return http.StatusNotFound
	case services.CodeDuplicateContent, services.CodeAlreadyReconfiguring,
		services.CodeInvalidState, services.CodeNotReconfiguring,
		services.CodeUnsavedChanges:
		return http.StatusConflict
	case services.CodeQuotaExceeded, services.CodeWordLimitExceeded,
		services.CodeStorageLimitExceeded, services.CodeItemTooLarge:
		return http.StatusUnprocessableEntity
	case services.CodePipelineEnqueueFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError renders a service error with its stable code, falling
// back to 500 for untyped errors.
func writeServiceError(c *gin.Context, action string, err error) {
	code := services.ErrorCode(err)
	if code == "" {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   action,
			Message: err.Error(),
		})
		return
	}
	c.JSON(statusForCode(code), ErrorResponse{
		Error:   action,
		Message: err.Error(),
		Code:    code,
	})
}
