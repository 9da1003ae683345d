package server

import (
	"github.com/gin-gonic/gin"

	"github.com/allbin/picobridge/internal/resilience"
)

// Error codes in JSON error bodies
const (
	CodeBadRequest  = "BAD_REQUEST"
	CodeNotFound    = "NOT_FOUND"
	CodeRateLimited = "TOO_MANY_REQUESTS"
	CodeInternal    = "INTERNAL_ERROR"
	CodeUnavailable = "SERVICE_UNAVAILABLE"
	CodeBadGateway  = "BAD_GATEWAY"
	CodeConflict    = "CONFLICT"
)

// DataResponse wraps every successful body
type DataResponse[T any] struct {
	Data T `json:"data"`
}

func respondData[T any](c *gin.Context, status int, data T) {
	c.JSON(status, DataResponse[T]{Data: data})
}

func respondError(c *gin.Context, status int, code, message string) {
	var body resilience.ErrorResponse
	body.Error.Code = code
	body.Error.Message = message
	c.AbortWithStatusJSON(status, body)
}
