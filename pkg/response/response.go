package response

import (
	"net/http"

	appErrors "github.com/charlesng35/bucketcast/pkg/errors"
	"github.com/gin-gonic/gin"
)

// Response is the JSON envelope shared by every API route.
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
	Meta    *Meta      `json:"meta,omitempty"`
}

type ErrorInfo struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Meta carries list metadata. Lists ordered by message sequence expose the
// highest sequence returned as NextSince so clients can resume from it.
type Meta struct {
	Page      int   `json:"page,omitempty"`
	PerPage   int   `json:"per_page,omitempty"`
	Total     int64 `json:"total,omitempty"`
	NextSince int64 `json:"next_since,omitempty"`
	// Reset tells a polling client its cursor was discarded and NextSince
	// starts a new sequence space.
	Reset bool `json:"reset,omitempty"`
}

func Success(c *gin.Context, statusCode int, data any) {
	c.JSON(statusCode, Response{Success: true, Data: data})
}

func SuccessWithMeta(c *gin.Context, statusCode int, data any, meta *Meta) {
	c.JSON(statusCode, Response{Success: true, Data: data, Meta: meta})
}

// Created writes a 201 envelope.
func Created(c *gin.Context, data any) {
	Success(c, http.StatusCreated, data)
}

// Error renders err through the AppError taxonomy and aborts the chain.
func Error(c *gin.Context, err error) {
	if err == nil {
		err = appErrors.ErrInternalServer
	}

	appErr := appErrors.FromError(err)
	status := appErr.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}

	c.AbortWithStatusJSON(status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:    appErr.Code,
			Message: appErr.Message,
			Details: appErr.Details,
		},
	})
}
