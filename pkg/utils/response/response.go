// Package response writes the JSON envelope shared by the internal HTTP endpoints.
package response

import (
	"net/http"

	"codegrade/pkg/errors"
	"codegrade/pkg/utils/contextkey"
	"codegrade/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Response is the standard envelope.
type Response struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Data    interface{}      `json:"data,omitempty"`
	Details interface{}      `json:"details,omitempty"`
	TraceID string           `json:"trace_id,omitempty"`
}

// Success sends 200 with data.
func Success(c *gin.Context, data interface{}) {
	write(c, http.StatusOK, Response{Code: errors.Success, Message: errors.Success.Message(), Data: data})
}

// Accepted sends 202 with data. Used when work was queued but not performed.
func Accepted(c *gin.Context, data interface{}) {
	write(c, http.StatusAccepted, Response{Code: errors.Success, Message: "Accepted", Data: data})
}

// Error sends the status and envelope derived from err's code.
func Error(c *gin.Context, err error) {
	appErr := errors.GetError(err)
	if appErr == nil {
		appErr = errors.New(errors.InternalServerError)
	}
	status := appErr.Code.HTTPStatus()
	fields := []zap.Field{
		zap.Int("code", int(appErr.Code)),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		logger.Error(c.Request.Context(), "request failed", append(fields, zap.String("stack", appErr.Stack))...)
	} else {
		logger.Warn(c.Request.Context(), "request rejected", fields...)
	}
	write(c, status, Response{Code: appErr.Code, Message: appErr.Error(), Details: appErr.Details})
}

// ErrorWithCode sends an error envelope for code. An empty message uses the code default.
func ErrorWithCode(c *gin.Context, code errors.ErrorCode, message string) {
	if message == "" {
		message = code.Message()
	}
	write(c, code.HTTPStatus(), Response{Code: code, Message: message})
}

// BadRequest sends 400 with InvalidParams.
func BadRequest(c *gin.Context, message string) {
	ErrorWithCode(c, errors.InvalidParams, message)
}

// NotFound sends 404.
func NotFound(c *gin.Context, message string) {
	ErrorWithCode(c, errors.NotFound, message)
}

// AbortWithError sends the error envelope and stops the handler chain.
func AbortWithError(c *gin.Context, err error) {
	Error(c, err)
	c.Abort()
}

func write(c *gin.Context, status int, resp Response) {
	resp.TraceID = traceID(c)
	c.JSON(status, resp)
}

func traceID(c *gin.Context) string {
	id, _ := c.Request.Context().Value(contextkey.TraceID).(string)
	return id
}
