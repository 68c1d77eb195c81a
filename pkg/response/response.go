package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/vox-trader/agent-core/internal/apperr"
)

// Response is the standard API response structure
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorDetail carries the machine-readable code of a classified error
type ErrorDetail struct {
	Error string `json:"error"`
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// Created sends a 201 created response
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Code:    0,
		Message: "created",
		Data:    data,
	})
}

// Error sends an error response
func Error(c *gin.Context, statusCode int, code int, message string) {
	c.JSON(statusCode, Response{
		Code:    code,
		Message: message,
	})
}

// BadRequest sends a 400 error response
func BadRequest(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, -1, message)
}

// Unauthorized sends a 401 error response
func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, -1001, message)
}

// Forbidden sends a 403 error response
func Forbidden(c *gin.Context, message string) {
	Error(c, http.StatusForbidden, -1002, message)
}

// NotFound sends a 404 error response
func NotFound(c *gin.Context, message string) {
	Error(c, http.StatusNotFound, -1003, message)
}

// Conflict sends a 409 error response
func Conflict(c *gin.Context, message string) {
	Error(c, http.StatusConflict, -1004, message)
}

// UnprocessableEntity sends a 422 error response
func UnprocessableEntity(c *gin.Context, message string) {
	Error(c, http.StatusUnprocessableEntity, -1005, message)
}

// BadGateway sends a 502 error response
func BadGateway(c *gin.Context, message string) {
	Error(c, http.StatusBadGateway, -1006, message)
}

// InternalError sends a 500 error response
func InternalError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, -1, message)
}

// FromError maps a classified error to its HTTP status.
// Unclassified errors are reported as 500 without leaking their text.
func FromError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, -1
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		status, code = http.StatusUnprocessableEntity, -1005
	case apperr.KindResource:
		status, code = http.StatusBadRequest, -1
	case apperr.KindNotFound:
		status, code = http.StatusNotFound, -1003
	case apperr.KindUpstream:
		status, code = http.StatusBadGateway, -1006
	case apperr.KindConflict:
		status, code = http.StatusConflict, -1004
	default:
		_ = c.Error(err)
		InternalError(c, "internal server error")
		return
	}
	c.JSON(status, Response{
		Code:    code,
		Message: err.Error(),
		Data:    ErrorDetail{Error: apperr.CodeOf(err)},
	})
}
