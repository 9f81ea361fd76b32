package handler

import (
	"errors"
	"net/http"

	"procurebot/internal/service"
	"procurebot/pkg/response"

	"github.com/gin-gonic/gin"
)

// statusOf maps service errors onto HTTP status codes
func statusOf(err error) int {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	code := statusOf(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		_ = c.Error(err)
		msg = "Internal error"
	}
	c.JSON(code, response.Error(code, msg))
}
