package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/makkenzo/activation-platform/internal/handler/middleware"
	"github.com/makkenzo/activation-platform/internal/ierr"
)

// bindError reports a request binding failure through the error middleware.
func bindError(c *gin.Context, err error) {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		_ = c.Error(ve)
		return
	}
	_ = c.Error(fmt.Errorf("%w: %v", ierr.ErrValidation, err))
}

// resultStatus picks the HTTP status for a structured service result.
func resultStatus(ok bool, okStatus int, err error) int {
	if ok {
		return okStatus
	}
	if err == nil {
		return http.StatusBadRequest
	}
	return middleware.StatusFor(err)
}
