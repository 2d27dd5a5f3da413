package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/makkenzo/activation-platform/internal/handler/dto"
	"github.com/makkenzo/activation-platform/internal/ierr"
	"go.uber.org/zap"
)

func ErrorHandlerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	log := logger.Named("ErrorHandler")
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err
		status, errResponse := ErrorResponse(err)
		if status >= http.StatusInternalServerError {
			log.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		} else {
			log.Debug("Request rejected", zap.String("path", c.FullPath()), zap.Error(err))
		}

		c.AbortWithStatusJSON(status, errResponse)
	}
}

// ErrorResponse maps an error from the ierr taxonomy to an HTTP status and body.
func ErrorResponse(err error) (int, dto.APIErrorResponse) {
	status := http.StatusInternalServerError
	errResponse := dto.APIErrorResponse{
		Code:    "INTERNAL_ERROR",
		Message: "An unexpected error occurred.",
	}

	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		errResponse.Code = "VALIDATION_ERROR"
		errResponse.Message = "Input validation failed."
		errResponse.Details = buildValidationErrors(ve)
		return http.StatusBadRequest, errResponse
	}

	if reason := ierr.Reason(err); reason != "internal" {
		errResponse.Reason = reason
	}

	switch {
	case errors.Is(err, ierr.ErrValidation):
		status = http.StatusBadRequest
		errResponse.Code = "VALIDATION_ERROR"
		errResponse.Message = err.Error()
	case errors.Is(err, ierr.ErrUnauthorized), errors.Is(err, ierr.ErrInvalidToken),
		errors.Is(err, ierr.ErrTokenParsingFailed), errors.Is(err, ierr.ErrTokenInvalidClaims):
		status = http.StatusUnauthorized
		errResponse.Code = "UNAUTHENTICATED"
		errResponse.Message = "Authentication required or failed."
	case errors.Is(err, ierr.ErrForbidden):
		status = http.StatusForbidden
		errResponse.Code = "FORBIDDEN"
		errResponse.Message = err.Error()
	case errors.Is(err, ierr.ErrNotFound):
		status = http.StatusNotFound
		errResponse.Code = "NOT_FOUND"
		errResponse.Message = err.Error()
	case errors.Is(err, ierr.ErrConflict):
		status = http.StatusConflict
		errResponse.Code = "CONFLICT"
		errResponse.Message = err.Error()
	case errors.Is(err, ierr.ErrTooManyRequests):
		status = http.StatusTooManyRequests
		errResponse.Code = "RATE_LIMITED"
		errResponse.Message = "Too many requests, try again later."
	case errors.Is(err, ierr.ErrGatewayUnreachable), errors.Is(err, ierr.ErrGatewayNotConfigured):
		status = http.StatusServiceUnavailable
		errResponse.Code = "GATEWAY_UNAVAILABLE"
		errResponse.Message = err.Error()
	case errors.Is(err, ierr.ErrGatewayRejected):
		status = http.StatusBadGateway
		errResponse.Code = "GATEWAY_REJECTED"
		errResponse.Message = err.Error()
	case errors.Is(err, ierr.ErrCallbackUnverified), errors.Is(err, ierr.ErrCallbackNotSuccess):
		status = http.StatusBadRequest
		errResponse.Code = "CALLBACK_REJECTED"
		errResponse.Message = err.Error()
	case errors.Is(err, ierr.ErrGenerationExhausted):
		errResponse.Code = "GENERATION_EXHAUSTED"
		errResponse.Message = err.Error()
	}
	return status, errResponse
}

// StatusFor is the HTTP status ErrorResponse would choose for err.
func StatusFor(err error) int {
	status, _ := ErrorResponse(err)
	return status
}

func buildValidationErrors(ve validator.ValidationErrors) []dto.FieldError {
	details := make([]dto.FieldError, len(ve))
	for i, fe := range ve {
		details[i] = dto.FieldError{
			Field:   fe.Field(),
			Message: getValidationErrorMsg(fe),
		}
	}
	return details
}

func getValidationErrorMsg(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("Field '%s' is required", fe.Field())
	case "oneof":
		return fmt.Sprintf("Field '%s' must be one of [%s]", fe.Field(), fe.Param())
	case "gte":
		return fmt.Sprintf("Field '%s' must be greater than or equal to %s", fe.Field(), fe.Param())
	case "lte":
		return fmt.Sprintf("Field '%s' must be less than or equal to %s", fe.Field(), fe.Param())
	case "gt":
		return fmt.Sprintf("Field '%s' must be greater than %s", fe.Field(), fe.Param())
	case "len":
		return fmt.Sprintf("Field '%s' must be exactly %s characters long", fe.Field(), fe.Param())
	case "hexadecimal":
		return fmt.Sprintf("Field '%s' must be hexadecimal", fe.Field())
	default:
		return fmt.Sprintf("Field '%s' failed validation on the '%s' tag", fe.Field(), fe.Tag())
	}
}
