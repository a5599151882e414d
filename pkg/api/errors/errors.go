// Package errors translates domain errors into HTTP responses without
// leaking internal details to the client.
package errors

import (
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Merdan-Mahmudow/veo3-bot/pkg/ledger"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/models"
)

// Domain maps a ledger error to its HTTP response. Unknown errors become a
// generic 500 and are logged; a duplicate event is reported as success
// because the work was already done.
func Domain(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return NotFoundError(c)
	case errors.Is(err, ledger.ErrAlreadyProcessed):
		return c.JSON(http.StatusOK, models.ErrorResponse{
			Error:   "duplicate",
			Message: "The event was already processed.",
		})
	case errors.Is(err, ledger.ErrAlreadyAttributed),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInvalidPercent),
		errors.Is(err, ledger.ErrInvalidStatus),
		errors.Is(err, ledger.ErrTokenTaken):
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "business_rule_violation",
			Message: err.Error(),
		})
	case errors.Is(err, ledger.ErrPermissionDenied):
		return ForbiddenError(c)
	case errors.Is(err, ledger.ErrConcurrencyConflict):
		return c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{
			Error:   "conflict_retry",
			Message: "The operation conflicted with another, retry shortly.",
		})
	default:
		return InternalError(c, err)
	}
}

// ValidationError returns a generic validation error without exposing internal details
func ValidationError(c echo.Context, err error) error {
	log.Printf("[VALIDATION ERROR] Path: %s, Error: %v", c.Request().URL.Path, err)

	return c.JSON(http.StatusBadRequest, models.ErrorResponse{
		Error:   "validation_error",
		Message: "Invalid request data. Please check your input and try again.",
	})
}

// InternalError returns a generic internal server error
func InternalError(c echo.Context, err error) error {
	log.Printf("[INTERNAL ERROR] Path: %s, Error: %v", c.Request().URL.Path, err)

	return c.JSON(http.StatusInternalServerError, models.ErrorResponse{
		Error:   "internal_error",
		Message: "An internal error occurred. Please try again later.",
	})
}

// UnauthorizedError returns a generic unauthorized error
func UnauthorizedError(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, models.ErrorResponse{
		Error:   "unauthorized",
		Message: "You are not authorized to access this resource.",
	})
}

// ForbiddenError returns a generic forbidden error
func ForbiddenError(c echo.Context) error {
	return c.JSON(http.StatusForbidden, models.ErrorResponse{
		Error:   "forbidden",
		Message: "You do not have permission to perform this action.",
	})
}

// NotFoundError returns a generic not found error
func NotFoundError(c echo.Context) error {
	return c.JSON(http.StatusNotFound, models.ErrorResponse{
		Error:   "not_found",
		Message: "The requested resource was not found.",
	})
}
