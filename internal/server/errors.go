package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	billrundomain "github.com/wrls/tariff-engine/internal/billrun/domain"
	reviewdomain "github.com/wrls/tariff-engine/internal/review/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v *ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type        string            `json:"type"`
	Message     string            `json:"message"`
	Errors      []ValidationError `json:"errors,omitempty"`
	LicenceRefs []string          `json:"licenceRefs,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var blocking *billrundomain.BlockingIssuesError
	if errors.As(err, &blocking) {
		return http.StatusConflict, errorPayload{
			Type:        "licences_not_ready",
			Message:     "bill run has licences blocking generation",
			LicenceRefs: blocking.LicenceRefs,
		}
	}

	var upstream *billrundomain.UpstreamChargingError
	if errors.As(err, &upstream) {
		return http.StatusBadGateway, errorPayload{
			Type:    "charging_failed",
			Message: "charging module failed",
		}
	}

	switch {
	case errors.Is(err, billrundomain.ErrInvalidBatchType),
		errors.Is(err, billrundomain.ErrInvalidRegion):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case errors.Is(err, billrundomain.ErrBillRunNotFound),
		errors.Is(err, reviewdomain.ErrReviewLicenceNotFound),
		errors.Is(err, reviewdomain.ErrReviewEntityNotFound),
		errors.Is(err, reviewdomain.ErrNoReviewReturns),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, billrundomain.ErrActiveRunExists),
		errors.Is(err, billrundomain.ErrRunAlreadySent),
		errors.Is(err, billrundomain.ErrRunNotProcessable),
		errors.Is(err, billrundomain.ErrRunNotGeneratable),
		errors.Is(err, reviewdomain.ErrBillRunImmutable):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}
