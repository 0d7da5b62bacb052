package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/esocialgw/internal/compliance/domain"
	"github.com/smallbiznis/esocialgw/internal/secretstore"
	"github.com/smallbiznis/esocialgw/internal/signer"
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

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

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

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
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
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    conflictType(err),
			Message: conflictMessage(err),
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many submissions for this company",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, secretstore.ErrSecretUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// pipelineStatus maps a failed submission to the response status. Retryable
// failures are reported as temporarily unavailable.
func pipelineStatus(pipelineErr *domain.PipelineError) int {
	switch {
	case pipelineErr.Retryable:
		return http.StatusServiceUnavailable
	case pipelineErr.Kind == domain.KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusUnprocessableEntity
	}
}

// classifyErrorForLog returns the error type and code written to the request log.
func classifyErrorForLog(err error) (string, string) {
	var pipelineErr *domain.PipelineError
	if errors.As(err, &pipelineErr) {
		return "pipeline_error", string(pipelineErr.Kind)
	}
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, secretstore.ErrInvalidSecret),
		errors.Is(err, secretstore.ErrInvalidCompany),
		errors.Is(err, signer.ErrInvalidCredential):
		return true
	case isComplianceValidationError(err):
		return true
	default:
		return false
	}
}

func isComplianceValidationError(err error) bool {
	switch err {
	case domain.ErrInvalidEventID,
		domain.ErrInvalidEventType,
		domain.ErrInvalidCompany,
		domain.ErrInvalidSubject,
		domain.ErrInvalidReferenceDate,
		domain.ErrInvalidPayload:
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, domain.ErrEventNotEditable),
		errors.Is(err, domain.ErrRequeryNotAllowed),
		errors.Is(err, domain.ErrSubmissionInProgress),
		errors.Is(err, domain.ErrResubmitNotAllowed),
		errors.Is(err, domain.ErrXMLUnavailable),
		errors.Is(err, domain.ErrReceiptUnavailable),
		errors.Is(err, domain.ErrDuplicateEvent):
		return true
	default:
		return false
	}
}

func conflictType(err error) string {
	for _, known := range []error{
		domain.ErrEventNotEditable,
		domain.ErrRequeryNotAllowed,
		domain.ErrSubmissionInProgress,
		domain.ErrResubmitNotAllowed,
		domain.ErrXMLUnavailable,
		domain.ErrReceiptUnavailable,
		domain.ErrDuplicateEvent,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "conflict"
}

func conflictMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrEventNotEditable):
		return "payload can only be changed before the batch is accepted for processing"
	case errors.Is(err, domain.ErrRequeryNotAllowed):
		return "only events whose status polling timed out can be re-queried"
	case errors.Is(err, domain.ErrSubmissionInProgress):
		return "a submission for this event is already in progress"
	case errors.Is(err, domain.ErrResubmitNotAllowed):
		return "the submitted batch may still be processed; re-query its status instead"
	case errors.Is(err, domain.ErrXMLUnavailable):
		return "the event has not been signed yet"
	case errors.Is(err, domain.ErrReceiptUnavailable):
		return "the event has no receipt yet"
	case errors.Is(err, domain.ErrDuplicateEvent):
		return "the event already exists"
	default:
		return "conflict"
	}
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, secretstore.ErrInvalidSecret),
		errors.Is(err, signer.ErrInvalidCredential):
		return "invalid_credential"
	case errors.Is(err, secretstore.ErrInvalidCompany):
		return "invalid_company"
	default:
		return err.Error()
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "invalid_company":
		return "company_id must be a 14 digit CNPJ"
	case "invalid_subject":
		return "subject_id must be an 11 digit CPF"
	case "invalid_reference_date":
		return "reference_date must be formatted as YYYY-MM-DD"
	case "invalid_payload":
		return "payload must be a JSON object"
	case "invalid_credential":
		return "certificate bundle could not be opened with the given password"
	default:
		return "invalid value"
	}
}
