package api

import (
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/immunolab/immunolab-server/internal/domain"
	"github.com/immunolab/immunolab-server/internal/middleware"
	"github.com/immunolab/immunolab-server/pkg/refrange"
)

// validationResponse is an APIError with the guideline issues that caused it.
type validationResponse struct {
	*domain.APIError
	Issues []refrange.Issue `json:"issues"`
}

// respondError maps service errors onto APIError responses.
func (s *Server) respondError(c *gin.Context, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		middleware.Abort(c, http.StatusBadRequest, domain.ErrCodeValidation, verr.Message, verr.Field)
	case errors.Is(err, domain.ErrNotFound):
		middleware.Abort(c, http.StatusNotFound, domain.ErrCodeNotFound, "Resource not found", err.Error())
	case errors.Is(err, domain.ErrConflict):
		middleware.Abort(c, http.StatusConflict, domain.ErrCodeConflict, "Resource already exists", err.Error())
	case errors.Is(err, domain.ErrForbidden):
		middleware.Abort(c, http.StatusForbidden, domain.ErrCodeForbidden, "Access denied", "")
	default:
		s.logger.WithFields(logrus.Fields{
			"correlation_id": c.GetString(middleware.CorrelationIDKey),
			"path":           c.FullPath(),
			"error":          err,
		}).Error("Request failed")
		middleware.Abort(c, http.StatusInternalServerError, domain.ErrCodeInternalServer, "Internal server error", "")
	}
	_ = c.Error(err)
}

// respondBindError reports a malformed request body or a failed binding rule.
func respondBindError(c *gin.Context, err error) {
	var verr *domain.ValidationError
	if errors.As(domain.FromValidationErrors(err), &verr) {
		middleware.Abort(c, http.StatusBadRequest, domain.ErrCodeValidation, verr.Message, verr.Field)
		return
	}
	middleware.Abort(c, http.StatusBadRequest, domain.ErrCodeInvalidInput, "Invalid request body", err.Error())
}

var registerFieldNames sync.Once

// useJSONFieldNames makes binding errors name fields as they appear on the wire.
func useJSONFieldNames() {
	registerFieldNames.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			v.RegisterTagNameFunc(domain.JSONFieldName)
		}
	})
}

// respondReport reports a guideline that failed validation.
func respondReport(c *gin.Context, report refrange.Report, err error) {
	var verr *domain.ValidationError
	field := ""
	if errors.As(err, &verr) {
		field = verr.Field
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, validationResponse{
		APIError: domain.NewAPIError(domain.ErrCodeValidation, "Guideline is invalid", field, c.GetString(middleware.CorrelationIDKey)),
		Issues:   report.Issues,
	})
}
