package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/immunolab/immunolab-server/internal/domain"
)

// Abort stops the chain and writes an APIError body.
func Abort(c *gin.Context, status int, code, message, details string) {
	c.AbortWithStatusJSON(status, domain.NewAPIError(code, message, details, c.GetString(CorrelationIDKey)))
}
