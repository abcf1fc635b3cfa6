package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/cfa-appel-api/pkg/csrf"
	appErrors "github.com/noah-isme/cfa-appel-api/pkg/errors"
	"github.com/noah-isme/cfa-appel-api/pkg/response"
)

type csrfValidator interface {
	Validate(scope, token string) error
}

// ScopeFunc derives the CSRF scope a request must be bound to.
type ScopeFunc func(c *gin.Context) string

// SessionParamScope binds the token to the class session in the :id parameter.
func SessionParamScope(c *gin.Context) string { return csrf.SessionScope(c.Param("id")) }

// AppelParamScope binds the token to the roll-call in the :id parameter.
func AppelParamScope(c *gin.Context) string { return csrf.AppelScope(c.Param("id")) }

// CSRF rejects requests whose X-CSRF-Token header does not match the scope.
func CSRF(validator csrfValidator, scope ScopeFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := validator.Validate(scope(c), c.GetHeader(csrf.HeaderName)); err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrCSRF.Code, appErrors.ErrCSRF.Status, appErrors.ErrCSRF.Message))
			c.Abort()
			return
		}
		c.Next()
	}
}
