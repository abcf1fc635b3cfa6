package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/cfa-appel-api/internal/models"
	appErrors "github.com/noah-isme/cfa-appel-api/pkg/errors"
	"github.com/noah-isme/cfa-appel-api/pkg/logger"
	"github.com/noah-isme/cfa-appel-api/pkg/response"
)

// ContextUserKey is the gin context key storing JWT claims.
const ContextUserKey = "currentUser"

type tokenValidator interface {
	ValidateToken(tokenString string) (*models.JWTClaims, error)
}

// JWT admits requests carrying a valid instructor or admin bearer token. The claims are
// stored under ContextUserKey and the user id is exposed to the access log.
func JWT(validator tokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			deny(c, `Bearer realm="cfa-appel"`, appErrors.Clone(appErrors.ErrUnauthorized, "missing or malformed bearer token"))
			return
		}

		claims, err := validator.ValidateToken(token)
		if err != nil {
			deny(c, `Bearer realm="cfa-appel", error="invalid_token"`, err)
			return
		}

		c.Set(ContextUserKey, claims)
		c.Set(logger.UserIDKey, claims.UserID)
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func deny(c *gin.Context, challenge string, err error) {
	c.Header("WWW-Authenticate", challenge)
	response.Error(c, err)
	c.Abort()
}
