package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/cfa-appel-api/internal/middleware"
	"github.com/noah-isme/cfa-appel-api/internal/models"
	"github.com/noah-isme/cfa-appel-api/internal/service"
)

func claimsFromContext(c *gin.Context) *models.JWTClaims {
	value, exists := c.Get(middleware.ContextUserKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*models.JWTClaims)
	if !ok {
		return nil
	}
	return claims
}

// actorFromContext builds the service actor from the JWT claims and request metadata.
func actorFromContext(c *gin.Context) (service.Actor, bool) {
	claims := claimsFromContext(c)
	if claims == nil {
		return service.Actor{}, false
	}
	return service.Actor{
		UserID:    claims.UserID,
		Role:      claims.Role,
		IP:        c.ClientIP(),
		UserAgent: c.GetHeader("User-Agent"),
	}, true
}

func parseQueryInt(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return val
}
