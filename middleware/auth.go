package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"knowledge-engine/internal/auth"
	"knowledge-engine/internal/logger"
	"knowledge-engine/utils"
)

type AuthMiddleware struct {
	tokens *auth.Tokens
}

func NewAuthMiddleware(tokens *auth.Tokens) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens}
}

// RequireTenant validates the bearer token and requires its tenant claim to
// match the :tenant_id path parameter
func (a *AuthMiddleware) RequireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := ExtractBearer(c.GetHeader("Authorization"))
		if tokenString == "" {
			utils.RespondWithUnauthorized(c, "Authentication token is required")
			c.Abort()
			return
		}

		claims, err := a.tokens.Validate(c.Request.Context(), tokenString)
		if err != nil {
			if !errors.Is(err, auth.ErrInvalidToken) && !errors.Is(err, auth.ErrRevoked) {
				logger.Warn("Token validation failed", "request_id", GetRequestID(c), "error", err)
			}
			utils.RespondWithUnauthorized(c, "Invalid or expired token")
			c.Abort()
			return
		}

		if pathTenant := c.Param("tenant_id"); pathTenant != "" && pathTenant != claims.TenantID {
			utils.RespondWithForbidden(c, "Token is not valid for this tenant")
			c.Abort()
			return
		}

		c.Set("tenant_id", claims.TenantID)
		c.Set("claims", claims)
		c.Next()
	}
}

// ExtractBearer returns the token of a "Bearer <token>" header value
func ExtractBearer(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// GetTenantID returns the authenticated tenant
func GetTenantID(c *gin.Context) string {
	return c.GetString("tenant_id")
}
