package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// Context keys for operator data
	ContextKeyOperator = "operator"
	ContextKeyRole     = "operator_role"
	ContextKeyClaims   = "operator_claims"
)

// Middleware creates a JWT authentication middleware
func Middleware(jwtManager *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			// browsers cannot set headers on websocket upgrades
			tokenString = c.Query("token")
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   ErrUnauthorized.Code,
				"message": "missing authorization header",
			})
			return
		}

		claims, err := jwtManager.ValidateAccessToken(tokenString)
		if err != nil {
			authErr, ok := err.(AuthError)
			if !ok {
				authErr = ErrInvalidToken
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   authErr.Code,
				"message": authErr.Message,
			})
			return
		}

		c.Set(ContextKeyOperator, claims.Operator)
		c.Set(ContextKeyRole, claims.Role)
		c.Set(ContextKeyClaims, claims)

		c.Next()
	}
}

// Passthrough marks every request as an admin. Used when auth is disabled.
func Passthrough() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ContextKeyOperator, "local")
		c.Set(ContextKeyRole, RoleAdmin)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", false
	}
	return parts[1], true
}

// RequireRole ensures the caller holds at least the given role
func RequireRole(required Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !GetRole(c).Allows(required) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   ErrForbidden.Code,
				"message": string(required) + " role required",
			})
			return
		}
		c.Next()
	}
}

// GetOperator returns the operator name from context
func GetOperator(c *gin.Context) string {
	return c.GetString(ContextKeyOperator)
}

// GetRole returns the operator role from context
func GetRole(c *gin.Context) Role {
	if v, ok := c.Get(ContextKeyRole); ok {
		if r, ok := v.(Role); ok {
			return r
		}
	}
	return ""
}

// GetClaims returns the full claims from context
func GetClaims(c *gin.Context) *OperatorClaims {
	if v, ok := c.Get(ContextKeyClaims); ok {
		if claims, ok := v.(*OperatorClaims); ok {
			return claims
		}
	}
	return nil
}
