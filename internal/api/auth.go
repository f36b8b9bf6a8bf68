package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/dgrijalva/jwt-go"
	"github.com/gin-gonic/gin"
)

// Context keys set by the auth middleware.
const (
	ctxOrgID = "org_id"
	ctxRole  = "role"
)

// AuthMiddleware validates the bearer token and stores the caller's
// organization and role on the request context.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			c.Abort()
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			c.Abort()
			return
		}

		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if orgID, ok := claims["org_id"].(float64); ok {
				c.Set(ctxOrgID, uint(orgID))
			}
			if role, ok := claims["role"].(string); ok {
				c.Set(ctxRole, role)
			}
		}
		c.Next()
	}
}

// RequireRole rejects callers whose token does not carry the role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ctxRole) != role {
			c.JSON(http.StatusForbidden, gin.H{"error": fmt.Sprintf("%s role required", role)})
			c.Abort()
			return
		}
		c.Next()
	}
}

// callerOrg returns the organization from the token, falling back to
// the request body's organization field.
func callerOrg(c *gin.Context, bodyOrg uint) uint {
	if orgID := c.GetUint(ctxOrgID); orgID != 0 {
		return orgID
	}
	return bodyOrg
}
