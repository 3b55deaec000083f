package auth

import (
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
)

const RoleKey = "role"

// TokenFromRequest extracts a bearer token from the Authorization header or,
// for browser websockets that cannot set headers, the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Middleware rejects requests whose token does not carry one of roles. With
// no credential configured every request passes.
func (i *Issuer) Middleware(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !i.Enabled() {
			c.Next()
			return
		}

		role, err := i.Authenticate(TokenFromRequest(c.Request))
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or missing token",
			})
			c.Abort()
			return
		}

		if len(roles) > 0 && !slices.Contains(roles, role) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":    "insufficient permissions",
				"required": strings.Join(roles, ","),
			})
			c.Abort()
			return
		}

		c.Set(RoleKey, role)
		c.Next()
	}
}
