package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourdreams-academy/academy-sync/pkg/response"
)

// ControlToken rejects requests that do not carry token as a bearer token. An empty
// token disables the check. WebSocket clients may pass it as ?token= instead.
func ControlToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got := c.Query("token")
		if header := c.GetHeader("Authorization"); header != "" {
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, response.Body{Error: "invalid authorization header"})
				return
			}
			got = parts[1]
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.Body{Error: "invalid or missing control token"})
			return
		}
		c.Next()
	}
}
