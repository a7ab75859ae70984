package middleware

import (
	"github.com/gin-gonic/gin"
)

const (
	// RequestUserHeader is set by the front-end proxy for audit logging.
	RequestUserHeader = "x-request-user"

	// Context keys
	RequestUserKey = "request-user"
)

// CORSMiddleware allows the front-end to call the API from another origin.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+RequestUserHeader)

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// IdentityMiddleware extracts the request user from the proxy header and
// stores it in the request context for audit logging.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := c.GetHeader(RequestUserHeader)
		if user == "" {
			user = "anonymous"
		}
		c.Set(RequestUserKey, user)
		c.Next()
	}
}

// GetRequestUser retrieves the request user from the Gin context.
func GetRequestUser(c *gin.Context) string {
	user, exists := c.Get(RequestUserKey)
	if !exists {
		return "anonymous"
	}
	return user.(string)
}
