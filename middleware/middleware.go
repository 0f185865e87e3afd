package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Recovery keeps a handler panic from taking the whole gateway down.
func Recovery() gin.HandlerFunc {
	return gin.Recovery()
}

// CORS is permissive on purpose; the websocket upgrade does its own
// origin decision and tokens gate everything that matters.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
