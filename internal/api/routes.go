package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

func RegisterRoutes(r *gin.Engine, d Deps) *Handler {
	h := &Handler{deps: d, started: time.Now()}

	r.GET("/health", h.Health)

	authed := r.Group("/", AuthMiddleware(d.Token))
	{
		authed.GET("/status", h.Status)
		authed.GET("/classes/:faculty/:class", h.GetClass)
		authed.GET("/classes/:faculty/:class/assignments/:assignment/results", h.ListResults)
	}
	return h
}

// AuthMiddleware checks the Bearer token. An empty token lets every request
// through.
func AuthMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing API token"})
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(raw), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API token"})
			return
		}
		c.Next()
	}
}
