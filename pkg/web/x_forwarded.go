package web

import "github.com/gin-gonic/gin"

// XForwarded makes the request URL reflect what the client used when the proxy sits behind a
// reverse proxy, so generated proxy URLs point back through it.
func XForwarded(defaultScheme string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.URL.Scheme = defaultScheme
		if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
			c.Request.URL.Scheme = proto
		}
		if host := c.GetHeader("X-Forwarded-Host"); host != "" {
			c.Request.Host = host
		}

		c.Next()
	}
}
