package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func HealthCheckEndpoint(c *gin.Context) {
	c.Data(http.StatusNoContent, gin.MIMEJSON, nil)
}

// PingEndpoint answers liveness probes that expect a body.
func PingEndpoint(c *gin.Context) {
	c.String(http.StatusOK, "pong")
}
