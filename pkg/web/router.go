package web

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/terrycain/media-cache-server/pkg/metrics"
)

func GetRouter(ctx context.Context, metricsListenAddress string, webHandler *Handlers, withMetrics bool) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), GinLogger())
	if withMetrics {
		router.Use(metrics.PromReqMiddleware())
		go func() {
			if err := metrics.Server(ctx, metricsListenAddress); err != nil {
				log.Error().Err(err).Msg("Caught error listening for metrics")
			}
		}()
	}
	router.Use(XForwarded("http"))

	router.GET("/healthz", HealthCheckEndpoint)
	router.GET("/ping", PingEndpoint)

	cacheGroup := router.Group("/")
	if webHandler.JWKS != nil {
		cacheGroup.Use(webHandler.AuthRequired())
	}
	cacheGroup.GET("/proxy", webHandler.Proxy)
	cacheGroup.HEAD("/proxy", webHandler.Proxy)
	cacheGroup.GET("/status", webHandler.Status)
	cacheGroup.DELETE("/cache", webHandler.Remove)

	return router
}
