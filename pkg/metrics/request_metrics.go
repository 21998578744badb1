// Trimmed down from https://github.com/zsais/go-gin-prometheus/blob/master/middleware.go, all props
// goes to @zsais

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var reqCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "http_requests_total",
	Help: "How many HTTP requests processed, partitioned by status code, HTTP method and route",
}, []string{"code", "method", "route"})

var reqDur = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Name: "http_request_duration_seconds",
	Help: "The HTTP request latencies in seconds",
	// Proxy responses stream whole media files, so the tail is long
	Buckets: []float64{.005, .025, .1, .5, 1, 5, 30, 120, 600},
}, []string{"code", "method", "route"})

var respSize = prometheus.NewSummary(prometheus.SummaryOpts{
	Name: "http_response_size_bytes",
	Help: "The HTTP response sizes in bytes",
})

var reqSize = prometheus.NewSummary(prometheus.SummaryOpts{
	Name: "http_request_size_bytes",
	Help: "The HTTP request sizes in bytes",
})

// route labels by the matched route, never the raw path, which carries the proxied URL.
func route(c *gin.Context) string {
	if fullPath := c.FullPath(); fullPath != "" {
		return fullPath
	}
	return "unmatched"
}

func PromReqMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqSz := float64(computeApproximateRequestSize(c.Request))

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		elapsed := time.Since(start).Seconds()
		resSz := float64(c.Writer.Size())

		reqDur.WithLabelValues(status, c.Request.Method, route(c)).Observe(elapsed)
		reqCount.WithLabelValues(status, c.Request.Method, route(c)).Inc()
		reqSize.Observe(reqSz)
		if resSz > 0 {
			respSize.Observe(resSz)
		}
	}
}

func computeApproximateRequestSize(r *http.Request) int {
	s := 0
	if r.URL != nil {
		s = len(r.URL.Path) + len(r.URL.RawQuery)
	}

	s += len(r.Method)
	s += len(r.Proto)
	for name, values := range r.Header {
		s += len(name)
		for _, value := range values {
			s += len(value)
		}
	}
	s += len(r.Host)

	if r.ContentLength > 0 {
		s += int(r.ContentLength)
	}
	return s
}
