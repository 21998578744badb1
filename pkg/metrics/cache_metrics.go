package metrics

import "github.com/prometheus/client_golang/prometheus"

var Classifications = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "media_cache_requests_total",
	Help: "Byte range requests by how much of the range was already cached",
}, []string{"result"})

var ContentInfoRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "media_cache_content_info_total",
	Help: "Content information requests, answered from cache or by an origin probe",
}, []string{"source"})

var ServedBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "media_cache_served_bytes_total",
	Help: "Bytes handed to callers, partitioned by whether a running fetch produced them",
}, []string{"source"})

var Fetches = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "media_cache_fetches_total",
	Help: "Finished origin fetches by outcome",
}, []string{"outcome"})

var FetchedBytes = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "media_cache_fetched_bytes_total",
	Help: "Bytes fetched from origins and written to the cache",
})

var FetchesInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "media_cache_fetches_in_flight",
	Help: "Origin fetches currently running",
})

var FetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Name:    "media_cache_fetch_duration_seconds",
	Help:    "Wall time of origin fetches",
	Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
})

func init() {
	prometheus.MustRegister(Classifications, ContentInfoRequests, ServedBytes, Fetches, FetchedBytes, FetchesInFlight, FetchDuration)
	prometheus.MustRegister(reqCount, reqDur, respSize, reqSize)
}
