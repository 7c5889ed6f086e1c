// Package metrics mirrors the dashboard counters as Prometheus series,
// registered against a private registry rather than the global default.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the proxy's Prometheus series.
type Collector struct {
	Registry *prometheus.Registry

	TotalRequests    prometheus.Counter
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	Blocked          prometheus.Counter
	RateLimited      prometheus.Counter
	ActiveConns      prometheus.Gauge
}

// New builds a Collector with all series registered against a fresh
// registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		TotalRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_total_requests",
			Help: "Total number of proxied requests handled.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_cache_hits_total",
			Help: "Total number of requests served from cache.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_cache_misses_total",
			Help: "Total number of requests forwarded to the origin due to a cache miss or expiry.",
		}),
		Blocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_blocked_total",
			Help: "Total number of requests rejected by the host blacklist.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter.",
		}),
		ActiveConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_active_connections",
			Help: "Number of currently open client connections.",
		}),
	}

	reg.MustRegister(
		c.TotalRequests,
		c.CacheHits,
		c.CacheMisses,
		c.Blocked,
		c.RateLimited,
		c.ActiveConns,
	)

	return c
}
