package apidriver

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stats is a point-in-time snapshot of a driver's counters.
type Stats struct {
	// Requests counts logical requests passed to Execute.
	Requests uint64

	// Attempts counts round trips sent to the API.
	Attempts uint64

	// Retries counts retries, token refresh retries included.
	Retries uint64

	// Exhausted counts requests that spent the whole retry budget.
	Exhausted uint64

	// TokenExchanges counts completed access token exchanges.
	TokenExchanges uint64

	// TokenRefreshes counts exchanges forced by a rejected token.
	TokenRefreshes uint64
}

// counters backs Stats with lock-free counters.
type counters struct {
	requests       atomic.Uint64
	attempts       atomic.Uint64
	retries        atomic.Uint64
	exhausted      atomic.Uint64
	tokenExchanges atomic.Uint64
	tokenRefreshes atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Requests:       c.requests.Load(),
		Attempts:       c.attempts.Load(),
		Retries:        c.retries.Load(),
		Exhausted:      c.exhausted.Load(),
		TokenExchanges: c.tokenExchanges.Load(),
		TokenRefreshes: c.tokenRefreshes.Load(),
	}
}

// collector exposes a driver's Stats as Prometheus counters.
type collector struct {
	driver *Driver

	requests       *prometheus.Desc
	attempts       *prometheus.Desc
	retries        *prometheus.Desc
	exhausted      *prometheus.Desc
	tokenExchanges *prometheus.Desc
	tokenRefreshes *prometheus.Desc
}

// NewCollector returns a prometheus.Collector reading d's counters at scrape
// time. Register one collector per driver; the driver's service name is
// attached as the "client" const label.
//
// Example:
//
//	reg := prometheus.NewRegistry()
//	reg.MustRegister(apidriver.NewCollector(driver))
//	mux.Handle("/metrics", apidriver.PrometheusHandler(reg))
func NewCollector(d *Driver) prometheus.Collector {
	labels := prometheus.Labels{"client": d.cfg.ServiceName}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("eniris", "client", name), help, nil, labels)
	}

	return &collector{
		driver:         d,
		requests:       desc("requests_total", "Logical requests passed to the driver."),
		attempts:       desc("attempts_total", "Round trips sent to the Eniris API."),
		retries:        desc("retries_total", "Retried attempts, token refresh retries included."),
		exhausted:      desc("retry_exhausted_total", "Requests that spent the whole retry budget."),
		tokenExchanges: desc("token_exchanges_total", "Completed access token exchanges."),
		tokenRefreshes: desc("token_refreshes_total", "Token exchanges forced by a rejected token."),
	}
}

// Describe implements prometheus.Collector.
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.attempts
	ch <- c.retries
	ch <- c.exhausted
	ch <- c.tokenExchanges
	ch <- c.tokenRefreshes
}

// Collect implements prometheus.Collector.
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	s := c.driver.Stats()
	counter := func(desc *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
	}

	counter(c.requests, s.Requests)
	counter(c.attempts, s.Attempts)
	counter(c.retries, s.Retries)
	counter(c.exhausted, s.Exhausted)
	counter(c.tokenExchanges, s.TokenExchanges)
	counter(c.tokenRefreshes, s.TokenRefreshes)
}

// PrometheusHandler returns an http.Handler serving the metrics gathered by g
// in the Prometheus text format.
//
// Example:
//
//	mux.Handle("/metrics", apidriver.PrometheusHandler(reg))
func PrometheusHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
