// Package metrics exposes the stats collector's aggregates as
// Prometheus metrics, scraped on demand rather than pushed, so a
// slow scraper never adds work to the relay's hot path.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mevdschee/pgprobe/relay"
)

var latencyBucketLabels = [6]string{"lt_1ms", "1_5ms", "5_10ms", "10_50ms", "50_100ms", "gte_100ms"}

// Collector adapts a relay.Relay's stats snapshot to the
// prometheus.Collector interface. Registering one Collector per
// process is enough; Collect is called once per scrape.
type Collector struct {
	relay *relay.Relay

	queriesTotal   *prometheus.Desc
	errorsTotal    *prometheus.Desc
	activeConns    *prometheus.Desc
	latencyBuckets *prometheus.Desc
	qps            *prometheus.Desc
	topQueryTotal  *prometheus.Desc
}

// NewCollector returns a Collector reading from r. Call
// prometheus.MustRegister on the result once.
func NewCollector(r *relay.Relay) *Collector {
	return &Collector{
		relay: r,
		queriesTotal: prometheus.NewDesc(
			"pgprobe_queries_total", "Total queries observed across all connections.", nil, nil),
		errorsTotal: prometheus.NewDesc(
			"pgprobe_query_errors_total", "Total ErrorResponse messages observed.", nil, nil),
		activeConns: prometheus.NewDesc(
			"pgprobe_active_connections", "Currently open client connections.", nil, nil),
		latencyBuckets: prometheus.NewDesc(
			"pgprobe_latency_bucket_total", "Completed queries falling in each latency bucket.", []string{"bucket"}, nil),
		qps: prometheus.NewDesc(
			"pgprobe_queries_per_second", "Completed queries in the trailing one-second window.", nil, nil),
		topQueryTotal: prometheus.NewDesc(
			"pgprobe_query_duration_seconds_total", "Cumulative duration spent in each of the ten fingerprinted query shapes with the largest total.", []string{"fingerprint_class"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queriesTotal
	ch <- c.errorsTotal
	ch <- c.activeConns
	ch <- c.latencyBuckets
	ch <- c.qps
	ch <- c.topQueryTotal
}

// Collect implements prometheus.Collector, pulling one Snapshot from
// the relay's stats goroutine per scrape.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.relay.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.queriesTotal, prometheus.CounterValue, float64(snap.TotalQueries))
	ch <- prometheus.MustNewConstMetric(c.errorsTotal, prometheus.CounterValue, float64(snap.TotalErrors))
	ch <- prometheus.MustNewConstMetric(c.activeConns, prometheus.GaugeValue, float64(snap.ActiveConns))
	ch <- prometheus.MustNewConstMetric(c.qps, prometheus.GaugeValue, float64(snap.QPS))

	for i, label := range latencyBucketLabels {
		ch <- prometheus.MustNewConstMetric(c.latencyBuckets, prometheus.CounterValue, float64(snap.LatencyBuckets[i]), label)
	}
	for _, agg := range snap.TopQueries {
		ch <- prometheus.MustNewConstMetric(c.topQueryTotal, prometheus.CounterValue, agg.Total.Seconds(), agg.Fingerprint)
	}
}

// Register wires up a Collector for r and returns it; callers
// typically discard the return value and just mount Handler.
func Register(r *relay.Relay) *Collector {
	c := NewCollector(r)
	prometheus.MustRegister(c)
	return c
}

// Handler returns the Prometheus HTTP scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
