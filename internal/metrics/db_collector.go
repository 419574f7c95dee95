package metrics

import "github.com/prometheus/client_golang/prometheus"

// PoolStats is a point-in-time view of a connection pool.
type PoolStats struct {
	Total    int
	Idle     int
	Acquired int
}

// DBPoolStatFunc reports pool statistics. It keeps pgxpool and database/sql
// out of this package.
type DBPoolStatFunc func() PoolStats

type dbPoolCollector struct {
	statFunc DBPoolStatFunc

	totalDesc    *prometheus.Desc
	idleDesc     *prometheus.Desc
	acquiredDesc *prometheus.Desc
}

// NewDBPoolCollector exposes pool gauges labelled with the storage backend
// (postgres or sqlite).
func NewDBPoolCollector(backend string, statFunc DBPoolStatFunc) prometheus.Collector {
	labels := prometheus.Labels{"backend": backend}
	return &dbPoolCollector{
		statFunc: statFunc,
		totalDesc: prometheus.NewDesc(
			"x402gate_db_pool_total_conns",
			"Total number of connections in the DB pool.",
			nil, labels,
		),
		idleDesc: prometheus.NewDesc(
			"x402gate_db_pool_idle_conns",
			"Number of idle connections in the DB pool.",
			nil, labels,
		),
		acquiredDesc: prometheus.NewDesc(
			"x402gate_db_pool_acquired_conns",
			"Number of acquired connections in the DB pool.",
			nil, labels,
		),
	}
}

func (c *dbPoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalDesc
	ch <- c.idleDesc
	ch <- c.acquiredDesc
}

func (c *dbPoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.statFunc()
	ch <- prometheus.MustNewConstMetric(c.totalDesc, prometheus.GaugeValue, float64(s.Total))
	ch <- prometheus.MustNewConstMetric(c.idleDesc, prometheus.GaugeValue, float64(s.Idle))
	ch <- prometheus.MustNewConstMetric(c.acquiredDesc, prometheus.GaugeValue, float64(s.Acquired))
}
