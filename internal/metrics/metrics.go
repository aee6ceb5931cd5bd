// Package metrics collects Prometheus metrics for the evaluation system and
// exposes them over HTTP. Every Collector owns a private registry so tests
// can build as many as they like.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the system's metric instruments. It satisfies the rpc
// substrate's Stats interface, so one Collector observes both the transport
// and the scheduler.
type Collector struct {
	registry *prometheus.Registry

	rpcRequests *prometheus.CounterVec
	rpcServed   *prometheus.CounterVec
	reconnects  prometheus.Counter

	jobsEnqueued  prometheus.Counter
	jobsRequeued  prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobDuration   prometheus.Histogram

	queueLength prometheus.Gauge
	workersBusy prometheus.Gauge
}

// NewCollector builds and registers all instruments.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cms_rpc_requests_total",
			Help: "Total number of RPC requests issued, by method",
		}, []string{"method"}),
		rpcServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cms_rpc_served_total",
			Help: "Total number of RPC requests served, by method and outcome",
		}, []string{"method", "outcome"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cms_rpc_reconnects_total",
			Help: "Total number of successful reconnections to remote services",
		}),
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cms_jobs_enqueued_total",
			Help: "Total number of jobs pushed onto the scheduling queue",
		}),
		jobsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cms_jobs_requeued_total",
			Help: "Total number of jobs pushed back for retry after a failure",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cms_jobs_completed_total",
			Help: "Total number of jobs that finished, by action and outcome",
		}, []string{"action", "outcome"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cms_job_duration_seconds",
			Help:    "Wall time from dispatch to completion callback",
			Buckets: prometheus.DefBuckets,
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cms_queue_length",
			Help: "Current number of jobs waiting in the scheduling queue",
		}),
		workersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cms_workers_busy",
			Help: "Current number of workers with a job assigned",
		}),
	}
	c.registry.MustRegister(
		c.rpcRequests, c.rpcServed, c.reconnects,
		c.jobsEnqueued, c.jobsRequeued, c.jobsCompleted, c.jobDuration,
		c.queueLength, c.workersBusy,
	)
	return c
}

// Handler serves the collector's registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RPCRequest counts an issued RPC request.
func (c *Collector) RPCRequest(method string) {
	c.rpcRequests.WithLabelValues(method).Inc()
}

// RPCServed counts a served RPC request.
func (c *Collector) RPCServed(method string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.rpcServed.WithLabelValues(method, outcome).Inc()
}

// Reconnect counts a successful reconnection.
func (c *Collector) Reconnect() {
	c.reconnects.Inc()
}

// JobEnqueued counts a job entering the queue.
func (c *Collector) JobEnqueued() {
	c.jobsEnqueued.Inc()
}

// JobRequeued counts a job going back for retry.
func (c *Collector) JobRequeued() {
	c.jobsRequeued.Inc()
}

// JobCompleted records a finished job and its duration.
func (c *Collector) JobCompleted(action string, success bool, seconds float64) {
	outcome := "ok"
	if !success {
		outcome = "fail"
	}
	c.jobsCompleted.WithLabelValues(action, outcome).Inc()
	c.jobDuration.Observe(seconds)
}

// SetQueueLength updates the queue length gauge.
func (c *Collector) SetQueueLength(n int) {
	c.queueLength.Set(float64(n))
}

// SetWorkersBusy updates the busy workers gauge.
func (c *Collector) SetWorkersBusy(n int) {
	c.workersBusy.Set(float64(n))
}
