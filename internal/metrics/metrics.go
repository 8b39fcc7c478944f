// Package metrics collects Prometheus metrics for dispatch and workers.
//
// Exposed on /metrics of the API and on worker.metrics_port of the worker:
//
//	jobrelay_jobs_enqueued_total{queue}          jobs accepted by the broker
//	jobrelay_enqueue_failures_total{queue}       enqueue calls that failed
//	jobrelay_jobs_completed_total{queue,status}  jobs that reached finished or failed
//	jobrelay_job_duration_seconds{queue}         callable run time
//	jobrelay_jobs_in_flight                      jobs currently running in this process
//	jobrelay_jobs_reaped_total{queue}            started jobs failed by the lease reaper
//
// A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "jobrelay"

// Collector holds the Prometheus metrics
type Collector struct {
	registry *prometheus.Registry

	jobsEnqueued    *prometheus.CounterVec
	enqueueFailures *prometheus.CounterVec
	jobsCompleted   *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	jobsInFlight    prometheus.Gauge
	jobsReaped      *prometheus.CounterVec
}

// NewCollector creates a collector on its own registry, including the Go
// runtime and process collectors
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewCollectorWith(reg)
}

// NewCollectorWith registers the job metrics on reg
func NewCollectorWith(reg *prometheus.Registry) *Collector {
	c := &Collector{
		registry: reg,
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Total number of jobs enqueued",
		}, []string{"queue"}),
		enqueueFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enqueue_failures_total",
			Help:      "Total number of enqueue calls that failed",
		}, []string{"queue"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs that reached a terminal status",
		}, []string{"queue", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job callable run time in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Current number of jobs running in this process",
		}),
		jobsReaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_reaped_total",
			Help:      "Total number of started jobs failed after their lease expired",
		}, []string{"queue"}),
	}

	reg.MustRegister(
		c.jobsEnqueued,
		c.enqueueFailures,
		c.jobsCompleted,
		c.jobDuration,
		c.jobsInFlight,
		c.jobsReaped,
	)

	return c
}

// RecordEnqueue records a job accepted by the broker
func (c *Collector) RecordEnqueue(queue string) {
	if c == nil {
		return
	}
	c.jobsEnqueued.WithLabelValues(queue).Inc()
}

// RecordEnqueueFailure records a failed enqueue
func (c *Collector) RecordEnqueueFailure(queue string) {
	if c == nil {
		return
	}
	c.enqueueFailures.WithLabelValues(queue).Inc()
}

// JobStarted increments the in-flight gauge
func (c *Collector) JobStarted() {
	if c == nil {
		return
	}
	c.jobsInFlight.Inc()
}

// RecordCompleted records a terminal job and its run time
func (c *Collector) RecordCompleted(queue, status string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.jobsInFlight.Dec()
	c.jobsCompleted.WithLabelValues(queue, status).Inc()
	c.jobDuration.WithLabelValues(queue).Observe(elapsed.Seconds())
}

// RecordReaped records jobs failed by the lease reaper
func (c *Collector) RecordReaped(queue string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.jobsReaped.WithLabelValues(queue).Add(float64(n))
}

// Handler returns the HTTP handler serving the registry
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
