package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DispatcherCollector exposes the dispatcher's worker-fleet and job-throughput
// state for Prometheus scraping.
type DispatcherCollector struct {
	workersAlive prometheus.Gauge
	workersDead  prometheus.Gauge

	jobsStarted     prometheus.Counter
	jobsCompleted   prometheus.Counter
	jobsErrored     prometheus.Counter
	jobsReassigned  prometheus.Counter
	jobDispatchLost prometheus.Counter

	jobLatency  prometheus.Histogram
	batchSize   prometheus.Gauge
	batchNumber prometheus.Gauge
}

// NewDispatcherCollector creates and registers the dispatcher's metrics.
func NewDispatcherCollector() *DispatcherCollector {
	c := &DispatcherCollector{
		workersAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "convoy_dispatcher_workers_alive",
			Help: "Current number of workers considered alive",
		}),
		workersDead: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "convoy_dispatcher_workers_dead",
			Help: "Current number of workers marked dead this run",
		}),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convoy_dispatcher_jobs_started_total",
			Help: "Total number of jobs successfully assigned to a worker",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convoy_dispatcher_jobs_completed_total",
			Help: "Total number of jobs that reported images_ready",
		}),
		jobsErrored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convoy_dispatcher_jobs_errored_total",
			Help: "Total number of jobs that reported job_error",
		}),
		jobsReassigned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convoy_dispatcher_jobs_reassigned_total",
			Help: "Total number of jobs reassigned after a worker death",
		}),
		jobDispatchLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convoy_dispatcher_jobs_dispatch_lost_total",
			Help: "Total number of jobs from a dead worker that could not be reassigned",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "convoy_dispatcher_job_latency_seconds",
			Help:    "Time from job assignment to images_ready",
			Buckets: prometheus.DefBuckets,
		}),
		batchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "convoy_dispatcher_batch_total_jobs",
			Help: "Expected job count of the current batch",
		}),
		batchNumber: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "convoy_dispatcher_batch_id",
			Help: "Current batch id",
		}),
	}

	prometheus.MustRegister(
		c.workersAlive, c.workersDead,
		c.jobsStarted, c.jobsCompleted, c.jobsErrored, c.jobsReassigned, c.jobDispatchLost,
		c.jobLatency, c.batchSize, c.batchNumber,
	)

	return c
}

func (c *DispatcherCollector) SetWorkerCounts(alive, dead int) {
	c.workersAlive.Set(float64(alive))
	c.workersDead.Set(float64(dead))
}

func (c *DispatcherCollector) RecordJobStarted()    { c.jobsStarted.Inc() }
func (c *DispatcherCollector) RecordJobCompleted(latencySeconds float64) {
	c.jobsCompleted.Inc()
	c.jobLatency.Observe(latencySeconds)
}
func (c *DispatcherCollector) RecordJobErrored()       { c.jobsErrored.Inc() }
func (c *DispatcherCollector) RecordJobReassigned()    { c.jobsReassigned.Inc() }
func (c *DispatcherCollector) RecordJobDispatchLost()  { c.jobDispatchLost.Inc() }
func (c *DispatcherCollector) SetBatch(batchID, total int) {
	c.batchNumber.Set(float64(batchID))
	c.batchSize.Set(float64(total))
}

// WorkerCollector exposes a single worker's job-processing throughput.
type WorkerCollector struct {
	jobsProcessed prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsAbandoned prometheus.Counter
	convertTime   prometheus.Histogram
}

// NewWorkerCollector creates and registers a worker's metrics.
func NewWorkerCollector() *WorkerCollector {
	c := &WorkerCollector{
		jobsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convoy_worker_jobs_processed_total",
			Help: "Total number of jobs converted and shipped back to the dispatcher",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convoy_worker_jobs_failed_total",
			Help: "Total number of jobs reported to the dispatcher as job_error",
		}),
		jobsAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convoy_worker_jobs_abandoned_total",
			Help: "Total number of jobs abandoned due to shutdown",
		}),
		convertTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "convoy_worker_convert_seconds",
			Help:    "Time spent inside the converter per job",
			Buckets: prometheus.DefBuckets,
		}),
	}

	prometheus.MustRegister(c.jobsProcessed, c.jobsFailed, c.jobsAbandoned, c.convertTime)

	return c
}

func (c *WorkerCollector) RecordProcessed(seconds float64) {
	c.jobsProcessed.Inc()
	c.convertTime.Observe(seconds)
}
func (c *WorkerCollector) RecordFailed()    { c.jobsFailed.Inc() }
func (c *WorkerCollector) RecordAbandoned() { c.jobsAbandoned.Inc() }

// Serve runs a Prometheus /metrics endpoint until ctx is cancelled.
func Serve(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
