// Package metrics exposes daemon health on a Prometheus scrape endpoint.
// Store-derived gauges are written directly; instrumented counters
// registered with the Prometheus client are appended through the text
// encoder.
package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/videoforge/stitchd/pkg/models"
	"github.com/videoforge/stitchd/pkg/store"
)

// Exporter serves /metrics for the job daemon
type Exporter struct {
	store     store.Store
	startTime time.Time
	mu        sync.Mutex

	dispatchResults *prometheus.CounterVec
	reconcileSweeps prometheus.Counter
}

// NewExporter creates and registers the exporter's instruments
func NewExporter(st store.Store) *Exporter {
	e := &Exporter{
		store:     st,
		startTime: time.Now(),
		dispatchResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stitchd_dispatch_total",
			Help: "Dispatch attempts by result",
		}, []string{"result"}),
		reconcileSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stitchd_reconcile_sweeps_total",
			Help: "Reconciliation sweeps run since start",
		}),
	}

	prometheus.MustRegister(e.dispatchResults, e.reconcileSweeps)
	return e
}

// RecordDispatch counts a dispatch attempt
func (e *Exporter) RecordDispatch(result string) {
	e.dispatchResults.WithLabelValues(result).Inc()
}

// RecordReconcileSweep counts one reconciliation pass
func (e *Exporter) RecordReconcileSweep() {
	e.reconcileSweeps.Inc()
}

// ServeHTTP serves Prometheus-compatible metrics
func (e *Exporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	jobs := e.store.GetAllJobs()

	jobsByStatus := make(map[string]int)
	totalRetries := 0
	var durationSum float64
	completed := 0
	for _, job := range jobs {
		jobsByStatus[string(job.Status)]++
		totalRetries += job.RetryCount
		if job.Status == models.JobStatusCompleted && job.StartedAt != nil && job.CompletedAt != nil {
			durationSum += job.CompletedAt.Sub(*job.StartedAt).Seconds()
			completed++
		}
	}

	fmt.Fprintf(w, "# HELP stitchd_uptime_seconds Time since the daemon started\n")
	fmt.Fprintf(w, "# TYPE stitchd_uptime_seconds gauge\n")
	fmt.Fprintf(w, "stitchd_uptime_seconds %d\n", int64(time.Since(e.startTime).Seconds()))

	fmt.Fprintf(w, "\n# HELP stitchd_jobs_total Total number of job records\n")
	fmt.Fprintf(w, "# TYPE stitchd_jobs_total gauge\n")
	fmt.Fprintf(w, "stitchd_jobs_total %d\n", len(jobs))

	fmt.Fprintf(w, "\n# HELP stitchd_jobs_by_status Number of jobs by status\n")
	fmt.Fprintf(w, "# TYPE stitchd_jobs_by_status gauge\n")
	for status, count := range jobsByStatus {
		fmt.Fprintf(w, "stitchd_jobs_by_status{status=\"%s\"} %d\n", status, count)
	}

	fmt.Fprintf(w, "\n# HELP stitchd_job_retries_total Total whole-job retries\n")
	fmt.Fprintf(w, "# TYPE stitchd_job_retries_total counter\n")
	fmt.Fprintf(w, "stitchd_job_retries_total %d\n", totalRetries)

	if completed > 0 {
		fmt.Fprintf(w, "\n# HELP stitchd_job_duration_seconds_avg Mean wall-clock duration of completed jobs still retained\n")
		fmt.Fprintf(w, "# TYPE stitchd_job_duration_seconds_avg gauge\n")
		fmt.Fprintf(w, "stitchd_job_duration_seconds_avg %.3f\n", durationSum/float64(completed))
	}

	fmt.Fprintf(w, "\n")

	// Append the registered instruments via the text encoder
	metricFamilies, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		fmt.Fprintf(w, "# Error gathering Prometheus metrics: %v\n", err)
		return
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range metricFamilies {
		if err := encoder.Encode(mf); err != nil {
			fmt.Fprintf(w, "# Error encoding metric %s: %v\n", mf.GetName(), err)
		}
	}
	w.Write(buf.Bytes())
}
