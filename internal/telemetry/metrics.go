package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "conversions_enqueued_total", Help: "Queue rows created"})
	UploadsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "conversions_completed_total", Help: "Uploads accepted by the provider"}, []string{"provider"})
	UploadsRetried   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "conversions_retried_total", Help: "Uploads scheduled for another attempt"}, []string{"provider"})
	UploadsFailed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "conversions_failed_total", Help: "Uploads that failed terminally"}, []string{"provider"})
	SemaphoreRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "conversions_semaphore_rejects_total", Help: "Claimed rows requeued because no upload slot was free"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "conversions_queue_depth", Help: "Rows currently eligible for claiming"})

	AttemptCapSwept = prometheus.NewCounter(prometheus.CounterOpts{Name: "conversions_attempt_cap_swept_total", Help: "Rows force-failed by the attempt-cap sweeper"})
	StuckRecovered  = prometheus.NewCounter(prometheus.CounterOpts{Name: "conversions_stuck_recovered_total", Help: "Abandoned processing rows swept back to queued"})

	ReconCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "reconciliation_completed_total", Help: "Reconciliation jobs completed"})
	ReconFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "reconciliation_failed_total", Help: "Reconciliation jobs that failed"})
	ReconCorrections = prometheus.NewCounter(prometheus.CounterOpts{Name: "reconciliation_corrections_total", Help: "Fast-path counters corrected to the ledger value"})
	ReconDriftGauge  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "reconciliation_drift_pct", Help: "Last observed drift percentage per site"}, []string{"site"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			UploadsCompleted,
			UploadsRetried,
			UploadsFailed,
			SemaphoreRejects,
			QueueDepthGauge,
			AttemptCapSwept,
			StuckRecovered,
			ReconCompleted,
			ReconFailed,
			ReconCorrections,
			ReconDriftGauge,
		)
	})
	return promhttp.Handler()
}
