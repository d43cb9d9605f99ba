package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backoffice_latency_bucket",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	AuditJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backoffice_audit_jobs_total",
		Help: "Audit jobs submitted to the queue, by enqueue path and result",
	}, []string{"path", "result"})

	AuditFallbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backoffice_audit_fallback_total",
		Help: "Audit jobs written to the operational log because enqueue failed",
	}, []string{"path"})

	AuditQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backoffice_audit_queue_depth",
		Help: "Audit queue job counts by state, refreshed on status queries",
	}, []string{"state"})

	AuditWorkerJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backoffice_audit_worker_jobs_total",
		Help: "Audit jobs handled by the worker, by result",
	}, []string{"result"})
)
