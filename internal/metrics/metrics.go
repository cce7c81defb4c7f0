// Package metrics registers the process-local Prometheus collectors. These
// feed the operator /metrics endpoint only; the privacy-scoped telemetry
// aggregator has its own allow-listed upload path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth is the current number of queued inference requests.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edge_queue_depth",
		Help: "Current inference queue depth.",
	})

	// ActiveRequests is the number of occupied inference slots.
	ActiveRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edge_active_requests",
		Help: "Inference requests currently active or streaming.",
	})

	// AdmittedTotal counts admitted requests.
	AdmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_admitted_total",
		Help: "Total requests admitted to the queue.",
	})

	// RejectedTotal counts queue-full rejections.
	RejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_rejected_total",
		Help: "Total requests rejected because the queue was full.",
	})

	// CompletedTotal counts requests reaching a terminal state, by outcome.
	CompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_completed_total",
		Help: "Total requests reaching a terminal state.",
	}, []string{"outcome"})

	// InferenceSeconds observes end-to-end service latency.
	InferenceSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "edge_inference_seconds",
		Help:    "End-to-end inference latency from admission to terminal state.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})

	// VKPInstallsTotal counts package installations, by result.
	VKPInstallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_vkp_installs_total",
		Help: "Total VKP installation attempts.",
	}, []string{"result"})

	// HealthProbeFailures counts failed subsystem probes.
	HealthProbeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_health_probe_failures_total",
		Help: "Health probe failures by subsystem.",
	}, []string{"subsystem"})
)
