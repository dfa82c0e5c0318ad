package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricNamespace = "hemoseg"

	metricsNameDownloadAttempts     = "model_download_attempts_total"
	metricsNameProvisioningState    = "model_provisioning_state"
	metricsNameModelLoadLatency     = "model_load_latency_seconds"
	metricsNameInferenceLatency     = "inference_latency_seconds"
	metricsNameSegmentationRequests = "segmentation_requests_total"

	metricLabelResult = "result"
	metricLabelState  = "state"
	metricLabelCode   = "code"
)

var provisioningStates = []string{"Absent", "Downloading", "Ready", "LoadFailed"}

// latencyBuckets are the buckets for inference latencies from 10ms to 1 minute.
var latencyBuckets = []float64{
	.01, .02, .05, .1, .2, .5, 1, 2, 5, 10, 30, 60,
}

// loadLatencyBuckets are the buckets for model load latencies from 100ms to 5 minutes.
var loadLatencyBuckets = []float64{
	.1, .2, .5, 1, 2, 5, 10, 30, 60, 120, 300,
}

// MetricsMonitor holds and updates Prometheus metrics.
type MetricsMonitor struct {
	downloadAttempts     *prometheus.CounterVec
	provisioningState    *prometheus.GaugeVec
	modelLoadLatency     prometheus.Histogram
	inferenceLatency     prometheus.Histogram
	segmentationRequests *prometheus.CounterVec

	registerer prometheus.Registerer
}

// NewMetricsMonitor returns a new MetricsMonitor whose collectors are registered to r.
func NewMetricsMonitor(r prometheus.Registerer) *MetricsMonitor {
	m := &MetricsMonitor{
		downloadAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      metricsNameDownloadAttempts,
				Help:      "Number of model download attempts by result.",
			},
			[]string{metricLabelResult},
		),
		provisioningState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      metricsNameProvisioningState,
				Help:      "1 for the current model provisioning state, 0 otherwise.",
			},
			[]string{metricLabelState},
		),
		modelLoadLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricNamespace,
				Name:      metricsNameModelLoadLatency,
				Buckets:   loadLatencyBuckets,
			},
		),
		inferenceLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricNamespace,
				Name:      metricsNameInferenceLatency,
				Buckets:   latencyBuckets,
			},
		),
		segmentationRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      metricsNameSegmentationRequests,
				Help:      "Number of segmentation requests by HTTP status code.",
			},
			[]string{metricLabelCode},
		),
		registerer: r,
	}

	r.MustRegister(
		m.downloadAttempts,
		m.provisioningState,
		m.modelLoadLatency,
		m.inferenceLatency,
		m.segmentationRequests,
	)
	return m
}

// ObserveDownloadAttempt counts a download attempt. err is nil for a successful attempt.
func (m *MetricsMonitor) ObserveDownloadAttempt(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.downloadAttempts.WithLabelValues(result).Inc()
}

// SetProvisioningState sets the current provisioning state.
func (m *MetricsMonitor) SetProvisioningState(state string) {
	for _, s := range provisioningStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.provisioningState.WithLabelValues(s).Set(v)
	}
}

// ObserveModelLoadLatency observes the time taken to load the model.
func (m *MetricsMonitor) ObserveModelLoadLatency(latency time.Duration) {
	m.modelLoadLatency.Observe(float64(latency) / float64(time.Second))
}

// ObserveInferenceLatency observes the latency of a single model invocation.
func (m *MetricsMonitor) ObserveInferenceLatency(latency time.Duration) {
	m.inferenceLatency.Observe(float64(latency) / float64(time.Second))
}

// ObserveRequest counts a segmentation request completed with the given status code.
func (m *MetricsMonitor) ObserveRequest(code int) {
	m.segmentationRequests.WithLabelValues(strconv.Itoa(code)).Inc()
}

// UnregisterAllCollectors unregisters all collectors.
func (m *MetricsMonitor) UnregisterAllCollectors() {
	m.registerer.Unregister(m.downloadAttempts)
	m.registerer.Unregister(m.provisioningState)
	m.registerer.Unregister(m.modelLoadLatency)
	m.registerer.Unregister(m.inferenceLatency)
	m.registerer.Unregister(m.segmentationRequests)
}
