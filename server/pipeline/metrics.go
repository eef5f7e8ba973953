package pipeline

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus metrics of the processing loop
type Metrics struct {
	FrameDuration prometheus.Histogram
	StageErrors   *prometheus.CounterVec
	Alerts        *prometheus.CounterVec
	ActiveTracks  *prometheus.GaugeVec
}

// NewMetrics creates the metrics and registers them with registry
func NewMetrics(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		FrameDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wardwatch_frame_duration_seconds",
			Help:    "Time taken to process one frame, excluding the pacing sleep",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.5s
		}),
		StageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wardwatch_stage_errors_total",
			Help: "Number of failed collaborator calls, by pipeline stage",
		}, []string{"stage"}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wardwatch_alerts_total",
			Help: "Number of alerts emitted, by type",
		}, []string{"type"}),
		ActiveTracks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wardwatch_active_tracks",
			Help: "Number of persons and vehicles in the current frame",
		}, []string{"kind"}),
	}
	if registry != nil {
		if err := registry.Register(m); err != nil {
			return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
		}
	}
	return m, nil
}

// Describe implements prometheus.Collector
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.FrameDuration.Describe(ch)
	m.StageErrors.Describe(ch)
	m.Alerts.Describe(ch)
	m.ActiveTracks.Describe(ch)
}

// Collect implements prometheus.Collector
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.FrameDuration.Collect(ch)
	m.StageErrors.Collect(ch)
	m.Alerts.Collect(ch)
	m.ActiveTracks.Collect(ch)
}
