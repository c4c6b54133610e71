package observability

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RunMetrics holds the collectors of one migration run. Each run owns its
// registry so concurrent project runs in one process never share series.
type RunMetrics struct {
	registry *prometheus.Registry

	artifacts        *prometheus.CounterVec
	artifactDuration *prometheus.HistogramVec
	syncBytes        prometheus.Counter
	syncDuration     prometheus.Histogram
	runDuration      prometheus.Gauge
	runOutcome       *prometheus.GaugeVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

func NewRunMetrics(project string, direction string) *RunMetrics {
	labels := prometheus.Labels{"project": project, "direction": direction}
	m := &RunMetrics{
		registry: prometheus.NewRegistry(),
		artifacts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "migratectl",
				Subsystem:   "migration",
				Name:        "artifacts_total",
				Help:        "Artifacts processed by final status.",
				ConstLabels: labels,
			},
			[]string{"kind", "status"},
		),
		artifactDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   "migratectl",
				Subsystem:   "migration",
				Name:        "artifact_duration_seconds",
				Help:        "Time spent migrating one artifact.",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: labels,
			},
			[]string{"kind", "status"},
		),
		syncBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "migratectl",
			Subsystem:   "sync",
			Name:        "bytes_transferred_total",
			Help:        "Bytes moved by the file sync delegate.",
			ConstLabels: labels,
		}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "migratectl",
			Subsystem:   "sync",
			Name:        "duration_seconds",
			Help:        "File sync duration in seconds.",
			Buckets:     prometheus.ExponentialBuckets(1, 4, 8),
			ConstLabels: labels,
		}),
		runDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "migratectl",
			Subsystem:   "run",
			Name:        "duration_seconds",
			Help:        "Wall-clock duration of the run.",
			ConstLabels: labels,
		}),
		runOutcome: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   "migratectl",
				Subsystem:   "run",
				Name:        "outcome",
				Help:        "Set to 1 for the outcome of the run.",
				ConstLabels: labels,
			},
			[]string{"outcome"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "migratectl",
				Subsystem:   "http",
				Name:        "requests_total",
				Help:        "Total status server HTTP requests.",
				ConstLabels: labels,
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   "migratectl",
				Subsystem:   "http",
				Name:        "request_duration_seconds",
				Help:        "Status server HTTP request duration in seconds.",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: labels,
			},
			[]string{"method", "path", "status"},
		),
	}
	m.registry.MustRegister(
		m.artifacts, m.artifactDuration,
		m.syncBytes, m.syncDuration,
		m.runDuration, m.runOutcome,
		m.httpRequests, m.httpDuration,
	)
	return m
}

func (m *RunMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *RunMetrics) RecordArtifact(kind string, status string, duration time.Duration) {
	m.artifacts.WithLabelValues(kind, status).Inc()
	m.artifactDuration.WithLabelValues(kind, status).Observe(duration.Seconds())
}

func (m *RunMetrics) RecordSync(bytes int64, duration time.Duration) {
	if bytes > 0 {
		m.syncBytes.Add(float64(bytes))
	}
	m.syncDuration.Observe(duration.Seconds())
}

func (m *RunMetrics) RecordRun(outcome string, duration time.Duration) {
	m.runDuration.Set(duration.Seconds())
	m.runOutcome.Reset()
	m.runOutcome.WithLabelValues(outcome).Set(1)
}

func (m *RunMetrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusLabel := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	m.httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// WriteTextfile stores the registry in Prometheus text format.
func (m *RunMetrics) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("observability: metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("observability: write metrics %s: %w", path, err)
	}
	return nil
}
