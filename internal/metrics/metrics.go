package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "aquacast"

// Metrics holds the counters and gauges for one pipeline process. Each
// Metrics owns its registry so a batch run can dump it to a textfile for
// node_exporter.
type Metrics struct {
	Registry *prometheus.Registry

	FetchRequests *prometheus.CounterVec   // labels: source, status
	FetchLatency  *prometheus.HistogramVec // labels: source
	FetchCache    *prometheus.CounterVec   // labels: source, result={hit,miss}

	SitesFitted  prometheus.Counter
	SitesSkipped *prometheus.CounterVec // labels: reason
	ForecastRows prometheus.Counter

	RunDuration      prometheus.Histogram
	LastRunSuccess   prometheus.Gauge
	LastRunTimestamp prometheus.Gauge

	Submissions *prometheus.CounterVec // labels: method, outcome
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		FetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_requests_total",
			Help:      "Feed download attempts by source and outcome.",
		}, []string{"source", "status"}),
		FetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Feed download duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"source"}),
		FetchCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_cache_total",
			Help:      "Payload cache lookups by source and result.",
		}, []string{"source", "result"}),
		SitesFitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sites_fitted_total",
			Help:      "Sites with a fitted lag model.",
		}),
		SitesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sites_skipped_total",
			Help:      "Sites dropped from the forecast by reason.",
		}, []string{"reason"}),
		ForecastRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forecast_rows_total",
			Help:      "Forecast rows written.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a complete forecast run.",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800},
		}),
		LastRunSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_success",
			Help:      "1 if the most recent run succeeded, 0 otherwise.",
		}),
		LastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the most recent run finished.",
		}),
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Forecast submissions by method and outcome.",
		}, []string{"method", "outcome"}),
	}

	m.Registry.MustRegister(
		m.FetchRequests,
		m.FetchLatency,
		m.FetchCache,
		m.SitesFitted,
		m.SitesSkipped,
		m.ForecastRows,
		m.RunDuration,
		m.LastRunSuccess,
		m.LastRunTimestamp,
		m.Submissions,
	)
	return m
}

// WriteTextfile writes the registry in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
