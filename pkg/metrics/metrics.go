// Package metrics holds the prometheus collectors of a sync run. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tap_youtube"

type Metrics struct {
	RecordsEmitted  *prometheus.CounterVec
	APIRequests     *prometheus.CounterVec
	APIDuration     *prometheus.HistogramVec
	ReportArtifacts *prometheus.CounterVec
	BookmarkSeconds *prometheus.GaugeVec
	StreamDuration  *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecordsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "records",
				Name:      "emitted_total",
				Help:      "Total number of records emitted",
			},
			[]string{"stream"},
		),
		APIRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total number of API requests by endpoint and status code",
			},
			[]string{"endpoint", "code"},
		),
		APIDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		ReportArtifacts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "report",
				Name:      "artifacts_total",
				Help:      "Report artifacts processed, by result (ok, failed, skipped)",
			},
			[]string{"stream", "result"},
		),
		BookmarkSeconds: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "bookmark",
				Name:      "timestamp_seconds",
				Help:      "Bookmark value of each stream as unix seconds",
			},
			[]string{"stream"},
		),
		StreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "sync_duration_seconds",
				Help:      "Stream sync duration in seconds",
				Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"stream"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.RecordsEmitted,
			m.APIRequests,
			m.APIDuration,
			m.ReportArtifacts,
			m.BookmarkSeconds,
			m.StreamDuration,
		)
	}
	return m
}

func (m *Metrics) RecordEmitted(stream string) {
	if m == nil {
		return
	}
	m.RecordsEmitted.WithLabelValues(stream).Inc()
}

func (m *Metrics) ObserveRequest(endpoint string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.APIRequests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
	m.APIDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

func (m *Metrics) Artifact(stream, result string) {
	if m == nil {
		return
	}
	m.ReportArtifacts.WithLabelValues(stream, result).Inc()
}

func (m *Metrics) Bookmark(stream string, t time.Time) {
	if m == nil {
		return
	}
	m.BookmarkSeconds.WithLabelValues(stream).Set(float64(t.Unix()))
}

func (m *Metrics) StreamSynced(stream string, d time.Duration) {
	if m == nil {
		return
	}
	m.StreamDuration.WithLabelValues(stream).Observe(d.Seconds())
}
