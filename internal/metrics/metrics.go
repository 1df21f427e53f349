// Package metrics defines Prometheus collectors for the scan and fingerprint
// engines.
//
// Metric naming follows Prometheus conventions:
//   - a configurable namespace prefix (sonar_ by default)
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
//
// Every method is safe on a nil *Metrics so components can run without
// instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the engine collectors registered on one registry.
type Metrics struct {
	ProbesSent       *prometheus.CounterVec
	ProbeOutcomes    *prometheus.CounterVec
	PortsClassified  *prometheus.CounterVec
	ParseErrors      prometheus.Counter
	ProbeRTT         *prometheus.HistogramVec
	ThrottleWindow   prometheus.Gauge
	InFlight         prometheus.Gauge
	HandlesInUse     prometheus.Gauge
	FingerprintRuns  *prometheus.CounterVec
	MatchDuration    *prometheus.HistogramVec
	SignatureReloads *prometheus.CounterVec
	ScanDuration     prometheus.Histogram
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which is what tests use.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProbesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_sent_total",
			Help:      "Total probes sent by technique.",
		}, []string{"variant"}),
		ProbeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_outcomes_total",
			Help:      "Probe outcomes reported to the rate controller.",
		}, []string{"outcome"}),
		PortsClassified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ports_classified_total",
			Help:      "Ports by terminal state.",
		}, []string{"state"}),
		ParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_errors_total",
			Help:      "Inbound packets dropped as unparseable.",
		}),
		ProbeRTT: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_rtt_seconds",
			Help:      "Round trip time of answered probes.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"variant"}),
		ThrottleWindow: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "throttle_window",
			Help:      "Allowed in-flight probes of the most recently adjusted controller.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "probes_in_flight",
			Help:      "Probes currently holding a send slot.",
		}),
		HandlesInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "raw_handles_in_use",
			Help:      "Raw socket handles currently acquired.",
		}),
		FingerprintRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fingerprint_runs_total",
			Help:      "Fingerprint battery runs by battery and status.",
		}, []string{"battery", "status"}),
		MatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "match_duration_seconds",
			Help:      "Time spent ranking signatures.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"kind"}),
		SignatureReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signature_reloads_total",
			Help:      "Signature database loads by status.",
		}, []string{"status"}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Duration of scan jobs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ProbesSent, m.ProbeOutcomes, m.PortsClassified, m.ParseErrors,
			m.ProbeRTT, m.ThrottleWindow, m.InFlight, m.HandlesInUse,
			m.FingerprintRuns, m.MatchDuration, m.SignatureReloads, m.ScanDuration,
		)
	}
	return m
}

// RecordProbe counts one sent probe.
func (m *Metrics) RecordProbe(variant string) {
	if m == nil {
		return
	}
	m.ProbesSent.WithLabelValues(variant).Inc()
}

// RecordOutcome counts a rate controller outcome.
func (m *Metrics) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.ProbeOutcomes.WithLabelValues(outcome).Inc()
}

// RecordRTT observes an answered probe.
func (m *Metrics) RecordRTT(variant string, rtt time.Duration) {
	if m == nil || rtt <= 0 {
		return
	}
	m.ProbeRTT.WithLabelValues(variant).Observe(rtt.Seconds())
}

// RecordPort counts a terminal port classification.
func (m *Metrics) RecordPort(state string) {
	if m == nil {
		return
	}
	m.PortsClassified.WithLabelValues(state).Inc()
}

// RecordParseError counts a dropped inbound packet.
func (m *Metrics) RecordParseError() {
	if m == nil {
		return
	}
	m.ParseErrors.Inc()
}

// SetWindow publishes the controller state.
func (m *Metrics) SetWindow(window, inFlight int) {
	if m == nil {
		return
	}
	m.ThrottleWindow.Set(float64(window))
	m.InFlight.Set(float64(inFlight))
}

// SetHandles publishes the raw handle count.
func (m *Metrics) SetHandles(n int) {
	if m == nil {
		return
	}
	m.HandlesInUse.Set(float64(n))
}

// RecordBattery counts a fingerprint battery run.
func (m *Metrics) RecordBattery(battery, status string) {
	if m == nil {
		return
	}
	m.FingerprintRuns.WithLabelValues(battery, status).Inc()
}

// ObserveMatch records ranking latency for kind ("os" or "service").
func (m *Metrics) ObserveMatch(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.MatchDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordReload counts a signature load.
func (m *Metrics) RecordReload(status string) {
	if m == nil {
		return
	}
	m.SignatureReloads.WithLabelValues(status).Inc()
}

// ObserveScan records a finished job.
func (m *Metrics) ObserveScan(d time.Duration) {
	if m == nil {
		return
	}
	m.ScanDuration.Observe(d.Seconds())
}
