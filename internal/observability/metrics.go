package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "harbor"

// Metrics holds the Prometheus counters, histograms, and gauges for the core.
type Metrics struct {
	// Ingestion metrics.
	ReportsAccepted  prometheus.Counter
	ReportsRejected  *prometheus.CounterVec // labels: reason={validation,rate_limited,error}
	MessagesConsumed prometheus.Counter
	PipelineRunning  prometheus.Gauge

	// Batch processing metrics.
	BatchSize               prometheus.Histogram
	BatchProcessingDuration prometheus.Histogram

	// Deduplication and verification metrics.
	EventsCreated       *prometheus.CounterVec // labels: type
	ReportsAttached     prometheus.Counter
	SubmitConflicts     prometheus.Counter
	Transitions         *prometheus.CounterVec // labels: from, to
	CredibilityOutcomes *prometheus.CounterVec // labels: outcome={verified,rejected}
	OpenEvents          prometheus.Gauge

	// Dispatch metrics.
	AlertsEmitted      *prometheus.CounterVec // labels: kind={hazard,warning,all-clear}
	AlertsSuppressed   prometheus.Counter
	DispatchQueueDepth prometheus.Gauge
	SinkFailures       *prometheus.CounterVec // labels: sink
	Subscriptions      prometheus.Gauge

	// Geocoding metrics.
	GeocodeRequests    *prometheus.CounterVec   // labels: method={forward,reverse}, outcome={success,error,empty}
	GeocodeCache       *prometheus.CounterVec   // labels: method={forward,reverse}, result={hit,miss}
	GeocodeAPIDuration *prometheus.HistogramVec // labels: method={forward,reverse}
	GeocodeEnabled     prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics(true)
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewUnregisteredMetrics creates Metrics that are never exported, for
// in-process tools that run the core without a metrics endpoint.
func NewUnregisteredMetrics() *Metrics {
	return newMetrics(true)
}

// NewMetricsForTesting creates Metrics without registering them, to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics(false)
}

func newMetrics(withHelp bool) *Metrics {
	help := func(s string) string {
		if withHelp {
			return s
		}
		return ""
	}
	counter := func(name, h string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help(h)})
	}
	counterVec := func(name, h string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help(h)}, labels)
	}
	gauge := func(name, h string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help(h)})
	}

	return &Metrics{
		ReportsAccepted:  counter("reports_accepted_total", "Total reports accepted into deduplication."),
		ReportsRejected:  counterVec("reports_rejected_total", "Total report submissions refused, by reason.", "reason"),
		MessagesConsumed: counter("messages_consumed_total", "Total messages read from the report topic."),
		PipelineRunning:  gauge("pipeline_running", "1 when the ingestion pipeline is active, 0 when shut down."),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      help("Number of messages per batch extracted from Kafka."),
			Buckets:   []float64{1, 5, 10, 20, 30, 40, 50, 75, 100},
		}),
		BatchProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_processing_duration_seconds",
			Help:      help("Duration of a complete batch ingestion cycle."),
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}),
		EventsCreated:       counterVec("events_created_total", "Hazard events created, by hazard type.", "type"),
		ReportsAttached:     counter("reports_attached_total", "Reports merged into an existing hazard event."),
		SubmitConflicts:     counter("submit_conflicts_total", "Attach attempts re-planned after a version conflict."),
		Transitions:         counterVec("state_transitions_total", "Hazard event state transitions.", "from", "to"),
		CredibilityOutcomes: counterVec("credibility_outcomes_total", "Verification outcomes credited to submitters.", "outcome"),
		OpenEvents:          gauge("open_events", "Hazard events that still accept reports."),
		AlertsEmitted:       counterVec("alerts_emitted_total", "Alerts emitted to subscribers, by kind.", "kind"),
		AlertsSuppressed:    counter("alerts_suppressed_total", "Alerts suppressed by the dispatch ledger."),
		DispatchQueueDepth:  gauge("dispatch_queue_depth", "Event changes waiting to be dispatched."),
		SinkFailures:        counterVec("sink_failures_total", "Failed alert deliveries, by sink.", "sink"),
		Subscriptions:       gauge("subscriptions", "Registered alert subscriptions."),
		GeocodeRequests:     counterVec("geocode_requests_total", "Geocoding API requests by method and outcome.", "method", "outcome"),
		GeocodeCache:        counterVec("geocode_cache_total", "Geocoding cache lookups by method and result.", "method", "result"),
		GeocodeAPIDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "geocode_api_duration_seconds",
			Help:      help("Mapbox API request duration in seconds."),
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method"}),
		GeocodeEnabled: gauge("geocode_enabled", "1 when geocoding enrichment is enabled, 0 otherwise."),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ReportsAccepted,
		m.ReportsRejected,
		m.MessagesConsumed,
		m.PipelineRunning,
		m.BatchSize,
		m.BatchProcessingDuration,
		m.EventsCreated,
		m.ReportsAttached,
		m.SubmitConflicts,
		m.Transitions,
		m.CredibilityOutcomes,
		m.OpenEvents,
		m.AlertsEmitted,
		m.AlertsSuppressed,
		m.DispatchQueueDepth,
		m.SinkFailures,
		m.Subscriptions,
		m.GeocodeRequests,
		m.GeocodeCache,
		m.GeocodeAPIDuration,
		m.GeocodeEnabled,
	}
}
