// Package metrics collects engine counters. Prometheus series back the
// scrape endpoint; atomic mirrors feed the status query and the binding
// layer without touching the prometheus registry on the hot path reads.
package metrics

import (
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every engine counter. One instance per engine, so tests
// and embedded engines never fight over a global registry.
type Metrics struct {
	reg *prometheus.Registry

	eventsProcessed prometheus.Counter
	alertsGenerated prometheus.Counter
	alertsDropped   prometheus.Counter
	queueDropped    *prometheus.CounterVec
	ruleFaults      *prometheus.CounterVec
	sequenceStates  prometheus.Gauge

	eventsMirror   atomic.Uint64
	alertsMirror   atomic.Uint64
	droppedMirror  atomic.Uint64
	queueMirror    atomic.Uint64
	faultsMirror   atomic.Uint64
	seqStateMirror atomic.Int64
}

// New creates the metric set on a private prometheus registry.
func New() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}

	m.eventsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_events_processed_total",
		Help: "Events fully processed by partition workers.",
	})
	m.alertsGenerated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_alerts_generated_total",
		Help: "Alerts produced by rule matches.",
	})
	m.alertsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_alerts_dropped_total",
		Help: "Alerts dropped on emitter buffer overflow.",
	})
	m.queueDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_queue_dropped_total",
		Help: "Events dropped by the drop-oldest queue policy.",
	}, []string{"partition"})
	m.ruleFaults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_rule_faults_total",
		Help: "Rule evaluations aborted by timeout, trap or type fault.",
	}, []string{"rule_id", "kind"})
	m.sequenceStates = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kestrel_sequence_states",
		Help: "Live sequence candidate states across all partitions.",
	})

	m.reg.MustRegister(
		m.eventsProcessed,
		m.alertsGenerated,
		m.alertsDropped,
		m.queueDropped,
		m.ruleFaults,
		m.sequenceStates,
	)
	return m
}

// Handler exposes the scrape endpoint for this metric set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// IncEventsProcessed counts one fully processed event.
func (m *Metrics) IncEventsProcessed() {
	m.eventsProcessed.Inc()
	m.eventsMirror.Add(1)
}

// IncAlertsGenerated counts one emitted alert.
func (m *Metrics) IncAlertsGenerated() {
	m.alertsGenerated.Inc()
	m.alertsMirror.Add(1)
}

// IncAlertsDropped counts one alert lost to emitter overflow.
func (m *Metrics) IncAlertsDropped() {
	m.alertsDropped.Inc()
	m.droppedMirror.Add(1)
}

// IncQueueDropped counts one event discarded by drop-oldest.
func (m *Metrics) IncQueueDropped(partition int) {
	m.queueDropped.WithLabelValues(strconv.Itoa(partition)).Inc()
	m.queueMirror.Add(1)
}

// IncRuleFault counts one contained rule fault.
func (m *Metrics) IncRuleFault(ruleID, kind string) {
	m.ruleFaults.WithLabelValues(ruleID, kind).Inc()
	m.faultsMirror.Add(1)
}

// AddSequenceStates adjusts the live sequence-state gauge.
func (m *Metrics) AddSequenceStates(delta int) {
	m.sequenceStates.Add(float64(delta))
	m.seqStateMirror.Add(int64(delta))
}

// EventsProcessed returns the processed-event count.
func (m *Metrics) EventsProcessed() uint64 { return m.eventsMirror.Load() }

// AlertsGenerated returns the emitted-alert count.
func (m *Metrics) AlertsGenerated() uint64 { return m.alertsMirror.Load() }

// AlertsDropped returns the overflow-dropped alert count.
func (m *Metrics) AlertsDropped() uint64 { return m.droppedMirror.Load() }

// QueueDropped returns the drop-oldest event count across partitions.
func (m *Metrics) QueueDropped() uint64 { return m.queueMirror.Load() }

// RuleFaults returns the contained-fault count across rules.
func (m *Metrics) RuleFaults() uint64 { return m.faultsMirror.Load() }

// SequenceStates returns the live sequence-state count.
func (m *Metrics) SequenceStates() int64 { return m.seqStateMirror.Load() }
