package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for a realtime session process.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Connection metrics
	ConnectsTotal   *prometheus.CounterVec
	ConnectDuration *prometheus.HistogramVec
	SessionsActive  prometheus.Gauge

	// Event metrics
	InboundEventsTotal  *prometheus.CounterVec
	UnknownEventsTotal  prometheus.Counter
	OutboundEventsTotal *prometheus.CounterVec
	DecodeErrorsTotal   *prometheus.CounterVec

	// Tool metrics
	ToolCallsTotal   *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec

	// Conversation metrics
	EntriesTotal  *prometheus.CounterVec
	DraftOverlaps prometheus.Counter
}

// New creates a Metrics instance with every collector registered on its own
// registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vai_realtime"
	}

	registry := prometheus.NewRegistry()

	connectsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Total connect attempts by transport and outcome",
		},
		[]string{"transport", "outcome"},
	)

	connectDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_duration_seconds",
			Help:      "Time from connect attempt to open channel",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"transport"},
	)

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of open realtime sessions",
		},
	)

	inboundEventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Total inbound events by decoded type",
		},
		[]string{"type"},
	)

	unknownEventsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_events_total",
			Help:      "Inbound events with an unrecognized type",
		},
	)

	outboundEventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_events_total",
			Help:      "Total outbound control messages by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	decodeErrorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Inbound frames that failed to decode",
		},
		[]string{"code"},
	)

	toolCallsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total tool dispatches by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)

	toolCallDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool handler duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"tool"},
	)

	entriesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_entries_total",
			Help:      "Committed conversation entries by kind",
		},
		[]string{"kind"},
	)

	draftOverlaps := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "draft_overlaps_total",
			Help:      "Drafts force-committed because a different response started streaming",
		},
	)

	registry.MustRegister(
		connectsTotal,
		connectDuration,
		sessionsActive,
		inboundEventsTotal,
		unknownEventsTotal,
		outboundEventsTotal,
		decodeErrorsTotal,
		toolCallsTotal,
		toolCallDuration,
		entriesTotal,
		draftOverlaps,
	)

	return &Metrics{
		registry:            registry,
		ConnectsTotal:       connectsTotal,
		ConnectDuration:     connectDuration,
		SessionsActive:      sessionsActive,
		InboundEventsTotal:  inboundEventsTotal,
		UnknownEventsTotal:  unknownEventsTotal,
		OutboundEventsTotal: outboundEventsTotal,
		DecodeErrorsTotal:   decodeErrorsTotal,
		ToolCallsTotal:      toolCallsTotal,
		ToolCallDuration:    toolCallDuration,
		EntriesTotal:        entriesTotal,
		DraftOverlaps:       draftOverlaps,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordConnect records a connect attempt. outcome is "ok" or the failing stage.
func (m *Metrics) RecordConnect(transport, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ConnectsTotal.WithLabelValues(transport, outcome).Inc()
	if outcome == "ok" {
		m.ConnectDuration.WithLabelValues(transport).Observe(duration.Seconds())
	}
}

func (m *Metrics) RecordSessionOpen() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) RecordSessionClose() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

// UnknownEventLabel is the type label shared by every unrecognized event so
// the remote end cannot grow the label set.
const UnknownEventLabel = "unknown"

// RecordInbound records a decoded inbound event.
func (m *Metrics) RecordInbound(eventType string, unknown bool) {
	if m == nil {
		return
	}
	if unknown {
		m.InboundEventsTotal.WithLabelValues(UnknownEventLabel).Inc()
		m.UnknownEventsTotal.Inc()
		return
	}
	m.InboundEventsTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordDecodeError(code string) {
	if m == nil {
		return
	}
	m.DecodeErrorsTotal.WithLabelValues(code).Inc()
}

// RecordOutbound records an outbound send. outcome is "ok" or "error".
func (m *Metrics) RecordOutbound(eventType, outcome string) {
	if m == nil {
		return
	}
	m.OutboundEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// RecordToolCall records a finished tool dispatch.
func (m *Metrics) RecordToolCall(tool, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func (m *Metrics) RecordEntry(kind string) {
	if m == nil {
		return
	}
	m.EntriesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordDraftOverlap() {
	if m == nil {
		return
	}
	m.DraftOverlaps.Inc()
}
