// Package metrics holds the prometheus collectors shared by the parser, the
// pipeline and the sinks. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dmarc"

type Metrics struct {
	MessagesFetched  *prometheus.CounterVec
	MessagesFailed   *prometheus.CounterVec
	ReportsParsed    *prometheus.CounterVec
	RecordsDropped   *prometheus.CounterVec
	SinkDeliveries   *prometheus.CounterVec
	SinkState        *prometheus.GaugeVec
	Acknowledgements *prometheus.CounterVec
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesFetched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_fetched_total",
			Help:      "Messages fetched from a source",
		}, []string{"source"}),
		MessagesFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_failed_total",
			Help:      "Messages that could not be processed, by error kind",
		}, []string{"source", "kind"}),
		ReportsParsed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_parsed_total",
			Help:      "Reports parsed, by report type",
		}, []string{"type"}),
		RecordsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregate_records_dropped_total",
			Help:      "Malformed aggregate records skipped during parsing",
		}, []string{"reason"}),
		SinkDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_deliveries_total",
			Help:      "Report deliveries per sink and result",
		}, []string{"sink", "type", "result"}),
		SinkState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sink_state",
			Help:      "Current lifecycle state of a sink",
		}, []string{"sink"}),
		Acknowledgements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acknowledgements_total",
			Help:      "Source acknowledgements by outcome",
		}, []string{"source", "outcome"}),
	}
}

func (m *Metrics) MessageFetched(source string) {
	if m == nil {
		return
	}
	m.MessagesFetched.WithLabelValues(source).Inc()
}

func (m *Metrics) MessageFailed(source, kind string) {
	if m == nil {
		return
	}
	m.MessagesFailed.WithLabelValues(source, kind).Inc()
}

func (m *Metrics) ReportParsed(reportType string) {
	if m == nil {
		return
	}
	m.ReportsParsed.WithLabelValues(reportType).Inc()
}

func (m *Metrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	m.RecordsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SinkDelivery(sink, reportType string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.SinkDeliveries.WithLabelValues(sink, reportType, result).Inc()
}

func (m *Metrics) SetSinkState(sink string, state int) {
	if m == nil {
		return
	}
	m.SinkState.WithLabelValues(sink).Set(float64(state))
}

func (m *Metrics) Acknowledged(source, outcome string) {
	if m == nil {
		return
	}
	m.Acknowledgements.WithLabelValues(source, outcome).Inc()
}
