// Package metrics has prometheus metric variables/functions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricParserSteps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moxmime_parser_steps_total",
			Help: "Parser steps, by state entered.",
		},
		[]string{
			"state", // header, body, multipart, message, from, eof, and the _end variants
		},
	)
	metricParserErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moxmime_parser_errors_total",
			Help: "Anomalies recorded by the parser.",
		},
		[]string{
			"kind", // missingboundary, missingclosing, malformedheader, unexpectedeof, io
		},
	)
)

func ParserStepInc(state string) {
	metricParserSteps.WithLabelValues(state).Inc()
}

func ParserErrorInc(kind string) {
	metricParserErrors.WithLabelValues(kind).Inc()
}
