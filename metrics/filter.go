package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricFilterBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moxmime_filter_bytes_total",
			Help: "Bytes passed through filters.",
		},
		[]string{
			"filter",    // base64enc, base64dec, qpenc, qpdec, uuenc, uudec, charset, crlf, windows, save
			"direction", // in, out
		},
	)
	metricCharsetInvalid = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "moxmime_charset_invalid_total",
			Help: "Invalid or unrepresentable sequences skipped during charset conversion.",
		},
	)
)

// FilterBytesAdd counts input and output bytes of a filter call.
func FilterBytesAdd(filter string, in, out int) {
	if in > 0 {
		metricFilterBytes.WithLabelValues(filter, "in").Add(float64(in))
	}
	if out > 0 {
		metricFilterBytes.WithLabelValues(filter, "out").Add(float64(out))
	}
}

func CharsetInvalidInc() {
	metricCharsetInvalid.Inc()
}
