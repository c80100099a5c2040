package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSignedVerify = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moxmime_signed_verify_total",
			Help: "Signature verifications of multipart/signed messages.",
		},
		[]string{
			"result", // good, bad, unknown, error
		},
	)
	metricSummaryMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moxmime_summary_messages_total",
			Help: "Messages processed while indexing mbox files.",
		},
		[]string{
			"result", // added, skipped, error
		},
	)
)

func SignedVerifyInc(result string) {
	metricSignedVerify.WithLabelValues(result).Inc()
}

func SummaryMessageInc(result string) {
	metricSummaryMessages.WithLabelValues(result).Inc()
}
