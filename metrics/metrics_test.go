package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(metricFilterBytes.WithLabelValues("base64enc", "in"))
	FilterBytesAdd("base64enc", 3, 4)
	FilterBytesAdd("base64enc", 0, 0)
	if got := testutil.ToFloat64(metricFilterBytes.WithLabelValues("base64enc", "in")); got != before+3 {
		t.Fatalf("got %v, expected %v", got, before+3)
	}

	ParserStepInc("header")
	if got := testutil.ToFloat64(metricParserSteps.WithLabelValues("header")); got < 1 {
		t.Fatalf("parser step not counted, got %v", got)
	}

	n := testutil.ToFloat64(metricCharsetInvalid)
	CharsetInvalidInc()
	if got := testutil.ToFloat64(metricCharsetInvalid); got != n+1 {
		t.Fatalf("got %v, expected %v", got, n+1)
	}
}
