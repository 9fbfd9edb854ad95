package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamespace(t *testing.T) {
	c := NewCounter("test_events", "metrics", "events counted by the test", []string{"kind"})
	c.WithLabelValues("a").Add(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.WithLabelValues("a")))
	require.Equal(t, 1, testutil.CollectAndCount(c, "rdmarpc_metrics_test_events"))

	h := NewHistogramWithBuckets("test_seconds", "metrics", "durations", []string{}, []float64{1, 2})
	h.WithLabelValues().Observe(1.5)
	assert.Equal(t, 1, testutil.CollectAndCount(h, "rdmarpc_metrics_test_seconds"))
}
