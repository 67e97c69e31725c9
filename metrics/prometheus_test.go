package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusRecorder(reg)
	require.NoError(t, err)

	labels := map[string]string{"network": "bip122:000000000000000000651ef99cb9fcbe", "reason": "invalid_signature"}
	rec.IncCounter("verify_invalid", labels)
	rec.IncCounter("verify_invalid", labels)
	rec.ObserveLatency("verify", 15*time.Millisecond, labels)

	got := testutil.ToFloat64(rec.counters.With(prometheus.Labels{
		"type":    "verify_invalid",
		"network": labels["network"],
		"reason":  "invalid_signature",
	}))
	assert.Equal(t, float64(2), got)
	assert.Equal(t, 1, testutil.CollectAndCount(rec.histogram))

	_, err = NewPrometheusRecorder(reg)
	assert.Error(t, err, "registering twice must fail")
}

func TestNoopRecorder(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.IncCounter("x", nil)
	r.ObserveLatency("x", time.Second, nil)
}
