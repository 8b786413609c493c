package metrics

import (
    "testing"

    dto "github.com/prometheus/client_model/go"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

// NewPrometheusMetrics registers every metric family against the
// default registry via MustRegister, which panics on a duplicate
// registration -- so every test below shares one instance rather than
// constructing a fresh one each time.
var pm = NewPrometheusMetrics()

func counterValue(t *testing.T, c *prometheus.CounterVec, labels prometheus.Labels) float64 {
    t.Helper()
    m := &dto.Metric{}
    require.NoError(t, c.With(labels).Write(m))
    return m.GetCounter().GetValue()
}

func TestIncrementCounterAccumulates(t *testing.T) {
    labels := map[string]string{"kind": "direct", "result": "admitted"}
    before := counterValue(t, pm.counters["admission_decisions_total"], labels)

    pm.IncrementCounter("admission_decisions_total", labels)
    pm.IncrementCounter("admission_decisions_total", labels)

    after := counterValue(t, pm.counters["admission_decisions_total"], labels)
    assert.Equal(t, before+2, after)
}

func TestIncrementCounterOnUnknownNameIsNoop(t *testing.T) {
    assert.NotPanics(t, func() {
        pm.IncrementCounter("does_not_exist", map[string]string{"x": "y"})
    })
}

func TestObserveHistogramOnUnknownNameIsNoop(t *testing.T) {
    assert.NotPanics(t, func() {
        pm.ObserveHistogram("does_not_exist", 1.0, map[string]string{"result": "admitted"})
    })
}

func TestSetGaugeWithNilLabels(t *testing.T) {
    assert.NotPanics(t, func() {
        pm.SetGauge("provider_healthy", 1, nil)
    })

    m := &dto.Metric{}
    require.NoError(t, pm.gauges["provider_healthy"].With(prometheus.Labels{}).Write(m))
    assert.Equal(t, float64(1), m.GetGauge().GetValue())
}

func TestSetGaugeWithLabels(t *testing.T) {
    pm.SetGauge("queue_depth", 7, map[string]string{"source": "campaign"})

    m := &dto.Metric{}
    require.NoError(t, pm.gauges["queue_depth"].With(prometheus.Labels{"source": "campaign"}).Write(m))
    assert.Equal(t, float64(7), m.GetGauge().GetValue())
}
