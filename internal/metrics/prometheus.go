package metrics

import (
    "fmt"
    "net/http"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promhttp"
    "github.com/voxcallhq/callctl/pkg/logger"
)

type PrometheusMetrics struct {
    counters   map[string]*prometheus.CounterVec
    histograms map[string]*prometheus.HistogramVec
    gauges     map[string]*prometheus.GaugeVec
}

func NewPrometheusMetrics() *PrometheusMetrics {
    pm := &PrometheusMetrics{
        counters:   make(map[string]*prometheus.CounterVec),
        histograms: make(map[string]*prometheus.HistogramVec),
        gauges:     make(map[string]*prometheus.GaugeVec),
    }

    // Register common metrics
    pm.registerMetrics()

    return pm
}

func (pm *PrometheusMetrics) registerMetrics() {
    // Counters
    pm.counters["admission_decisions_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "admission_decisions_total",
            Help: "Total admission decisions by outcome",
        },
        []string{"kind", "result"},
    )

    pm.counters["queue_entries_enqueued_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "queue_entries_enqueued_total",
            Help: "Total queue entries enqueued",
        },
        []string{"source"},
    )

    pm.counters["queue_dispatch_failures_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "queue_dispatch_failures_total",
            Help: "Total dispatch failures from the queue processor",
        },
        []string{"reason"},
    )

    pm.counters["webhook_events_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "webhook_events_total",
            Help: "Total webhooks received, by status",
        },
        []string{"status"},
    )

    pm.counters["ledger_debits_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "ledger_debits_total",
            Help: "Total ledger debits applied",
        },
        []string{},
    )

    // Histograms
    pm.histograms["call_duration"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "call_duration_seconds",
            Help:    "Measured call duration in seconds",
            Buckets: []float64{5, 10, 30, 60, 120, 300, 600, 1800, 3600},
        },
        []string{"source"},
    )

    pm.histograms["admission_decision_time"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "admission_decision_time_seconds",
            Help:    "Time to reach an admission decision",
            Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
        },
        []string{"result"},
    )

    pm.histograms["provider_dispatch_time"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "provider_dispatch_time_seconds",
            Help:    "Time to dispatch an admitted call to the provider",
            Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
        },
        []string{"outcome"},
    )

    // Gauges
    pm.gauges["active_slots"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "active_slots",
            Help: "Current concurrency slots held",
        },
        []string{"kind"},
    )

    pm.gauges["queue_depth"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "queue_depth",
            Help: "Current queued entries",
        },
        []string{"source"},
    )

    pm.gauges["provider_healthy"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "provider_healthy",
            Help: "Whether the voice provider is currently reachable (1) or not (0)",
        },
        []string{},
    )

    pm.gauges["webhook_connections_active"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "webhook_connections_active",
            Help: "Current in-flight webhook ingress connections",
        },
        []string{},
    )

    // Register all metrics
    for _, counter := range pm.counters {
        prometheus.MustRegister(counter)
    }
    for _, histogram := range pm.histograms {
        prometheus.MustRegister(histogram)
    }
    for _, gauge := range pm.gauges {
        prometheus.MustRegister(gauge)
    }
}

func (pm *PrometheusMetrics) IncrementCounter(name string, labels map[string]string) {
    if counter, exists := pm.counters[name]; exists {
        counter.With(prometheus.Labels(labels)).Inc()
    }
}

func (pm *PrometheusMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
    if histogram, exists := pm.histograms[name]; exists {
        histogram.With(prometheus.Labels(labels)).Observe(value)
    }
}

func (pm *PrometheusMetrics) SetGauge(name string, value float64, labels map[string]string) {
    if gauge, exists := pm.gauges[name]; exists {
        if labels == nil {
            labels = make(map[string]string)
        }
        gauge.With(prometheus.Labels(labels)).Set(value)
    }
}

func (pm *PrometheusMetrics) ServeHTTP(port int) error {
    http.Handle("/metrics", promhttp.Handler())
    addr := fmt.Sprintf(":%d", port)
    logger.WithField("addr", addr).Info("metrics server started")
    return http.ListenAndServe(addr, nil)
}
