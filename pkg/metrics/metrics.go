// Package metrics exposes ledger and node health over Prometheus.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments for a lending node.
type Metrics struct {
	namespace string
	registry  *prometheus.Registry
	gatherer  prometheus.Gatherer
	logger    log.Logger

	// Ledger metrics
	transitionsApplied  *prometheus.CounterVec
	transitionsRejected prometheus.Counter
	applyLatency        prometheus.Histogram
	accounts            prometheus.Gauge
	totalCollateral     prometheus.Gauge
	totalDebt           prometheus.Gauge
	checkpointHeight    prometheus.Gauge

	// Feed metrics
	natsPublished prometheus.Counter
	wsClients     prometheus.Gauge

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// New creates the lending node metrics under the given namespace.
func New(namespace string) (*Metrics, error) {
	logger := log.Root().New("module", "metrics")

	registry := prometheus.NewRegistry()

	m := &Metrics{
		namespace: namespace,
		registry:  registry,
		gatherer:  registry,
		logger:    logger,

		transitionsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_applied_total",
			Help:      "Total committed ledger transitions by kind",
		}, []string{"kind"}),

		transitionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_rejected_total",
			Help:      "Total transitions rejected by a precondition",
		}),

		applyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "apply_latency_nanoseconds",
			Help:      "Transition apply latency in nanoseconds",
			Buckets:   []float64{100, 250, 500, 1000, 2500, 5000, 10000, 25000, 50000, 100000},
		}),

		accounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "accounts",
			Help:      "Number of accounts ever touched",
		}),

		totalCollateral: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "total_collateral",
			Help:      "Sum of all deposited collateral",
		}),

		totalDebt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "total_debt",
			Help:      "Sum of all outstanding debt",
		}),

		checkpointHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_height",
			Help:      "Current checkpoint height",
		}),

		natsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nats_messages_published_total",
			Help:      "Total NATS event messages published",
		}),

		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected WebSocket clients",
		}),

		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),

		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	registry.MustRegister(
		m.transitionsApplied,
		m.transitionsRejected,
		m.applyLatency,
		m.accounts,
		m.totalCollateral,
		m.totalDebt,
		m.checkpointHeight,
		m.natsPublished,
		m.wsClients,
		m.memoryUsage,
		m.goroutines,
	)

	return m, nil
}

// StartServer starts the Prometheus metrics server, shutting down when
// ctx is cancelled.
func (m *Metrics) StartServer(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()

	m.logger.Info("Prometheus metrics server started", "port", port, "endpoint", "/metrics")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// RecordTransition records a committed transition of the given kind.
func (m *Metrics) RecordTransition(kind string) {
	m.transitionsApplied.WithLabelValues(kind).Inc()
}

// RecordRejected records a rejected transition.
func (m *Metrics) RecordRejected() {
	m.transitionsRejected.Inc()
}

// ObserveApplyLatency records one transition's apply latency.
func (m *Metrics) ObserveApplyLatency(nanoseconds float64) {
	m.applyLatency.Observe(nanoseconds)
}

// UpdateLedger updates the ledger-level gauges. Totals arrive as
// floats; Prometheus gauges cannot carry 256-bit precision and these
// exist for dashboards, not accounting.
func (m *Metrics) UpdateLedger(accounts int, totalCollateral, totalDebt float64) {
	m.accounts.Set(float64(accounts))
	m.totalCollateral.Set(totalCollateral)
	m.totalDebt.Set(totalDebt)
}

// UpdateCheckpointHeight updates the current checkpoint height.
func (m *Metrics) UpdateCheckpointHeight(height float64) {
	m.checkpointHeight.Set(height)
}

// RecordNATSPublished records one published NATS message.
func (m *Metrics) RecordNATSPublished() {
	m.natsPublished.Inc()
}

// UpdateWSClients updates the connected WebSocket client count.
func (m *Metrics) UpdateWSClients(count int) {
	m.wsClients.Set(float64(count))
}

// CollectSystemMetrics collects runtime stats until ctx is cancelled.
func (m *Metrics) CollectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.memoryUsage.Set(float64(memStats.Alloc))
			m.goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Gather exposes the registry for tests and embedding.
func (m *Metrics) Gather() prometheus.Gatherer {
	return m.gatherer
}
