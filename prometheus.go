package main

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric collectors for IR dispatch and
// connection health
type Metrics struct {
	// IR dispatch metrics
	irSendsTotal  *prometheus.CounterVec   // IR sends by connector and result
	irSendLatency *prometheus.HistogramVec // Send round-trip latency by connector

	// Connection metrics (all with 'connector' label)
	connectionState *prometheus.GaugeVec   // Current lifecycle state (enum value)
	reconnectsTotal *prometheus.CounterVec // Reconnect attempts
	timeoutsTotal   *prometheus.CounterVec // Request deadline expiries

	// Keyset catalogue metrics
	keysetDevices prometheus.Gauge // Devices in the loaded catalogue
	keysetKeys    prometheus.Gauge // Total keys in the loaded catalogue

	// Process metrics
	uptimeSeconds prometheus.Gauge
}

// InitMetrics creates and registers all metric collectors.
func InitMetrics() *Metrics {
	m := &Metrics{
		irSendsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "itachd_ir_sends_total",
			Help: "IR transmissions attempted, by connector and result kind",
		}, []string{"connector", "result"}),
		irSendLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "itachd_ir_send_duration_seconds",
			Help:    "Round-trip time from sendir write to completeir",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"connector"}),
		connectionState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "itachd_connection_state",
			Help: "Connection lifecycle state (0=disconnected 1=connecting 2=ready 3=draining 4=faulted)",
		}, []string{"connector"}),
		reconnectsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "itachd_connection_reconnects_total",
			Help: "Connection attempts after a fault",
		}, []string{"connector"}),
		timeoutsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "itachd_request_timeouts_total",
			Help: "Requests that expired without a device response",
		}, []string{"connector"}),
		keysetDevices: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "itachd_keyset_devices",
			Help: "Devices in the loaded keyset catalogue",
		}),
		keysetKeys: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "itachd_keyset_keys",
			Help: "Keys in the loaded keyset catalogue",
		}),
		uptimeSeconds: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "itachd_uptime_seconds",
			Help: "Seconds since process start",
		}),
	}

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			m.uptimeSeconds.Set(time.Since(StartTime).Seconds())
		}
	}()

	return m
}

// ObserveSend records one dispatch outcome.
func (m *Metrics) ObserveSend(connector, result string, elapsed time.Duration) {
	m.irSendsTotal.WithLabelValues(connector, result).Inc()
	if result == "ok" {
		m.irSendLatency.WithLabelValues(connector).Observe(elapsed.Seconds())
	}
	if result == string(KindTimeout) {
		m.timeoutsTotal.WithLabelValues(connector).Inc()
	}
}

// ObserveCatalogue records the shape of a (re)loaded catalogue.
func (m *Metrics) ObserveCatalogue(c *KeysetCatalogue) {
	m.keysetDevices.Set(float64(len(c.ListDevices())))
	m.keysetKeys.Set(float64(c.KeyCount()))
}

// StateHook returns a connection transition observer that keeps the
// state gauge and reconnect counter current.
func (m *Metrics) StateHook() func(c *Connection, from, to ConnState) {
	return func(c *Connection, from, to ConnState) {
		m.connectionState.WithLabelValues(c.Label()).Set(float64(to))
		if from == StateFaulted && to == StateConnecting {
			m.reconnectsTotal.WithLabelValues(c.Label()).Inc()
		}
	}
}

// MetricsHandler serves /metrics, restricted to the configured scrape
// allow-list.
func MetricsHandler(cfg *PrometheusConfig) http.HandlerFunc {
	handler := promhttp.Handler()
	return func(w http.ResponseWriter, r *http.Request) {
		if !cfg.HostAllowed(r.RemoteAddr) {
			log.Printf("Prometheus: denied scrape from %s", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		handler.ServeHTTP(w, r)
	}
}
