// Package metrics counts relay outcomes and exports them in the Prometheus
// text format for the node_exporter textfile collector.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Message outcomes recorded by Message.
const (
	ResultFetched           = "fetched"
	ResultFetchFailed       = "fetch_failed"
	ResultRejectedSPF       = "rejected_spf"
	ResultRejectedWhitelist = "rejected_whitelist"
	ResultUnresolved        = "unresolved"
	ResultQueued            = "queued"
	ResultSent              = "sent"
	ResultSendFailed        = "send_failed"
)

// Purge targets recorded by Purged.
const (
	TargetMailbox = "mailbox"
	TargetAliases = "aliases"
)

// Metrics holds the relay collectors on a private registry. A nil *Metrics
// discards everything.
type Metrics struct {
	registry *prometheus.Registry
	messages *prometheus.CounterVec
	purged   *prometheus.CounterVec
	lastRun  prometheus.Gauge
}

// New registers the relay collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tracking_relay",
				Name:      "messages_total",
				Help:      "Messages handled by the relay, by outcome",
			},
			[]string{"result"},
		),
		purged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tracking_relay",
				Name:      "purged_total",
				Help:      "Records removed by the retention purge, by target",
			},
			[]string{"target"},
		),
		lastRun: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "tracking_relay",
				Name:      "last_run_timestamp_seconds",
				Help:      "Completion time of the last relay cycle",
			},
		),
	}
	m.registry.MustRegister(m.messages, m.purged, m.lastRun)
	return m
}

// Message counts one message outcome.
func (m *Metrics) Message(result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(result).Inc()
}

// Purged adds n removed records for target.
func (m *Metrics) Purged(target string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.purged.WithLabelValues(target).Add(float64(n))
}

// RunCompleted records the end of a cycle.
func (m *Metrics) RunCompleted(t time.Time) {
	if m == nil {
		return
	}
	m.lastRun.Set(float64(t.UnixNano()) / 1e9)
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile atomically writes all metrics to path.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
