// Package metrics exposes Prometheus counters for event processing, push
// delivery and gateway connections.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the router and gateway report to
type Recorder interface {
	EventConsumed(topic, outcome string)
	DeadLettered(topic string)
	Push(channel, result string)
	ConnectionOpened()
	ConnectionClosed()
}

// Collector records metrics into a Prometheus registry
type Collector struct {
	eventsConsumed *prometheus.CounterVec
	deadLetters    *prometheus.CounterVec
	pushes         *prometheus.CounterVec
	connections    prometheus.Gauge
}

// NewCollector creates a Collector and registers its metrics with reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		eventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_consumed_total",
			Help: "Domain events consumed, by topic and outcome.",
		}, []string{"topic", "outcome"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_dead_letters_total",
			Help: "Messages moved to a dead-letter topic.",
		}, []string{"topic"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_pushes_total",
			Help: "Realtime and offline pushes, by channel and result.",
		}, []string{"channel", "result"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_gateway_connections",
			Help: "Live gateway connections on this instance.",
		}),
	}

	reg.MustRegister(
		c.eventsConsumed,
		c.deadLetters,
		c.pushes,
		c.connections,
	)

	return c
}

func (c *Collector) EventConsumed(topic, outcome string) {
	c.eventsConsumed.WithLabelValues(topic, outcome).Inc()
}

func (c *Collector) DeadLettered(topic string) {
	c.deadLetters.WithLabelValues(topic).Inc()
}

func (c *Collector) Push(channel, result string) {
	c.pushes.WithLabelValues(channel, result).Inc()
}

func (c *Collector) ConnectionOpened() {
	c.connections.Inc()
}

func (c *Collector) ConnectionClosed() {
	c.connections.Dec()
}

// Handler serves the metrics registered in reg
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Nop discards everything
type Nop struct{}

func (Nop) EventConsumed(string, string) {}
func (Nop) DeadLettered(string)          {}
func (Nop) Push(string, string)          {}
func (Nop) ConnectionOpened()            {}
func (Nop) ConnectionClosed()            {}
