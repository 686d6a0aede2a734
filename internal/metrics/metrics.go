// Package metrics provides Prometheus metrics for the lobby bot.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lobbybot"

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	linesReceived   *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	openLobbies     prometheus.Gauge
	poolEmptySlots  prometheus.Gauge
	contestsRecords prometheus.Counter
	votesPassed     *prometheus.CounterVec
	mapsSkipped     prometheus.Counter
}

// New registers all metrics on a private registry
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	auto := promauto.With(m.registry)

	m.linesReceived = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bancho",
		Name:      "lines_received_total",
		Help:      "Protocol lines received, by dispatch kind",
	}, []string{"kind"})
	m.queueDepth = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "bancho",
		Name:      "send_queue_depth",
		Help:      "Outgoing messages waiting for the rate limiter",
	})
	m.openLobbies = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "open_lobbies",
		Help:      "Lobbies currently in the pool",
	})
	m.poolEmptySlots = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "empty_slots",
		Help:      "Free slots across all pool lobbies",
	})
	m.contestsRecords = auto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rating",
		Name:      "contests_recorded_total",
		Help:      "Contests rated and stored",
	})
	m.votesPassed = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "votes_passed_total",
		Help:      "Votes that reached quorum, by kind",
	}, []string{"kind"})
	m.mapsSkipped = auto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "map_rotations_skipped_total",
		Help:      "Map rotations skipped because no map matched the band",
	})
	return m
}

// Registry returns the registry the metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) LineReceived(kind string) {
	if m != nil {
		m.linesReceived.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

func (m *Metrics) SetPool(lobbies, emptySlots int) {
	if m != nil {
		m.openLobbies.Set(float64(lobbies))
		m.poolEmptySlots.Set(float64(emptySlots))
	}
}

func (m *Metrics) ContestRecorded() {
	if m != nil {
		m.contestsRecords.Inc()
	}
}

func (m *Metrics) VotePassed(kind string) {
	if m != nil {
		m.votesPassed.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) MapSkipped() {
	if m != nil {
		m.mapsSkipped.Inc()
	}
}
