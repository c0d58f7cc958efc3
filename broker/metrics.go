package broker

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// metrics holds the broker's prometheus instruments on a private registry
// so multiple brokers in one process never collide.
type metrics struct {
	registry *prometheus.Registry
	server   *http.Server

	messages  *prometheus.CounterVec
	dispatch  *prometheus.CounterVec
	responses *prometheus.CounterVec
	expired   prometheus.Counter
	workers   prometheus.Gauge
	services  prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{registry: prometheus.NewRegistry()}

	m.messages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "norfab",
		Subsystem: "broker",
		Name:      "messages_total",
		Help:      "Messages received, by peer role and command.",
	}, []string{"role", "command"})
	m.dispatch = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "norfab",
		Subsystem: "broker",
		Name:      "dispatches_total",
		Help:      "Jobs dispatched to workers, by service.",
	}, []string{"service"})
	m.responses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "norfab",
		Subsystem: "broker",
		Name:      "responses_total",
		Help:      "Worker responses routed to clients, by service.",
	}, []string{"service"})
	m.expired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "norfab",
		Subsystem: "broker",
		Name:      "workers_expired_total",
		Help:      "Workers evicted after missed heartbeats.",
	})
	m.workers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "norfab",
		Subsystem: "broker",
		Name:      "workers",
		Help:      "Currently registered workers.",
	})
	m.services = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "norfab",
		Subsystem: "broker",
		Name:      "services",
		Help:      "Services with at least one registered worker.",
	})

	m.registry.MustRegister(m.messages, m.dispatch, m.responses, m.expired, m.workers, m.services)
	return m
}

func (m *metrics) serve(listen string, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	m.server = &http.Server{
		Addr:         listen,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("listen", listen).Msg("metrics listener failed")
		}
	}()
	log.Info().Str("listen", listen).Msg("metrics listening")
}

func (m *metrics) shutdown() {
	if m.server != nil {
		m.server.Close()
	}
}

func (m *metrics) message(role, command string) {
	m.messages.WithLabelValues(role, command).Inc()
}

func (m *metrics) dispatched(service string) {
	m.dispatch.WithLabelValues(service).Inc()
}

func (m *metrics) responded(service string) {
	m.responses.WithLabelValues(service).Inc()
}

func (m *metrics) workerExpired() {
	m.expired.Inc()
}

func (m *metrics) observe(workers, services int) {
	m.workers.Set(float64(workers))
	m.services.Set(float64(services))
}
