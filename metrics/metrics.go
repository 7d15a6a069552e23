// Package metrics exposes vote counters in the Prometheus format.
package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/troydota/api.vote.komodohype.dev/polls"
)

type Metrics struct {
	registry *prometheus.Registry
	outcomes *prometheus.CounterVec
	errors   *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vote",
			Name:      "submissions_total",
			Help:      "Vote submissions by outcome.",
		}, []string{"outcome"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vote",
			Name:      "errors_total",
			Help:      "Failed operations by error kind.",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(m.outcomes, m.errors)
	m.registry.MustRegister(collectors.NewGoCollector())

	return m
}

// Observe records the result of a vote submission.
func (m *Metrics) Observe(out polls.VoteOutcome, err error) {
	if err != nil {
		m.errors.WithLabelValues(string(polls.KindOf(err))).Inc()
		return
	}
	m.outcomes.WithLabelValues(string(out.Kind)).Inc()
}

// Error records a failed non-vote operation.
func (m *Metrics) Error(err error) {
	if err != nil {
		m.errors.WithLabelValues(string(polls.KindOf(err))).Inc()
	}
}

// Handler serves the registry on a fiber route.
func (m *Metrics) Handler() fiber.Handler {
	h := fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return func(c *fiber.Ctx) error {
		h(c.Context())
		return nil
	}
}
