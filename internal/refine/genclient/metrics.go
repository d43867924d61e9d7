package genclient

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	calls    *prometheus.CounterVec
	attempts prometheus.Counter
	tokens   *prometheus.CounterVec
}

func newMetrics(registry *prometheus.Registry) *metrics {
	if registry == nil {
		return nil
	}

	m := &metrics{
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "refiner_llm_calls_total",
				Help: "Generative calls by outcome",
			},
			[]string{"outcome"},
		),
		attempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "refiner_llm_attempts_total",
				Help: "Dispatch attempts, including retries",
			},
		),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "refiner_llm_tokens_total",
				Help: "Tokens reported by the provider",
			},
			[]string{"direction"},
		),
	}

	registry.MustRegister(m.calls, m.attempts, m.tokens)
	return m
}

func (m *metrics) call(outcome string) {
	if m != nil {
		m.calls.WithLabelValues(outcome).Inc()
	}
}

func (m *metrics) attempt() {
	if m != nil {
		m.attempts.Inc()
	}
}

func (m *metrics) usage(in, out int) {
	if m != nil {
		m.tokens.WithLabelValues("input").Add(float64(in))
		m.tokens.WithLabelValues("output").Add(float64(out))
	}
}
