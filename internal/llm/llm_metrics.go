package llm

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the LLM access layer.
type Metrics struct {
	CallsTotal      prometheus.Counter
	TokensIn        prometheus.Counter
	TokensOut       prometheus.Counter
	CallDuration    prometheus.Histogram
	CacheHitsTotal  prometheus.Counter
	CacheMissTotal  prometheus.Counter
	RetriesTotal    prometheus.Counter
	RateLimitWait   prometheus.Histogram
}

// NewMetrics registers and returns access-layer metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_llm_calls_total",
			Help: "Total successful LLM provider calls.",
		}),
		TokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_llm_tokens_input_total",
			Help: "Total LLM input tokens consumed.",
		}),
		TokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_llm_tokens_output_total",
			Help: "Total LLM output tokens consumed.",
		}),
		CallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_llm_call_duration_seconds",
			Help:    "Duration of individual LLM calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s .. ~64s
		}),
		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_llm_cache_hits_total",
			Help: "LLM response cache hits.",
		}),
		CacheMissTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_llm_cache_misses_total",
			Help: "LLM response cache misses.",
		}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_llm_retries_total",
			Help: "Transient LLM failures that triggered a retry.",
		}),
		RateLimitWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_llm_rate_limit_wait_seconds",
			Help:    "Time callers spent waiting on the rate-limit bucket.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8), // 1ms .. ~16s
		}),
	}

	reg.MustRegister(
		m.CallsTotal,
		m.TokensIn,
		m.TokensOut,
		m.CallDuration,
		m.CacheHitsTotal,
		m.CacheMissTotal,
		m.RetriesTotal,
		m.RateLimitWait,
	)

	return m
}

// Hooks returns access-layer hooks that increment the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnCacheHit:  m.CacheHitsTotal.Inc,
		OnCacheMiss: m.CacheMissTotal.Inc,
		OnRateLimitWait: func(seconds float64) {
			m.RateLimitWait.Observe(seconds)
		},
		OnRetry: func(int) {
			m.RetriesTotal.Inc()
		},
		OnCall: func(inputTokens, outputTokens int, seconds float64) {
			m.CallsTotal.Inc()
			m.TokensIn.Add(float64(inputTokens))
			m.TokensOut.Add(float64(outputTokens))
			m.CallDuration.Observe(seconds)
		},
	}
}
