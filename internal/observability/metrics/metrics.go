package metrics

import "github.com/prometheus/client_golang/prometheus"

// PipelineMetrics exposes counters/histograms for the deidentify → generate →
// reidentify pipeline. Labels carry operation and stage names only, never
// payload content.
type PipelineMetrics struct {
	requestsTotal   *prometheus.CounterVec
	stageLatency    *prometheus.HistogramVec
	llmTokens       *prometheus.CounterVec
	gatewayRequests *prometheus.CounterVec
}

func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	m := &PipelineMetrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phigateway",
			Subsystem: "pipeline",
			Name:      "requests_total",
			Help:      "Total pipeline invocations",
		}, []string{"operation", "status"}),
		stageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "phigateway",
			Subsystem: "pipeline",
			Name:      "stage_latency_seconds",
			Help:      "Latency of individual pipeline stages",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phigateway",
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "LLM token usage reported by the provider",
		}, []string{"direction"}),
		gatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phigateway",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "HTTP requests served, by route pattern and status code",
		}, []string{"endpoint", "status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.requestsTotal, m.stageLatency, m.llmTokens, m.gatewayRequests)
	return m
}

func (m *PipelineMetrics) ObserveRequest(operation, status string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(operation, status).Inc()
}

func (m *PipelineMetrics) ObserveStageLatency(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.stageLatency.WithLabelValues(stage).Observe(seconds)
}

func (m *PipelineMetrics) ObserveGatewayRequest(endpoint, status string) {
	if m == nil {
		return
	}
	m.gatewayRequests.WithLabelValues(endpoint, status).Inc()
}

func (m *PipelineMetrics) ObserveTokens(input, output int32) {
	if m == nil {
		return
	}
	m.llmTokens.WithLabelValues("input").Add(float64(input))
	m.llmTokens.WithLabelValues("output").Add(float64(output))
}
