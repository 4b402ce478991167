package metrics

import "github.com/prometheus/client_golang/prometheus"

// EngineMetrics exposes counters/histograms for the scheduling engine.
// All methods are safe on a nil receiver so components can run without metrics.
type EngineMetrics struct {
	sessionAcquire   *prometheus.CounterVec
	remoteCalls      *prometheus.CounterVec
	remoteLatency    *prometheus.HistogramVec
	searchMode       *prometheus.CounterVec
	prescreenAnswers *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	dispatch         *prometheus.CounterVec
	campaignSends    *prometheus.CounterVec
	webhookLatency   *prometheus.HistogramVec
}

func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		sessionAcquire: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trialsched",
			Subsystem: "session",
			Name:      "acquire_total",
			Help:      "Shared scheduling session acquisitions by consumer and outcome",
		}, []string{"consumer", "outcome"}),
		remoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trialsched",
			Subsystem: "remote",
			Name:      "calls_total",
			Help:      "Remote scheduling system calls by operation and outcome",
		}, []string{"operation", "outcome"}),
		remoteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "trialsched",
			Subsystem: "remote",
			Name:      "call_latency_seconds",
			Help:      "Latency of remote scheduling system calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		searchMode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trialsched",
			Subsystem: "trials",
			Name:      "search_total",
			Help:      "Trial searches by serving mode",
		}, []string{"mode"}),
		prescreenAnswers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trialsched",
			Subsystem: "prescreening",
			Name:      "answers_total",
			Help:      "Prescreening answers by extractor and auto evaluation",
		}, []string{"extractor", "auto_evaluated"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trialsched",
			Subsystem: "reschedule",
			Name:      "transitions_total",
			Help:      "Reschedule request state transitions",
		}, []string{"from", "to"}),
		dispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trialsched",
			Subsystem: "reschedule",
			Name:      "dispatch_total",
			Help:      "Reschedule outbound dispatch attempts by outcome",
		}, []string{"outcome"}),
		campaignSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trialsched",
			Subsystem: "campaigns",
			Name:      "sends_total",
			Help:      "Campaign outbound sends by outcome",
		}, []string{"outcome"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "trialsched",
			Subsystem: "messaging",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of inbound SMS webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handled_by"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.sessionAcquire, m.remoteCalls, m.remoteLatency, m.searchMode,
		m.prescreenAnswers, m.transitions, m.dispatch, m.campaignSends, m.webhookLatency,
	)
	return m
}

func (m *EngineMetrics) ObserveSessionAcquire(consumer, outcome string) {
	if m == nil {
		return
	}
	m.sessionAcquire.WithLabelValues(consumer, outcome).Inc()
}

func (m *EngineMetrics) ObserveRemoteCall(operation, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.remoteCalls.WithLabelValues(operation, outcome).Inc()
	m.remoteLatency.WithLabelValues(operation).Observe(seconds)
}

func (m *EngineMetrics) ObserveSearch(mode string) {
	if m == nil {
		return
	}
	m.searchMode.WithLabelValues(mode).Inc()
}

func (m *EngineMetrics) ObservePrescreenAnswer(extractor string, autoEvaluated bool) {
	if m == nil {
		return
	}
	label := "false"
	if autoEvaluated {
		label = "true"
	}
	m.prescreenAnswers.WithLabelValues(extractor, label).Inc()
}

func (m *EngineMetrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *EngineMetrics) ObserveDispatch(outcome string) {
	if m == nil {
		return
	}
	m.dispatch.WithLabelValues(outcome).Inc()
}

func (m *EngineMetrics) ObserveCampaignSend(outcome string) {
	if m == nil {
		return
	}
	m.campaignSends.WithLabelValues(outcome).Inc()
}

func (m *EngineMetrics) ObserveWebhookLatency(handledBy string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(handledBy).Observe(seconds)
}
