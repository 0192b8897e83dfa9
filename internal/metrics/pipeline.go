package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentfeed"

// Pipeline holds the collectors for stream ingestion. A nil *Pipeline is
// valid and records nothing.
type Pipeline struct {
	registry *prometheus.Registry

	frames        *prometheus.CounterVec
	messages      *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	reconnects    *prometheus.CounterVec
	evictions     *prometheus.CounterVec
	buffers       prometheus.Gauge
	historyLoads  *prometheus.CounterVec
	mergeDuration prometheus.Histogram
}

func NewPipeline() *Pipeline {
	reg := prometheus.NewRegistry()
	p := &Pipeline{
		registry: reg,
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Raw stream frames by outcome",
		}, []string{"result"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Canonical messages by source and category",
		}, []string{"source", "category"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_transitions_total",
			Help:      "Connection state transitions by target state",
		}, []string{"state"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnect requests by trigger",
		}, []string{"trigger"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partial_buffer_evictions_total",
			Help:      "Partial buffers removed before finalization",
		}, []string{"reason"}),
		buffers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "partial_buffers",
			Help:      "Partial buffers currently accumulating",
		}),
		historyLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_loads_total",
			Help:      "Historical message loads by result",
		}, []string{"result"}),
		mergeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "merge_duration_seconds",
			Help:      "Time spent in a full timeline merge",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 12),
		}),
	}
	reg.MustRegister(
		p.frames,
		p.messages,
		p.transitions,
		p.reconnects,
		p.evictions,
		p.buffers,
		p.historyLoads,
		p.mergeDuration,
	)
	return p
}

func (p *Pipeline) Registry() *prometheus.Registry {
	if p == nil {
		return nil
	}
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Pipeline) Handler() http.Handler {
	if p == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Pipeline) Frame(result string) {
	if p == nil {
		return
	}
	p.frames.WithLabelValues(result).Inc()
}

func (p *Pipeline) Message(source, category string) {
	if p == nil {
		return
	}
	p.messages.WithLabelValues(source, category).Inc()
}

func (p *Pipeline) Transition(state string) {
	if p == nil {
		return
	}
	p.transitions.WithLabelValues(state).Inc()
}

func (p *Pipeline) Reconnect(trigger string) {
	if p == nil {
		return
	}
	p.reconnects.WithLabelValues(trigger).Inc()
}

func (p *Pipeline) Evicted(reason string, n int) {
	if p == nil || n <= 0 {
		return
	}
	p.evictions.WithLabelValues(reason).Add(float64(n))
}

func (p *Pipeline) Buffers(n int) {
	if p == nil {
		return
	}
	p.buffers.Set(float64(n))
}

func (p *Pipeline) HistoryLoad(result string) {
	if p == nil {
		return
	}
	p.historyLoads.WithLabelValues(result).Inc()
}

func (p *Pipeline) MergeSeconds(seconds float64) {
	if p == nil {
		return
	}
	p.mergeDuration.Observe(seconds)
}
