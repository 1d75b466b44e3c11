package convsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's prometheus collectors.
type Metrics struct {
	FeedEvents          *prometheus.CounterVec
	ConversionsRejected *prometheus.CounterVec
	StaleResults        prometheus.Counter
	RemoteCalls         *prometheus.CounterVec
	Retries             prometheus.Counter
	Downloads           *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FeedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convsync",
			Name:      "feed_events_total",
			Help:      "Feed events applied to the cache, by event type.",
		}, []string{"type"}),
		ConversionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convsync",
			Name:      "conversions_rejected_total",
			Help:      "Remote records skipped because they could not be converted.",
		}, []string{"kind"}),
		StaleResults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "convsync",
			Name:      "stale_results_total",
			Help:      "Message pages discarded because the active conversation changed.",
		}),
		RemoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convsync",
			Name:      "remote_calls_total",
			Help:      "Remote provider calls, by operation and result.",
		}, []string{"op", "result"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "convsync",
			Name:      "retries_total",
			Help:      "Remote calls repeated by the retry policy.",
		}),
		Downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convsync",
			Name:      "downloads_total",
			Help:      "Media downloads, by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.FeedEvents, m.ConversionsRejected, m.StaleResults, m.RemoteCalls, m.Retries, m.Downloads)
	}
	return m
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
