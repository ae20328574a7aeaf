package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/do"
)

const namespace = "mini_apartment"

// Manager holds the client-side metrics on a private registry.
type Manager struct {
	Registry *prometheus.Registry

	SavedToggles         *prometheus.CounterVec
	Searches             *prometheus.CounterVec
	SearchStaleResponses prometheus.Counter
	AssistantReplies     *prometheus.CounterVec
	APIRequestDuration   *prometheus.HistogramVec
}

func New(_ *do.Injector) (*Manager, error) {
	return NewManager(), nil
}

func NewManager() *Manager {
	registry := prometheus.NewRegistry()

	m := &Manager{
		Registry: registry,
		SavedToggles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saved_toggles_total",
			Help:      "Saved listing toggles by outcome.",
		}, []string{"result"}),
		Searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "searches_total",
			Help:      "Issued listing searches by outcome.",
		}, []string{"result"}),
		SearchStaleResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_stale_responses_total",
			Help:      "Search responses discarded because a newer search was issued.",
		}),
		AssistantReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assistant_replies_total",
			Help:      "Assistant replies by outcome.",
		}, []string{"result"}),
		APIRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "Latency of listings backend requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	registry.MustRegister(
		m.SavedToggles,
		m.Searches,
		m.SearchStaleResponses,
		m.AssistantReplies,
		m.APIRequestDuration,
		prometheus.NewGoCollector(),
	)

	return m
}
