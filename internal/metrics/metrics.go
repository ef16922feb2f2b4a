package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tutorsync"

var (
	once sync.Once

	apiRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Count of backend API requests by method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	apiDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "Backend API request latency.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2, 5},
		},
		[]string{"method"},
	)

	apiCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_cache_total",
			Help:      "Count of catalog cache lookups by result.",
		},
		[]string{"result"},
	)

	pollCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Count of poll cycles by resource and result.",
		},
		[]string{"resource", "result"},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Count of user notifications emitted by kind.",
		},
		[]string{"kind"},
	)

	staleResponses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_responses_total",
			Help:      "Count of responses dropped because a newer one was already applied.",
		},
		[]string{"resource"},
	)

	optimisticRollbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimistic_rollbacks_total",
			Help:      "Count of optimistic updates discarded because the server disagreed.",
		},
		[]string{"resource"},
	)

	policyViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_violations_total",
			Help:      "Count of actions refused by lifecycle rules.",
		},
		[]string{"entity"},
	)

	pollersPaused = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pollers_paused",
			Help:      "1 while polling is paused by visibility, else 0.",
		},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			apiRequests, apiDuration, apiCache,
			pollCycles, notifications, staleResponses,
			optimisticRollbacks, policyViolations, pollersPaused,
		)
	})
}

func ObserveRequest(method, outcome string, took time.Duration) {
	apiRequests.WithLabelValues(method, outcome).Inc()
	apiDuration.WithLabelValues(method).Observe(took.Seconds())
}

func IncCache(result string) {
	apiCache.WithLabelValues(result).Inc()
}

func IncPollCycle(resource, result string) {
	pollCycles.WithLabelValues(resource, result).Inc()
}

func IncNotification(kind string) {
	notifications.WithLabelValues(kind).Inc()
}

func IncStaleResponse(resource string) {
	staleResponses.WithLabelValues(resource).Inc()
}

func IncOptimisticRollback(resource string) {
	optimisticRollbacks.WithLabelValues(resource).Inc()
}

func IncPolicyViolation(entity string) {
	policyViolations.WithLabelValues(entity).Inc()
}

func SetPaused(paused bool) {
	if paused {
		pollersPaused.Set(1)
		return
	}
	pollersPaused.Set(0)
}
