package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the exchange node.
type Metrics struct {
	// Gateway metrics
	RequestsAccepted  *prometheus.CounterVec
	ForwardFailures   *prometheus.CounterVec
	CallbacksDelivered prometheus.Counter
	CallbacksDropped  prometheus.Counter
	PeerCallLatency   *prometheus.HistogramVec

	// Consent metrics
	ConsentTransitions *prometheus.CounterVec

	// Linking metrics
	LinkAttemptsInitiated prometheus.Counter
	LinkConfirmations     *prometheus.CounterVec

	// Discovery metrics
	DiscoveryResolutions *prometheus.CounterVec

	// Transfer metrics
	TransfersCompleted *prometheus.CounterVec
	BundlesPushed      prometheus.Counter
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		RequestsAccepted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "setu_requests_accepted_total",
			Help: "Total protocol requests accepted, labeled by operation",
		}, []string{"operation"}),
		ForwardFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "setu_forward_failures_total",
			Help: "Total forward attempts that failed, labeled by destination",
		}, []string{"destination"}),
		CallbacksDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "setu_callbacks_delivered_total",
			Help: "Total asynchronous callbacks delivered to requesters",
		}),
		CallbacksDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "setu_callbacks_dropped_total",
			Help: "Total callbacks dropped because no correlation entry matched",
		}),
		PeerCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "setu_peer_call_latency_seconds",
			Help:    "Latency of outbound peer calls in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"destination"}),
		ConsentTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "setu_consent_transitions_total",
			Help: "Consent request state transitions, labeled by target state",
		}, []string{"state"}),
		LinkAttemptsInitiated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "setu_link_attempts_initiated_total",
			Help: "Total OTP link attempts initiated",
		}),
		LinkConfirmations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "setu_link_confirmations_total",
			Help: "Link confirmation outcomes, labeled by result",
		}, []string{"result"}),
		DiscoveryResolutions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "setu_discovery_resolutions_total",
			Help: "Patient discovery outcomes, labeled by match tier",
		}, []string{"matched_by"}),
		TransfersCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "setu_transfers_completed_total",
			Help: "Health-information transfer outcomes, labeled by status",
		}, []string{"status"}),
		BundlesPushed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "setu_bundles_pushed_total",
			Help: "Total clinical bundles pushed to requester endpoints",
		}),
	}
}

func (m *Metrics) IncrementRequestsAccepted(operation string) {
	m.RequestsAccepted.WithLabelValues(operation).Inc()
}

func (m *Metrics) IncrementForwardFailures(destination string) {
	m.ForwardFailures.WithLabelValues(destination).Inc()
}

func (m *Metrics) IncrementCallbacksDelivered() {
	m.CallbacksDelivered.Inc()
}

func (m *Metrics) IncrementCallbacksDropped() {
	m.CallbacksDropped.Inc()
}

// ObservePeerCallLatency records the latency for an outbound call to a peer actor.
func (m *Metrics) ObservePeerCallLatency(destination string, seconds float64) {
	m.PeerCallLatency.WithLabelValues(destination).Observe(seconds)
}

func (m *Metrics) IncrementConsentTransition(state string) {
	m.ConsentTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) IncrementLinkAttemptsInitiated() {
	m.LinkAttemptsInitiated.Inc()
}

func (m *Metrics) IncrementLinkConfirmations(result string) {
	m.LinkConfirmations.WithLabelValues(result).Inc()
}

func (m *Metrics) IncrementDiscoveryResolutions(matchedBy string) {
	m.DiscoveryResolutions.WithLabelValues(matchedBy).Inc()
}

func (m *Metrics) IncrementTransfersCompleted(status string) {
	m.TransfersCompleted.WithLabelValues(status).Inc()
}

func (m *Metrics) IncrementBundlesPushed(count int) {
	m.BundlesPushed.Add(float64(count))
}
