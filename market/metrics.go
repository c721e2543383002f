package market

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors a CommonBroker/RequestorBroker
// reports to. Each Metrics owns a private registry rather than registering
// against prometheus.DefaultRegisterer, the same scoping the teacher's
// gateway/middleware/observability.go uses so more than one component can
// run in the same process without colliding on collector names. Every
// counter is created and incremented by zero eagerly, so a dashboard never
// has to special-case "the series hasn't started yet."
type Metrics struct {
	registry *prometheus.Registry

	proposalsCountered    prometheus.Counter
	proposalsGenerated    prometheus.Counter
	proposalsReceived     prometheus.Counter
	proposalsRejectedInit prometheus.Counter
	proposalsRejectedThem prometheus.Counter
	proposalsRejectedUs   prometheus.Counter
	proposalsSelfReaction prometheus.Counter
	agreementsCreated     prometheus.Counter
	agreementsConfirmed   prometheus.Counter
	agreementsApproved    prometheus.Counter
	agreementsCancelled   prometheus.Counter
	agreementsRejected    prometheus.Counter
	agreementsTerminated  *prometheus.CounterVec
	eventsQueried         prometheus.Counter
}

// NewMetrics builds a Metrics bound to its own Prometheus registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "marketbroker",
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}
	m := &Metrics{
		registry:              registry,
		proposalsCountered:    counter("proposals_countered_total", "Proposals countered by this requestor."),
		proposalsGenerated:    counter("proposals_generated_total", "Initial proposals generated from matched Offer/Demand pairs."),
		proposalsReceived:     counter("proposals_received_total", "Proposals received from the peer."),
		proposalsRejectedInit: counter("proposals_rejected_initial_total", "Initial proposals rejected outright."),
		proposalsRejectedThem: counter("proposals_rejected_by_them_total", "Proposals rejected by the peer."),
		proposalsRejectedUs:   counter("proposals_rejected_by_us_total", "Proposals rejected by this requestor."),
		proposalsSelfReaction: counter("proposals_self_reaction_attempt_total", "Inbound counters to a proposal the peer itself issued."),
		agreementsCreated:     counter("agreements_created_total", "Agreements created from an Offer proposal."),
		agreementsConfirmed:   counter("agreements_confirmed_total", "Agreements confirmed and proposed to the peer."),
		agreementsApproved:    counter("agreements_approved_total", "Agreements approved by the peer."),
		agreementsCancelled:   counter("agreements_cancelled_total", "Agreements cancelled by this requestor."),
		agreementsRejected:    counter("agreements_rejected_total", "Agreements rejected by the peer."),
		eventsQueried:         counter("events_queried_total", "Events drained by query_events."),
	}
	m.agreementsTerminated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketbroker",
		Name:      "agreements_terminated_total",
		Help:      "Agreements terminated, labeled by termination reason code.",
	}, []string{"reason"})
	registry.MustRegister(m.agreementsTerminated)
	// Zero-initialize the labeled series, matching NotSpecified/Success in
	// the original's eager counter warm-up.
	m.agreementsTerminated.WithLabelValues("").Add(0)
	m.agreementsTerminated.WithLabelValues("Success").Add(0)
	return m
}

// MetricsHandler exposes the registry for scraping.
func (m *Metrics) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) recordProposalCountered(ctx context.Context) { m.proposalsCountered.Inc() }
func (m *Metrics) recordProposalGenerated(ctx context.Context) { m.proposalsGenerated.Inc() }
func (m *Metrics) recordProposalReceived(ctx context.Context)  { m.proposalsReceived.Inc() }

func (m *Metrics) recordProposalRejected(ctx context.Context, by Issuer, initial bool) {
	if initial {
		m.proposalsRejectedInit.Inc()
		return
	}
	if by == Them {
		m.proposalsRejectedThem.Inc()
	} else {
		m.proposalsRejectedUs.Inc()
	}
}

func (m *Metrics) recordSelfReactionAttempt(ctx context.Context) {
	m.proposalsSelfReaction.Inc()
}

func (m *Metrics) recordAgreementCreated(ctx context.Context)   { m.agreementsCreated.Inc() }
func (m *Metrics) recordAgreementConfirmed(ctx context.Context) { m.agreementsConfirmed.Inc() }
func (m *Metrics) recordAgreementApproved(ctx context.Context)  { m.agreementsApproved.Inc() }
func (m *Metrics) recordAgreementCancelled(ctx context.Context) { m.agreementsCancelled.Inc() }
func (m *Metrics) recordAgreementRejected(ctx context.Context)  { m.agreementsRejected.Inc() }

func (m *Metrics) recordAgreementTerminated(ctx context.Context, reason string) {
	m.agreementsTerminated.WithLabelValues(reason).Inc()
}

func (m *Metrics) recordEventsQueried(ctx context.Context, n int) {
	m.eventsQueried.Add(float64(n))
}
