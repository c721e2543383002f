package market

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"marketbroker/identity"
)

// CommonBroker implements the Proposal/Agreement operations shared by both
// market roles. It owns no peer transport — RequestorBroker layers PeerApi
// calls around the operations exposed here.
type CommonBroker struct {
	store             Store
	subs              SubscriptionStore
	locks             *AgreementLock
	agreementNotifier *Notifier[AgreementId]
	sessionNotifier   *Notifier[string]
	// subscriptionNotifier wakes query_events long-polls; it is private
	// plumbing, not one of the broker's named collaborators.
	subscriptionNotifier *Notifier[SubscriptionId]
	cfg                  Config
	metrics              *Metrics
	log                  *slog.Logger

	eventsMu sync.Mutex
	events   map[SubscriptionId]*eventRing
}

// NewCommonBroker wires a CommonBroker from its collaborators.
func NewCommonBroker(store Store, subs SubscriptionStore, cfg Config, metrics *Metrics, logger *slog.Logger) *CommonBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommonBroker{
		store:                store,
		subs:                 subs,
		locks:                NewAgreementLock(),
		agreementNotifier:    NewNotifier[AgreementId](),
		sessionNotifier:      NewNotifier[string](),
		subscriptionNotifier: NewNotifier[SubscriptionId](),
		cfg:                  cfg,
		metrics:              metrics,
		log:                  logger,
		events:                make(map[SubscriptionId]*eventRing),
	}
}

func (b *CommonBroker) eventRingFor(sub SubscriptionId) *eventRing {
	b.eventsMu.Lock()
	defer b.eventsMu.Unlock()
	r, ok := b.events[sub]
	if !ok {
		nr := newEventRing(b.cfg.AgreementEventsBuffer)
		r = &nr
		b.events[sub] = r
	}
	return r
}

func (b *CommonBroker) queueEvent(sub SubscriptionId, ev Event) {
	r := b.eventRingFor(sub)
	b.eventsMu.Lock()
	r.push(ev)
	b.eventsMu.Unlock()
	b.subscriptionNotifier.Notify(sub)
}

// queueAgreementEvent resolves a's demand subscription and queues kind
// against it, the same way Proposal events surface through query_events.
func (b *CommonBroker) queueAgreementEvent(ctx context.Context, a *Agreement, kind EventKind, reason *Reason) {
	demandProposal, err := b.store.GetProposal(ctx, a.DemandProposalId)
	if err != nil {
		return
	}
	b.queueEvent(demandProposal.DemandSubscription, Event{Kind: kind, AgreementId: a.Id, Reason: reason, Timestamp: time.Now().UTC()})
}

// CounterProposal validates prevId belongs to demandId, is non-terminal and
// was issued by Them, then delegates persistence to the Store.
func (b *CommonBroker) CounterProposal(ctx context.Context, demandId SubscriptionId, prevId ProposalId, body ProposalBody, owner Role) (*Proposal, bool, error) {
	prev, err := b.store.GetProposal(ctx, prevId)
	if err != nil {
		return nil, false, err
	}
	if prev.DemandSubscription != demandId {
		return nil, false, ErrNotFound
	}
	if prev.State.Terminal() {
		return nil, false, ErrTerminalState
	}
	if prev.Issuer != Them {
		return nil, false, ErrOwnProposal
	}
	proposal, isFirst, err := b.store.CounterProposal(ctx, prevId, body, Us, owner)
	if err != nil {
		return nil, false, err
	}
	b.metrics.recordProposalCountered(ctx)
	b.log.Info("proposal countered", "demand", demandId, "prev", prevId, "proposal", proposal.Id)
	return proposal, isFirst, nil
}

// RejectProposal transitions the Proposal to Rejected and returns it.
func (b *CommonBroker) RejectProposal(ctx context.Context, demandId SubscriptionId, id ProposalId, by Issuer, reason *Reason) (*Proposal, error) {
	p, err := b.store.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.DemandSubscription != demandId {
		return nil, ErrNotFound
	}
	rejected, err := b.store.RejectProposal(ctx, id, by, reason)
	if err != nil {
		return nil, err
	}
	b.metrics.recordProposalRejected(ctx, by, p.PrevId == nil)
	return rejected, nil
}

// GetProposal loads a Proposal scoped to demandId.
func (b *CommonBroker) GetProposal(ctx context.Context, demandId SubscriptionId, id ProposalId) (*Proposal, error) {
	p, err := b.store.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.DemandSubscription != demandId {
		return nil, ErrNotFound
	}
	return p, nil
}

// QueryEvents blocks up to timeout (clamped >= 0) for events queued against
// subscription, returning immediately if any are already ready. On timeout
// it returns an empty slice, never an error.
func (b *CommonBroker) QueryEvents(ctx context.Context, subscription SubscriptionId, timeout time.Duration, maxEvents int) ([]Event, error) {
	if timeout < 0 {
		timeout = 0
	}
	deadline := time.Now().Add(timeout)

	for {
		token := b.subscriptionNotifier.Subscribe(subscription)
		r := b.eventRingFor(subscription)
		b.eventsMu.Lock()
		drained := r.drain(maxEvents)
		b.eventsMu.Unlock()
		if len(drained) > 0 {
			b.subscriptionNotifier.Unsubscribe(subscription, token)
			b.metrics.recordEventsQueried(ctx, len(drained))
			return drained, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			b.subscriptionNotifier.Unsubscribe(subscription, token)
			return nil, nil
		}
		disp := token.Wait(ctx, remaining)
		switch disp {
		case Woken:
			continue
		default:
			return nil, nil
		}
	}
}

// OnProposalReceived handles an inbound counter/rejection-eligible Proposal
// delivered by the peer bus. caller must be validated by the transport layer
// before this is invoked; a loopback of our own message is detected and
// dropped as a self-reaction attempt.
func (b *CommonBroker) OnProposalReceived(ctx context.Context, demandId SubscriptionId, prevId ProposalId, body ProposalBody, owner Role) (*Proposal, error) {
	prev, err := b.store.GetProposal(ctx, prevId)
	if err != nil {
		return nil, err
	}
	if prev.DemandSubscription != demandId {
		return nil, ErrNotFound
	}
	if prev.Issuer != Us {
		b.metrics.recordSelfReactionAttempt(ctx)
		return nil, ErrNotFound
	}
	if prev.State.Terminal() {
		return nil, ErrTerminalState
	}
	proposal, _, err := b.store.CounterProposal(ctx, prevId, body, Them, owner)
	if err != nil {
		return nil, err
	}
	b.queueEvent(demandId, Event{Kind: EventNewProposal, ProposalId: proposal.Id, Timestamp: time.Now().UTC()})
	b.metrics.recordProposalReceived(ctx)
	return proposal, nil
}

// OnProposalRejected handles an inbound rejection of a Proposal we sent.
func (b *CommonBroker) OnProposalRejected(ctx context.Context, demandId SubscriptionId, id ProposalId, reason *Reason) error {
	p, err := b.store.GetProposal(ctx, id)
	if err != nil {
		return err
	}
	if p.DemandSubscription != demandId {
		return ErrNotFound
	}
	if _, err := b.store.RejectProposal(ctx, id, Them, reason); err != nil {
		return err
	}
	b.queueEvent(demandId, Event{Kind: EventProposalRejected, ProposalId: id, Reason: reason, Timestamp: time.Now().UTC()})
	b.metrics.recordProposalRejected(ctx, Them, p.PrevId == nil)
	return nil
}

// OnAgreementTerminated handles an inbound Agreement termination from the
// peer, under the per-Agreement lock.
func (b *CommonBroker) OnAgreementTerminated(ctx context.Context, id AgreementId, caller identity.NodeId, reason *Reason) error {
	release := b.locks.Lock(id)
	defer release()

	a, err := b.store.Select(ctx, id, nil, time.Now().UTC())
	if err != nil {
		return err
	}
	if a == nil {
		return ErrNotFound
	}
	if !a.ProviderId.Equal(caller) {
		return ErrNotFound
	}
	if err := b.store.Terminate(ctx, id, reason); err != nil {
		return redactToRemote(id, err)
	}
	code := ""
	if reason != nil {
		code = reason.Code
	}
	b.metrics.recordAgreementTerminated(ctx, code)
	b.queueAgreementEvent(ctx, a, EventAgreementTerminated, reason)
	b.notifyAgreement(a)
	return nil
}

// Unsubscribe drops a Demand/Offer and tears down its derived negotiation
// state (queued events, subscription-level waiters). It does not touch
// Agreements already promoted out of this subscription's Proposals — those
// continue independently once created.
func (b *CommonBroker) Unsubscribe(id SubscriptionId) {
	b.subscriptionNotifier.UnsubscribeAll(id)
	b.eventsMu.Lock()
	delete(b.events, id)
	b.eventsMu.Unlock()
}

// GenerateProposal turns a matched Offer/Demand pair from the ProposalPump
// into a stored initial Proposal and emits a NewProposal event.
func (b *CommonBroker) GenerateProposal(ctx context.Context, raw RawProposal, owner Role) (*Proposal, error) {
	p := &Proposal{
		Id:                 NewProposalId(),
		DemandSubscription: raw.DemandSubscription,
		OfferSubscription:  raw.OfferSubscription,
		Body:               raw.Body.Clone(),
		Issuer:             Them,
		Owner:              owner,
		State:              ProposalInitial,
		CreatedAt:          time.Now().UTC(),
	}
	if err := b.store.SaveProposal(ctx, p); err != nil {
		return nil, err
	}
	b.queueEvent(raw.DemandSubscription, Event{Kind: EventNewProposal, ProposalId: p.Id, Timestamp: p.CreatedAt})
	b.metrics.recordProposalGenerated(ctx)
	return p, nil
}

// notifyAgreement wakes the Agreement notifier and, if set, the AppSession
// notifier for a's app_session_id.
func (b *CommonBroker) notifyAgreement(a *Agreement) {
	b.agreementNotifier.Notify(a.Id)
	if a.AppSessionId != nil {
		b.sessionNotifier.Notify(*a.AppSessionId)
	}
}
