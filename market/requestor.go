package market

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"marketbroker/identity"
)

// DemandRegistry is the write side of SubscriptionStore used only by the
// Requestor to publish and retire its own Demands. Matching against Offers
// is performed by an external collaborator out of scope here.
type DemandRegistry interface {
	SubscriptionStore
	PutDemand(d *Demand)
	RemoveDemand(id SubscriptionId)
}

// ApprovalStatus is the terminal disposition WaitForApproval resolves to.
type ApprovalStatus int

const (
	ApprovalApproved ApprovalStatus = iota
	ApprovalRejected
	ApprovalCancelled
)

func (s ApprovalStatus) String() string {
	switch s {
	case ApprovalApproved:
		return "Approved"
	case ApprovalRejected:
		return "Rejected"
	case ApprovalCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// RequestorEvent is the external projection of an internal Event returned by
// QueryEvents to an embedding caller.
type RequestorEvent struct {
	Kind        EventKind
	ProposalId  ProposalId
	AgreementId AgreementId
	Reason      *Reason
	Timestamp   time.Time
}

// RequestorBroker is the Requestor-side API surface of the negotiation
// broker. It layers PeerApi sends and Agreement-handshake orchestration
// around CommonBroker's shared Proposal/Agreement operations.
type RequestorBroker struct {
	common *CommonBroker
	peer   PeerApi
	subs   DemandRegistry
	self   identity.NodeId
	log    *slog.Logger
}

// NewRequestorBroker wires a RequestorBroker from its collaborators.
func NewRequestorBroker(common *CommonBroker, peer PeerApi, subs DemandRegistry, self identity.NodeId, logger *slog.Logger) *RequestorBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestorBroker{common: common, peer: peer, subs: subs, self: self, log: logger}
}

// Common exposes the underlying CommonBroker for inbound transports that
// dispatch Proposal-level peer callbacks directly.
func (r *RequestorBroker) Common() *CommonBroker { return r.common }

// SubscribeDemand registers a Demand. Matching it against Offers is
// delegated to an external matcher; this is the interface placeholder that
// lets the matcher learn the Demand exists.
func (r *RequestorBroker) SubscribeDemand(d *Demand) {
	r.subs.PutDemand(d)
}

// UnsubscribeDemand deregisters a Demand and drops its queued events and
// subscription-level waiters. Proposals and Agreements already stored for
// the Demand are left in the Store.
func (r *RequestorBroker) UnsubscribeDemand(id SubscriptionId) error {
	if _, ok := r.subs.GetDemand(id); !ok {
		return ErrNotFound
	}
	r.subs.RemoveDemand(id)
	r.common.Unsubscribe(id)
	return nil
}

// CounterProposal persists a counter to prevId and relays it to the peer.
func (r *RequestorBroker) CounterProposal(ctx context.Context, demandId SubscriptionId, prevId ProposalId, body ProposalBody) (ProposalId, error) {
	proposal, isFirst, err := r.common.CounterProposal(ctx, demandId, prevId, body, Requestor)
	if err != nil {
		return "", err
	}
	var sendErr error
	if isFirst {
		sendErr = r.peer.InitialProposal(ctx, proposal)
	} else {
		sendErr = r.peer.CounterProposal(ctx, proposal)
	}
	if sendErr != nil {
		return proposal.Id, NewProposalSendError(prevId, sendErr)
	}
	return proposal.Id, nil
}

// RejectProposal commits the rejection locally before attempting to notify
// the peer; the rejection remains durable even if the send fails.
func (r *RequestorBroker) RejectProposal(ctx context.Context, demandId SubscriptionId, id ProposalId, reason *Reason) error {
	proposal, err := r.common.RejectProposal(ctx, demandId, id, Us, reason)
	if err != nil {
		return err
	}
	if err := r.peer.RejectProposal(ctx, Us, proposal, reason); err != nil {
		return NewProposalSendError(id, err)
	}
	return nil
}

// QueryEvents delegates to CommonBroker and projects internal events into
// the external RequestorEvent shape.
func (r *RequestorBroker) QueryEvents(ctx context.Context, demandId SubscriptionId, timeout time.Duration, maxEvents int) ([]RequestorEvent, error) {
	events, err := r.common.QueryEvents(ctx, demandId, timeout, maxEvents)
	if err != nil {
		r.log.Warn("query_events failed", "subscription", demandId, "error", err)
		return nil, nil
	}
	out := make([]RequestorEvent, 0, len(events))
	for _, e := range events {
		out = append(out, RequestorEvent{
			Kind:        e.Kind,
			ProposalId:  e.ProposalId,
			AgreementId: e.AgreementId,
			Reason:      e.Reason,
			Timestamp:   e.Timestamp,
		})
	}
	return out, nil
}

// CreateAgreement promotes a Proposal pair into a new Agreement.
func (r *RequestorBroker) CreateAgreement(ctx context.Context, proposalId ProposalId, validTo time.Time) (AgreementId, error) {
	offerProposal, err := r.common.store.GetProposal(ctx, proposalId)
	if err != nil {
		return "", err
	}
	if offerProposal.PrevId == nil {
		return "", ErrNoNegotiations
	}
	if offerProposal.Issuer != Them {
		return "", ErrOwnProposal
	}
	demandProposal, err := r.common.store.GetProposal(ctx, *offerProposal.PrevId)
	if err != nil {
		return "", err
	}

	a := &Agreement{
		Id:               NewAgreementId(),
		DemandProposalId: demandProposal.Id,
		OfferProposalId:  offerProposal.Id,
		ProviderId:       identity.NodeId{}, // TODO: resolve from offer subscription's published identity
		RequestorId:      r.self,
		ValidTo:          validTo,
		State:            AgreementProposal,
		Owner:            Requestor,
		CreatedAt:        time.Now().UTC(),
	}
	if err := r.common.store.SaveAgreement(ctx, a); err != nil {
		return "", err
	}
	r.common.metrics.recordAgreementCreated(ctx)
	r.log.Info("agreement created", "agreement", a.Id, "proposal", proposalId)
	return a.Id, nil
}

// ConfirmAgreement is the handshake's hard path: it sends the Agreement
// artifact to the peer and, only if that succeeds, transitions the
// Agreement from Proposal to Pending — all under the per-Agreement lock so
// OnAgreementApproved never observes an uncommitted confirm.
func (r *RequestorBroker) ConfirmAgreement(ctx context.Context, agreementId AgreementId, appSessionId AppSessionId) error {
	release := r.common.locks.Lock(agreementId)
	defer release()

	requestorRole := Requestor
	a, err := r.common.store.Select(ctx, agreementId, &requestorRole, time.Now().UTC())
	if err != nil {
		return err
	}
	if a == nil {
		return ErrNotFound
	}
	if err := validateTransition(a.State, AgreementPending); err != nil {
		return err
	}
	if err := r.peer.ProposeAgreement(ctx, a); err != nil {
		return err
	}
	if err := r.common.store.Confirm(ctx, agreementId, appSessionId); err != nil {
		return err
	}
	r.common.metrics.recordAgreementConfirmed(ctx)
	r.log.Info("agreement confirmed", "agreement", agreementId)
	return nil
}

// WaitForApproval blocks until agreementId reaches a terminal disposition or
// timeout elapses. It subscribes before its first read, so a transition
// landing between subscribe and read is never missed.
func (r *RequestorBroker) WaitForApproval(ctx context.Context, agreementId AgreementId, timeout time.Duration) (ApprovalStatus, error) {
	token := r.common.agreementNotifier.Subscribe(agreementId)
	defer r.common.agreementNotifier.Unsubscribe(agreementId, token)

	deadline := time.Now().Add(timeout)
	for {
		a, err := r.common.store.Select(ctx, agreementId, nil, time.Now().UTC())
		if err != nil {
			return 0, err
		}
		if a == nil {
			return 0, ErrNotFound
		}
		switch a.State {
		case AgreementApproved:
			return ApprovalApproved, nil
		case AgreementRejected:
			return ApprovalRejected, nil
		case AgreementCancelled:
			return ApprovalCancelled, nil
		case AgreementExpired:
			return 0, &WaitForApprovalError{Id: agreementId, Err: ErrExpired}
		case AgreementProposal:
			return 0, &WaitForApprovalError{Id: agreementId, Err: ErrNotConfirmed}
		case AgreementTerminated:
			return 0, &WaitForApprovalError{Id: agreementId, Err: ErrTerminated}
		case AgreementPending, AgreementApproving:
			// fall through to wait
		default:
			return 0, &WaitForApprovalError{Id: agreementId, Err: ErrInternal}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, &WaitForApprovalError{Id: agreementId, Err: ErrTimeout}
		}
		switch token.Wait(ctx, remaining) {
		case Woken:
			continue
		case Timeout:
			return 0, &WaitForApprovalError{Id: agreementId, Err: ErrTimeout}
		case Unsubscribed:
			return ApprovalCancelled, nil
		default:
			return 0, &WaitForApprovalError{Id: agreementId, Err: ErrInternal}
		}
	}
}

// OnAgreementApproved is the peer callback delivered when the Provider
// approves a proposed Agreement. The heavy continuation (commit + notify)
// is scheduled as a goroutine so the callback itself returns promptly to the
// peer transport, while the per-Agreement lock guarantees CommitAgreement
// observes this transition's committed state.
func (r *RequestorBroker) OnAgreementApproved(ctx context.Context, agreementId AgreementId, caller identity.NodeId) error {
	release := r.common.locks.Lock(agreementId)

	a, err := r.common.store.Select(ctx, agreementId, nil, time.Now().UTC())
	if err != nil {
		release()
		return redactToRemote(agreementId, err)
	}
	if a == nil {
		release()
		return NotFoundRemote(agreementId)
	}
	if !a.ProviderId.Equal(caller) {
		release()
		return NotFoundRemote(agreementId)
	}
	// TODO: verify the peer's approval signature before committing the
	// transition; the signature algorithm and approved_ts provenance are an
	// unresolved hook (see identity.PrivateKey.Sign).

	if err := r.common.store.BeginApproval(ctx, agreementId); err != nil {
		release()
		return redactToRemote(agreementId, err)
	}

	go func() {
		defer release()
		if err := r.CommitAgreement(context.Background(), agreementId); err != nil {
			r.log.Warn("commit_agreement failed", "agreement", agreementId, "error", err)
		}
	}()
	return nil
}

// OnAgreementRejected is the peer callback delivered when the Provider
// rejects a proposed Agreement.
func (r *RequestorBroker) OnAgreementRejected(ctx context.Context, agreementId AgreementId, caller identity.NodeId, reason *Reason) error {
	release := r.common.locks.Lock(agreementId)
	defer release()

	a, err := r.common.store.Select(ctx, agreementId, nil, time.Now().UTC())
	if err != nil {
		return redactToRemote(agreementId, err)
	}
	if a == nil {
		return NotFoundRemote(agreementId)
	}
	if !a.ProviderId.Equal(caller) {
		return NotFoundRemote(agreementId)
	}
	if err := validateTransition(a.State, AgreementRejected); err != nil {
		return redactToRemote(agreementId, err)
	}
	if err := r.common.store.Reject(ctx, agreementId, reason); err != nil {
		return redactToRemote(agreementId, err)
	}
	r.common.metrics.recordAgreementRejected(ctx)
	r.common.queueAgreementEvent(ctx, a, EventAgreementRejected, reason)
	r.common.notifyAgreement(a)
	return nil
}

// CancelAgreement withdraws an Agreement still in Proposal or Pending,
// waking every in-flight WaitForApproval call with Cancelled.
func (r *RequestorBroker) CancelAgreement(ctx context.Context, agreementId AgreementId) error {
	release := r.common.locks.Lock(agreementId)
	defer release()

	a, err := r.common.store.Select(ctx, agreementId, nil, time.Now().UTC())
	if err != nil {
		return err
	}
	if err := r.common.store.Cancel(ctx, agreementId); err != nil {
		return err
	}
	r.common.metrics.recordAgreementCancelled(ctx)
	if a != nil {
		r.common.queueAgreementEvent(ctx, a, EventAgreementCancelled, nil)
	}
	r.common.agreementNotifier.UnsubscribeAll(agreementId)
	return nil
}

// CommitAgreement is the asynchronous continuation of OnAgreementApproved:
// it notifies the peer best-effort, then durably moves the Agreement from
// Approving to Approved.
func (r *RequestorBroker) CommitAgreement(ctx context.Context, agreementId AgreementId) error {
	a, err := r.common.store.Select(ctx, agreementId, nil, time.Now().UTC())
	if err != nil {
		return err
	}
	if a == nil {
		return ErrNotFound
	}

	if err := r.peer.AgreementCommitted(ctx, a); err != nil {
		r.log.Warn("agreement_committed notice failed", "agreement", agreementId, "error", err)
	}

	if err := r.common.store.Approve(ctx, agreementId, nil); err != nil {
		var invalid *InvalidTransitionError
		if errors.As(err, &invalid) {
			if invalid.From == AgreementExpired {
				return &AgreementError{Op: "commit_agreement", Id: agreementId, Err: ErrExpired}
			}
			return &AgreementError{Op: "commit_agreement", Id: agreementId, Err: invalid}
		}
		r.log.Error("commit_agreement: approve failed", "agreement", agreementId, "error", err)
		return &AgreementError{Op: "commit_agreement", Id: agreementId, Err: ErrInternal}
	}
	r.common.metrics.recordAgreementApproved(ctx)

	approved, err := r.common.store.Select(ctx, agreementId, nil, time.Now().UTC())
	if err == nil && approved != nil {
		r.common.queueAgreementEvent(ctx, approved, EventAgreementApproved, nil)
		r.common.notifyAgreement(approved)
	}
	return nil
}
