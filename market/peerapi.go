package market

import "context"

// PeerApi is the outbound half of the peer-to-peer message bus adapter, as
// consumed by RequestorBroker. The inbound half arrives as direct calls into
// CommonBroker/RequestorBroker's on_* handlers from whatever dispatches bus
// messages (see the peer package).
type PeerApi interface {
	// InitialProposal sends the first message of a negotiation chain.
	InitialProposal(ctx context.Context, p *Proposal) error
	// CounterProposal sends a subsequent counter in an existing chain.
	CounterProposal(ctx context.Context, p *Proposal) error
	RejectProposal(ctx context.Context, by Issuer, p *Proposal, reason *Reason) error
	// ProposeAgreement sends the agreement artifact; the peer answers later
	// and asynchronously with AgreementApproved or AgreementRejected.
	ProposeAgreement(ctx context.Context, a *Agreement) error
	TerminateAgreement(ctx context.Context, a *Agreement, reason *Reason) error
	// AgreementCommitted is a best-effort notice sent while finishing the
	// local commit; it may race a peer-initiated cancel, which the peer
	// itself arbitrates.
	AgreementCommitted(ctx context.Context, a *Agreement) error
}
