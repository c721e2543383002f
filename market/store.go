package market

import (
	"context"
	"time"
)

// Store exposes atomic operations on Proposals and Agreements. Every method
// is transactional: either the state change and its precondition check both
// commit, or neither does.
type Store interface {
	SaveProposal(ctx context.Context, p *Proposal) error
	// CounterProposal loads prevId, verifies it is Draft or Initial and
	// non-terminal, inserts newProposal with PrevId = prevId, and reports
	// whether this is the first counter in the chain (prev has no
	// predecessor and no sibling counter was sent yet).
	CounterProposal(ctx context.Context, prevId ProposalId, body ProposalBody, issuer Issuer, owner Role) (proposal *Proposal, isFirst bool, err error)
	RejectProposal(ctx context.Context, id ProposalId, by Issuer, reason *Reason) (*Proposal, error)
	GetProposal(ctx context.Context, id ProposalId) (*Proposal, error)

	SaveAgreement(ctx context.Context, a *Agreement) error
	// Select fetches an Agreement, transparently transitioning it to Expired
	// if ValidTo has passed and it is still in Proposal or Pending state.
	Select(ctx context.Context, id AgreementId, ownerFilter *Role, now time.Time) (*Agreement, error)
	Confirm(ctx context.Context, id AgreementId, appSessionId AppSessionId) error
	// BeginApproval transitions Pending -> Approving, driven by a peer's
	// AgreementApproved callback, ahead of the durable commit Approve performs.
	BeginApproval(ctx context.Context, id AgreementId) error
	Approve(ctx context.Context, id AgreementId, sessionOverride AppSessionId) error
	// Reject transitions Pending -> Rejected, driven by a peer's
	// AgreementRejected callback.
	Reject(ctx context.Context, id AgreementId, reason *Reason) error
	Terminate(ctx context.Context, id AgreementId, reason *Reason) error
	Cancel(ctx context.Context, id AgreementId) error
}
