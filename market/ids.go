package market

import "github.com/google/uuid"

// SubscriptionId identifies a published Demand or Offer.
type SubscriptionId string

// ProposalId identifies one node in a Proposal negotiation chain.
type ProposalId string

// AgreementId identifies an Agreement promoted from a Proposal pair.
type AgreementId string

// AppSessionId optionally groups Agreements for client-side event fan-out.
type AppSessionId = *string

// NewProposalId generates a fresh, randomly assigned ProposalId.
func NewProposalId() ProposalId {
	return ProposalId(uuid.NewString())
}

// NewAgreementId generates a fresh, randomly assigned AgreementId.
func NewAgreementId() AgreementId {
	return AgreementId(uuid.NewString())
}
