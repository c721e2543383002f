// Package peer adapts the negotiation broker's PeerApi to an HTTP+HMAC
// transport: an outbound Client that signs requests to a remote peer, and an
// inbound Server that verifies and dispatches requests from one. The wire
// format below is a concrete choice for this adapter, not a protocol
// requirement — the broker core only depends on market.PeerApi.
package peer

import "marketbroker/market"

// ProposalMessage is the wire shape of InitialProposal/CounterProposal.
type ProposalMessage struct {
	ProposalId         market.ProposalId `json:"proposal_id"`
	PrevId             *market.ProposalId `json:"prev_id,omitempty"`
	DemandSubscription market.SubscriptionId `json:"demand_subscription"`
	OfferSubscription  market.SubscriptionId `json:"offer_subscription"`
	Properties         map[string]string `json:"properties"`
	Constraints        string            `json:"constraints"`
}

func proposalMessage(p *market.Proposal) ProposalMessage {
	return ProposalMessage{
		ProposalId:         p.Id,
		PrevId:             p.PrevId,
		DemandSubscription: p.DemandSubscription,
		OfferSubscription:  p.OfferSubscription,
		Properties:         p.Body.Properties,
		Constraints:        p.Body.Constraints,
	}
}

// RejectProposalMessage is the wire shape of RejectProposal.
type RejectProposalMessage struct {
	ProposalId market.ProposalId `json:"proposal_id"`
	By         string            `json:"by"`
	Reason     *market.Reason    `json:"reason,omitempty"`
}

// AgreementMessage is the wire shape of ProposeAgreement/AgreementCommitted.
type AgreementMessage struct {
	AgreementId      market.AgreementId `json:"agreement_id"`
	DemandProposalId market.ProposalId  `json:"demand_proposal_id"`
	OfferProposalId  market.ProposalId  `json:"offer_proposal_id"`
	ProviderId       string             `json:"provider_id"`
	RequestorId      string             `json:"requestor_id"`
	ValidTo          string             `json:"valid_to"` // RFC3339Nano
}

func agreementMessage(a *market.Agreement) AgreementMessage {
	return AgreementMessage{
		AgreementId:      a.Id,
		DemandProposalId: a.DemandProposalId,
		OfferProposalId:  a.OfferProposalId,
		ProviderId:       a.ProviderId.String(),
		RequestorId:      a.RequestorId.String(),
		ValidTo:          a.ValidTo.Format(rfc3339Nano),
	}
}

// TerminateAgreementMessage is the wire shape of TerminateAgreement.
type TerminateAgreementMessage struct {
	AgreementId market.AgreementId `json:"agreement_id"`
	Reason      *market.Reason     `json:"reason,omitempty"`
}

// AgreementApprovedMessage is the inbound shape of an AgreementApproved
// callback.
type AgreementApprovedMessage struct {
	AgreementId market.AgreementId `json:"agreement_id"`
	Signature   []byte             `json:"signature,omitempty"`
}

// AgreementRejectedMessage is the inbound shape of an AgreementRejected
// callback.
type AgreementRejectedMessage struct {
	AgreementId market.AgreementId `json:"agreement_id"`
	Reason      *market.Reason     `json:"reason,omitempty"`
}

// AgreementTerminatedMessage is the inbound shape of an AgreementTerminated
// callback.
type AgreementTerminatedMessage struct {
	AgreementId market.AgreementId `json:"agreement_id"`
	Reason      *market.Reason     `json:"reason,omitempty"`
}

// ProposalReceivedMessage is the inbound shape of a ProposalReceived
// callback — a counter-proposal sent by the peer.
type ProposalReceivedMessage struct {
	DemandSubscription market.SubscriptionId `json:"demand_subscription"`
	PrevId             market.ProposalId     `json:"prev_id"`
	Properties         map[string]string     `json:"properties"`
	Constraints        string                `json:"constraints"`
}

// ProposalRejectedMessage is the inbound shape of a ProposalRejected
// callback.
type ProposalRejectedMessage struct {
	DemandSubscription market.SubscriptionId `json:"demand_subscription"`
	ProposalId         market.ProposalId     `json:"proposal_id"`
	Reason             *market.Reason        `json:"reason,omitempty"`
}

const rfc3339Nano = "2006-01-02T15:04:05.999999999Z07:00"
