package market

import (
	"context"
	"log/slog"
)

// ProposalPump receives raw Offer/Demand matches from an external matcher
// over a channel and turns each into an initial Proposal. It
// never exits on a single-item error — a bad match is logged and dropped,
// not fatal to the pump.
type ProposalPump struct {
	common *CommonBroker
	owner  Role
	in     <-chan RawProposal
	log    *slog.Logger
}

// NewProposalPump constructs a pump draining in into common.
func NewProposalPump(common *CommonBroker, owner Role, in <-chan RawProposal, logger *slog.Logger) *ProposalPump {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProposalPump{common: common, owner: owner, in: in, log: logger}
}

// Run drains matches until ctx is cancelled or the channel is closed.
func (p *ProposalPump) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-p.in:
			if !ok {
				return
			}
			if _, err := p.common.GenerateProposal(ctx, raw, p.owner); err != nil {
				p.log.Warn("generate_proposal failed",
					"demand", raw.DemandSubscription, "offer", raw.OfferSubscription, "error", err)
			}
		}
	}
}
