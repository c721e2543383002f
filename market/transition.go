package market

// validTransitions is the single source of truth for Agreement state machine
// legality. Keys are the current state; values are the set of states a
// transition may legally target.
var validTransitions = map[AgreementState]map[AgreementState]bool{
	AgreementProposal: {
		AgreementPending:   true,
		AgreementCancelled: true,
		AgreementExpired:   true,
	},
	AgreementPending: {
		AgreementApproving: true,
		AgreementRejected:  true,
		AgreementCancelled: true,
		AgreementExpired:   true,
	},
	AgreementApproving: {
		AgreementApproved: true,
		AgreementExpired:  true,
	},
	AgreementApproved: {
		AgreementTerminated: true,
		AgreementExpired:    true,
	},
}

// validateTransition fails closed: any transition not explicitly whitelisted
// above is rejected, including transitions out of any other terminal state.
func validateTransition(current, target AgreementState) error {
	if allowed, ok := validTransitions[current]; ok && allowed[target] {
		return nil
	}
	return &InvalidTransitionError{From: current, To: target}
}
