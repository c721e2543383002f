package market

import "testing"

func TestValidateTransitionAllowsSpecifiedEdges(t *testing.T) {
	cases := []struct {
		from, to AgreementState
	}{
		{AgreementProposal, AgreementPending},
		{AgreementProposal, AgreementCancelled},
		{AgreementProposal, AgreementExpired},
		{AgreementPending, AgreementApproving},
		{AgreementPending, AgreementRejected},
		{AgreementPending, AgreementCancelled},
		{AgreementPending, AgreementExpired},
		{AgreementApproving, AgreementApproved},
		{AgreementApproving, AgreementExpired},
		{AgreementApproved, AgreementTerminated},
		{AgreementApproved, AgreementExpired},
	}
	for _, c := range cases {
		if err := validateTransition(c.from, c.to); err != nil {
			t.Errorf("expected %s -> %s to be legal, got %v", c.from, c.to, err)
		}
	}
}

func TestValidateTransitionRejectsEverythingElse(t *testing.T) {
	cases := []struct {
		from, to AgreementState
	}{
		{AgreementRejected, AgreementApproved},
		{AgreementCancelled, AgreementPending},
		{AgreementExpired, AgreementApproved},
		{AgreementTerminated, AgreementApproved},
		{AgreementProposal, AgreementApproved},
		{AgreementPending, AgreementTerminated},
		{AgreementApproving, AgreementPending},
	}
	for _, c := range cases {
		err := validateTransition(c.from, c.to)
		if err == nil {
			t.Errorf("expected %s -> %s to be illegal", c.from, c.to)
			continue
		}
		var invalid *InvalidTransitionError
		if !asInvalidTransition(err, &invalid) {
			t.Errorf("expected InvalidTransitionError, got %T", err)
			continue
		}
		if invalid.From != c.from || invalid.To != c.to {
			t.Errorf("error fields: got from=%s to=%s, want from=%s to=%s", invalid.From, invalid.To, c.from, c.to)
		}
	}
}

func asInvalidTransition(err error, target **InvalidTransitionError) bool {
	if e, ok := err.(*InvalidTransitionError); ok {
		*target = e
		return true
	}
	return false
}
