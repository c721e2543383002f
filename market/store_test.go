package market

import (
	"context"
	"testing"
	"time"

	"marketbroker/identity"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedInitialProposal(t *testing.T, store *SQLStore, demand, offer SubscriptionId) *Proposal {
	t.Helper()
	p := &Proposal{
		Id:                 NewProposalId(),
		DemandSubscription: demand,
		OfferSubscription:  offer,
		Body:               ProposalBody{Properties: map[string]string{"cpu": "4"}},
		Issuer:             Them,
		Owner:              Requestor,
		State:              ProposalInitial,
		CreatedAt:          time.Now().UTC(),
	}
	if err := store.SaveProposal(context.Background(), p); err != nil {
		t.Fatalf("seed initial proposal: %v", err)
	}
	return p
}

func randomNodeId(t *testing.T) identity.NodeId {
	t.Helper()
	key, err := identity.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return key.NodeId()
}

func TestCounterProposalChainAndFirstFlag(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	initial := seedInitialProposal(t, store, "demand-1", "offer-1")

	counter, isFirst, err := store.CounterProposal(ctx, initial.Id, ProposalBody{Properties: map[string]string{"cpu": "2"}}, Us, Requestor)
	if err != nil {
		t.Fatalf("counter proposal: %v", err)
	}
	if !isFirst {
		t.Fatal("expected first counter in the chain to report isFirst=true")
	}
	if counter.PrevId == nil || *counter.PrevId != initial.Id {
		t.Fatalf("expected counter.PrevId == %s, got %v", initial.Id, counter.PrevId)
	}

	second, isFirst2, err := store.CounterProposal(ctx, counter.Id, ProposalBody{Properties: map[string]string{"cpu": "3"}}, Them, Requestor)
	if err != nil {
		t.Fatalf("second counter: %v", err)
	}
	if isFirst2 {
		t.Fatal("expected second counter in the chain to report isFirst=false")
	}
	if second.PrevId == nil || *second.PrevId != counter.Id {
		t.Fatal("expected second counter to chain off the first")
	}
}

func TestCounterProposalRejectsDoubleCounterFromSameIssuer(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	initial := seedInitialProposal(t, store, "demand-1", "offer-1")

	if _, _, err := store.CounterProposal(ctx, initial.Id, ProposalBody{}, Us, Requestor); err != nil {
		t.Fatalf("first counter: %v", err)
	}
	_, _, err := store.CounterProposal(ctx, initial.Id, ProposalBody{}, Us, Requestor)
	if err != ErrAlreadyCountered {
		t.Fatalf("expected ErrAlreadyCountered for a second counter from the same issuer, got %v", err)
	}
}

func TestRejectProposalIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	initial := seedInitialProposal(t, store, "demand-1", "offer-1")

	if _, err := store.RejectProposal(ctx, initial.Id, Us, nil); err != nil {
		t.Fatalf("first reject: %v", err)
	}
	rejected, err := store.RejectProposal(ctx, initial.Id, Us, nil)
	if err != nil {
		t.Fatalf("repeated reject should be idempotent, got %v", err)
	}
	if rejected.State != ProposalRejected {
		t.Fatalf("expected Rejected state, got %s", rejected.State)
	}
}

func TestAgreementHappyPathThroughConfirm(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	demand := seedInitialProposal(t, store, "demand-1", "offer-1")
	offer, _, err := store.CounterProposal(ctx, demand.Id, ProposalBody{}, Us, Requestor)
	if err != nil {
		t.Fatalf("counter: %v", err)
	}

	a := &Agreement{
		Id:               NewAgreementId(),
		DemandProposalId: demand.Id,
		OfferProposalId:  offer.Id,
		ProviderId:       randomNodeId(t),
		RequestorId:      randomNodeId(t),
		ValidTo:          time.Now().Add(time.Hour),
		State:            AgreementProposal,
		Owner:            Requestor,
		CreatedAt:        time.Now().UTC(),
	}
	if err := store.SaveAgreement(ctx, a); err != nil {
		t.Fatalf("save agreement: %v", err)
	}

	if err := store.Confirm(ctx, a.Id, nil); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	loaded, err := store.Select(ctx, a.Id, nil, time.Now())
	if err != nil || loaded == nil {
		t.Fatalf("select after confirm: %v", err)
	}
	if loaded.State != AgreementPending {
		t.Fatalf("expected Pending after confirm, got %s", loaded.State)
	}
}

func TestAgreementCancelIsTerminal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	demand := seedInitialProposal(t, store, "demand-1", "offer-1")
	offer, _, err := store.CounterProposal(ctx, demand.Id, ProposalBody{}, Us, Requestor)
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	a := &Agreement{
		Id:               NewAgreementId(),
		DemandProposalId: demand.Id,
		OfferProposalId:  offer.Id,
		ProviderId:       randomNodeId(t),
		RequestorId:      randomNodeId(t),
		ValidTo:          time.Now().Add(time.Hour),
		State:            AgreementProposal,
		Owner:            Requestor,
		CreatedAt:        time.Now().UTC(),
	}
	if err := store.SaveAgreement(ctx, a); err != nil {
		t.Fatalf("save agreement: %v", err)
	}
	if err := store.Cancel(ctx, a.Id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	loaded, err := store.Select(ctx, a.Id, nil, time.Now())
	if err != nil || loaded == nil {
		t.Fatalf("select after cancel: %v", err)
	}
	if loaded.State != AgreementCancelled {
		t.Fatalf("expected Cancelled, got %s", loaded.State)
	}
	// Cancelling again must fail closed; Cancelled is terminal.
	if err := store.Cancel(ctx, a.Id); err == nil {
		t.Fatal("expected cancel of an already-cancelled agreement to fail")
	}
}

func TestAgreementExpiryWinsOverApprove(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	demand := seedInitialProposal(t, store, "demand-1", "offer-1")
	offer, _, err := store.CounterProposal(ctx, demand.Id, ProposalBody{}, Us, Requestor)
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	a := &Agreement{
		Id:               NewAgreementId(),
		DemandProposalId: demand.Id,
		OfferProposalId:  offer.Id,
		ProviderId:       randomNodeId(t),
		RequestorId:      randomNodeId(t),
		ValidTo:          time.Now().Add(-time.Minute), // already expired
		State:            AgreementProposal,
		Owner:            Requestor,
		CreatedAt:        time.Now().UTC(),
	}
	if err := store.SaveAgreement(ctx, a); err != nil {
		t.Fatalf("save agreement: %v", err)
	}

	loaded, err := store.Select(ctx, a.Id, nil, time.Now())
	if err != nil || loaded == nil {
		t.Fatalf("select: %v", err)
	}
	if loaded.State != AgreementExpired {
		t.Fatalf("expected transparent expiry on Select, got %s", loaded.State)
	}

	if err := store.Approve(ctx, a.Id, nil); err == nil {
		t.Fatal("expected Approve on an Expired agreement to fail")
	}
}

func TestSaveAgreementRejectsDoublePromotionOfSamePair(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	demand := seedInitialProposal(t, store, "demand-1", "offer-1")
	offer, _, err := store.CounterProposal(ctx, demand.Id, ProposalBody{}, Us, Requestor)
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	first := &Agreement{
		Id:               NewAgreementId(),
		DemandProposalId: demand.Id,
		OfferProposalId:  offer.Id,
		ProviderId:       randomNodeId(t),
		RequestorId:      randomNodeId(t),
		ValidTo:          time.Now().Add(time.Hour),
		State:            AgreementProposal,
		Owner:            Requestor,
		CreatedAt:        time.Now().UTC(),
	}
	if err := store.SaveAgreement(ctx, first); err != nil {
		t.Fatalf("save first agreement: %v", err)
	}

	second := &Agreement{
		Id:               NewAgreementId(),
		DemandProposalId: demand.Id,
		OfferProposalId:  offer.Id,
		ProviderId:       randomNodeId(t),
		RequestorId:      randomNodeId(t),
		ValidTo:          time.Now().Add(time.Hour),
		State:            AgreementProposal,
		Owner:            Requestor,
		CreatedAt:        time.Now().UTC(),
	}
	err = store.SaveAgreement(ctx, second)
	if err == nil {
		t.Fatal("expected saving a second agreement for the same proposal pair to fail")
	}
	var already *AlreadyExistsAgreementError
	if e, ok := err.(*AlreadyExistsAgreementError); ok {
		already = e
	}
	if already == nil {
		t.Fatalf("expected AlreadyExistsAgreementError, got %T: %v", err, err)
	}
	if already.AgreementId != first.Id {
		t.Fatalf("expected existing agreement id %s, got %s", first.Id, already.AgreementId)
	}
}

func TestApproveFromPendingFails(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	demand := seedInitialProposal(t, store, "demand-1", "offer-1")
	offer, _, err := store.CounterProposal(ctx, demand.Id, ProposalBody{}, Us, Requestor)
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	a := &Agreement{
		Id:               NewAgreementId(),
		DemandProposalId: demand.Id,
		OfferProposalId:  offer.Id,
		ProviderId:       randomNodeId(t),
		RequestorId:      randomNodeId(t),
		ValidTo:          time.Now().Add(time.Hour),
		State:            AgreementProposal,
		Owner:            Requestor,
		CreatedAt:        time.Now().UTC(),
	}
	if err := store.SaveAgreement(ctx, a); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Confirm(ctx, a.Id, nil); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	// Approve requires Approving; jumping straight from Pending must fail.
	if err := store.Approve(ctx, a.Id, nil); err == nil {
		t.Fatal("expected Approve from Pending (skipping Approving) to fail")
	}
}

func TestRejectTransitionsToRejectedNotTerminated(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	demand := seedInitialProposal(t, store, "demand-1", "offer-1")
	offer, _, err := store.CounterProposal(ctx, demand.Id, ProposalBody{}, Us, Requestor)
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	a := &Agreement{
		Id:               NewAgreementId(),
		DemandProposalId: demand.Id,
		OfferProposalId:  offer.Id,
		ProviderId:       randomNodeId(t),
		RequestorId:      randomNodeId(t),
		ValidTo:          time.Now().Add(time.Hour),
		State:            AgreementProposal,
		Owner:            Requestor,
		CreatedAt:        time.Now().UTC(),
	}
	if err := store.SaveAgreement(ctx, a); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Confirm(ctx, a.Id, nil); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := store.Reject(ctx, a.Id, &Reason{Message: "no thanks"}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	loaded, err := store.Select(ctx, a.Id, nil, time.Now())
	if err != nil || loaded == nil {
		t.Fatalf("select after reject: %v", err)
	}
	if loaded.State != AgreementRejected {
		t.Fatalf("expected Rejected, got %s", loaded.State)
	}
}
