package market

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func newTestCommon(t *testing.T) (*CommonBroker, *SQLStore) {
	t.Helper()
	store := newTestStore(t)
	subs := NewMemorySubscriptionStore()
	cfg := Config{SubscriptionTTL: time.Hour, AgreementEventsBuffer: 8, AgreementApproveTimeoutDefault: time.Second}
	common := NewCommonBroker(store, subs, cfg, NewMetrics(), slog.Default())
	return common, store
}

func TestCommonBrokerOnProposalReceivedRejectsLoopback(t *testing.T) {
	ctx := context.Background()
	common, store := newTestCommon(t)
	initial := seedInitialProposal(t, store, "demand-1", "offer-1") // Issuer: Them

	// Receiving a message that counters a Proposal issued by Them (here the
	// initial one, which we already countered) must be rejected as a
	// self-reaction attempt rather than accepted as a legitimate inbound
	// counter; only counters to an Issuer == Us proposal are accepted.
	ours, err := store.CounterProposal(ctx, initial.Id, ProposalBody{}, Us, Requestor)
	if err != nil {
		t.Fatalf("seed our counter: %v", err)
	}
	_ = ours

	_, err = common.OnProposalReceived(ctx, "demand-1", initial.Id, ProposalBody{}, Requestor)
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for a counter to a proposal issued by Them (a self-reaction), got %v", err)
	}
}

func TestCommonBrokerOnProposalReceivedAcceptsCounterToOurSend(t *testing.T) {
	ctx := context.Background()
	common, store := newTestCommon(t)
	initial := seedInitialProposal(t, store, "demand-1", "offer-1") // Issuer: Them
	ours, err := store.CounterProposal(ctx, initial.Id, ProposalBody{}, Us, Requestor)
	if err != nil {
		t.Fatalf("seed our counter: %v", err)
	}

	received, err := common.OnProposalReceived(ctx, "demand-1", ours.Id, ProposalBody{Properties: map[string]string{"cpu": "1"}}, Requestor)
	if err != nil {
		t.Fatalf("expected inbound counter to our own proposal to be accepted, got %v", err)
	}
	if received.Issuer != Them {
		t.Fatalf("expected received counter to carry Issuer=Them, got %s", received.Issuer)
	}
}

func TestCommonBrokerQueryEventsReturnsQueuedEventsImmediately(t *testing.T) {
	ctx := context.Background()
	common, _ := newTestCommon(t)
	common.queueEvent("demand-1", Event{Kind: EventNewProposal, ProposalId: "p1", Timestamp: time.Now()})

	events, err := common.QueryEvents(ctx, "demand-1", time.Second, 10)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	if len(events) != 1 || events[0].ProposalId != "p1" {
		t.Fatalf("expected queued event to be drained, got %v", events)
	}
}

func TestCommonBrokerQueryEventsWakesOnLateEvent(t *testing.T) {
	ctx := context.Background()
	common, _ := newTestCommon(t)

	done := make(chan []Event, 1)
	go func() {
		events, _ := common.QueryEvents(ctx, "demand-1", time.Second, 10)
		done <- events
	}()
	time.Sleep(20 * time.Millisecond)
	common.queueEvent("demand-1", Event{Kind: EventNewProposal, ProposalId: "late"})

	select {
	case events := <-done:
		if len(events) != 1 || events[0].ProposalId != "late" {
			t.Fatalf("expected the late event to be delivered, got %v", events)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("QueryEvents never woke on the late event")
	}
}

func TestCommonBrokerQueryEventsTimesOutEmpty(t *testing.T) {
	ctx := context.Background()
	common, _ := newTestCommon(t)
	events, err := common.QueryEvents(ctx, "demand-1", 20*time.Millisecond, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events on timeout, got %v", events)
	}
}

func TestCommonBrokerOnAgreementTerminatedRejectsWrongCaller(t *testing.T) {
	ctx := context.Background()
	common, store := newTestCommon(t)
	demand := seedInitialProposal(t, store, "demand-1", "offer-1")
	offer, _, err := store.CounterProposal(ctx, demand.Id, ProposalBody{}, Us, Requestor)
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	provider := randomNodeId(t)
	a := &Agreement{
		Id:               NewAgreementId(),
		DemandProposalId: demand.Id,
		OfferProposalId:  offer.Id,
		ProviderId:       provider,
		RequestorId:      randomNodeId(t),
		ValidTo:          time.Now().Add(time.Hour),
		State:            AgreementProposal,
		Owner:            Requestor,
		CreatedAt:        time.Now().UTC(),
	}
	if err := store.SaveAgreement(ctx, a); err != nil {
		t.Fatalf("save: %v", err)
	}

	impostor := randomNodeId(t)
	err = common.OnAgreementTerminated(ctx, a.Id, impostor, nil)
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for a caller that is not the Agreement's ProviderId, got %v", err)
	}

	loaded, err := store.Select(ctx, a.Id, nil, time.Now())
	if err != nil || loaded == nil {
		t.Fatalf("select: %v", err)
	}
	if loaded.State != AgreementProposal {
		t.Fatalf("expected state untouched by the rejected caller, got %s", loaded.State)
	}
}
