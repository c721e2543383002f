package market

import "testing"

func TestEventRingFIFOOrder(t *testing.T) {
	r := newEventRing(4)
	for i := 0; i < 3; i++ {
		r.push(Event{Kind: EventNewProposal, ProposalId: ProposalId(string(rune('a' + i)))})
	}
	out := r.drain(10)
	if len(out) != 3 {
		t.Fatalf("expected 3 events, got %d", len(out))
	}
	for i, e := range out {
		want := string(rune('a' + i))
		if string(e.ProposalId) != want {
			t.Fatalf("event %d: expected %s, got %s", i, want, e.ProposalId)
		}
	}
	if !r.empty() {
		t.Fatal("expected ring to be empty after full drain")
	}
}

func TestEventRingOverwritesOldestOnOverflow(t *testing.T) {
	r := newEventRing(2)
	r.push(Event{ProposalId: "p1"})
	r.push(Event{ProposalId: "p2"})
	r.push(Event{ProposalId: "p3"}) // overwrites p1

	out := r.drain(10)
	if len(out) != 2 {
		t.Fatalf("expected capacity-bounded 2 events, got %d", len(out))
	}
	if out[0].ProposalId != "p2" || out[1].ProposalId != "p3" {
		t.Fatalf("expected [p2 p3], got [%s %s]", out[0].ProposalId, out[1].ProposalId)
	}
}

func TestEventRingDrainRespectsMax(t *testing.T) {
	r := newEventRing(4)
	r.push(Event{ProposalId: "p1"})
	r.push(Event{ProposalId: "p2"})
	r.push(Event{ProposalId: "p3"})

	out := r.drain(2)
	if len(out) != 2 {
		t.Fatalf("expected 2 events, got %d", len(out))
	}
	if r.size != 1 {
		t.Fatalf("expected 1 remaining event, got %d", r.size)
	}
	rest := r.drain(10)
	if len(rest) != 1 || rest[0].ProposalId != "p3" {
		t.Fatalf("expected remaining [p3], got %v", rest)
	}
}

func TestEventRingZeroCapacityDropsSilently(t *testing.T) {
	r := newEventRing(0)
	r.push(Event{ProposalId: "p1"})
	if !r.empty() {
		t.Fatal("expected zero-capacity ring to stay empty")
	}
}
