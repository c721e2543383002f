package market

import (
	"context"
	"testing"
	"time"
)

func TestNotifierWakesSubscriberOnNotify(t *testing.T) {
	n := NewNotifier[AgreementId]()
	token := n.Subscribe("a1")

	done := make(chan WakeDisposition, 1)
	go func() {
		done <- token.Wait(context.Background(), time.Second)
	}()

	n.Notify("a1")

	select {
	case disp := <-done:
		if disp != Woken {
			t.Fatalf("expected Woken, got %v", disp)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait never returned after Notify")
	}
}

func TestNotifierSubscribeBeforeReadMissesNothing(t *testing.T) {
	// A Notify landing between Subscribe and Wait must still be observed,
	// which is the whole point of the edge-triggered subscribe-before-read
	// protocol.
	n := NewNotifier[AgreementId]()
	token := n.Subscribe("a1")
	n.Notify("a1")

	disp := token.Wait(context.Background(), time.Second)
	if disp != Woken {
		t.Fatalf("expected Woken, got %v", disp)
	}
}

func TestNotifierTimeout(t *testing.T) {
	n := NewNotifier[AgreementId]()
	token := n.Subscribe("a1")
	disp := token.Wait(context.Background(), 10*time.Millisecond)
	if disp != Timeout {
		t.Fatalf("expected Timeout, got %v", disp)
	}
}

func TestNotifierUnsubscribeWakesWaiter(t *testing.T) {
	n := NewNotifier[AgreementId]()
	token := n.Subscribe("a1")

	done := make(chan WakeDisposition, 1)
	go func() {
		done <- token.Wait(context.Background(), time.Second)
	}()
	time.Sleep(10 * time.Millisecond)
	n.Unsubscribe("a1", token)

	select {
	case disp := <-done:
		if disp != Unsubscribed {
			t.Fatalf("expected Unsubscribed, got %v", disp)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait never returned after Unsubscribe")
	}
}

func TestNotifierUnsubscribeAllWakesEverySubscriber(t *testing.T) {
	n := NewNotifier[AgreementId]()
	t1 := n.Subscribe("a1")
	t2 := n.Subscribe("a1")

	done := make(chan WakeDisposition, 2)
	go func() { done <- t1.Wait(context.Background(), time.Second) }()
	go func() { done <- t2.Wait(context.Background(), time.Second) }()
	time.Sleep(10 * time.Millisecond)
	n.UnsubscribeAll("a1")

	for i := 0; i < 2; i++ {
		select {
		case disp := <-done:
			if disp != Unsubscribed {
				t.Fatalf("expected Unsubscribed, got %v", disp)
			}
		case <-time.After(time.Second):
			t.Fatal("a subscriber was never woken by UnsubscribeAll")
		}
	}
}

func TestNotifierUnsubscribeDoesNotBlockWhenBufferAlreadyFull(t *testing.T) {
	// Reproduces a Wait that already returned via Timeout racing a Notify
	// that fills the buffered channel before the deferred Unsubscribe runs.
	// Unsubscribe must not block trying to deliver a second wakeup.
	n := NewNotifier[AgreementId]()
	token := n.Subscribe("a1")

	disp := token.Wait(context.Background(), 10*time.Millisecond)
	if disp != Timeout {
		t.Fatalf("expected Timeout, got %v", disp)
	}

	n.Notify("a1") // fills token.ch's single buffer slot

	done := make(chan struct{})
	go func() {
		n.Unsubscribe("a1", token)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Unsubscribe blocked forever sending into a full channel")
	}
}

func TestNotifierContextCancellationUnblocksWait(t *testing.T) {
	n := NewNotifier[AgreementId]()
	token := n.Subscribe("a1")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan WakeDisposition, 1)
	go func() { done <- token.Wait(ctx, time.Minute) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait never returned after context cancellation")
	}
}
