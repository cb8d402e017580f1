package events

import "testing"

func TestPushPollRoundTrip(t *testing.T) {
	b := NewBus()
	b.Push(Event{Kind: KindDeviceConnected, Peer: PeerInfo{DeviceID: "abc"}})

	e, ok := b.Poll()
	if !ok {
		t.Fatal("expected an event")
	}
	if e.Kind != KindDeviceConnected || e.Peer.DeviceID != "abc" {
		t.Fatalf("got %+v", e)
	}

	if _, ok := b.Poll(); ok {
		t.Fatal("expected empty bus after single poll")
	}
}

func TestOverflowDropsOldestAndRecordsError(t *testing.T) {
	b := NewBus()
	for i := 0; i < Capacity; i++ {
		b.Push(Event{Kind: KindError, Message: "filler"})
	}
	// Bus is now full; one more push must not block and must replace the
	// oldest entry with an overflow marker somewhere in the queue.
	b.Push(Event{Kind: KindClipboardReceived})

	if b.Len() != Capacity {
		t.Fatalf("Len() = %d, want %d", b.Len(), Capacity)
	}

	sawOverflow := false
	for i := 0; i < Capacity; i++ {
		e, ok := b.Poll()
		if !ok {
			t.Fatalf("expected %d events, ran out at %d", Capacity, i)
		}
		if e.Kind == KindError && e.Message == "event overflow" {
			sawOverflow = true
		}
	}
	if !sawOverflow {
		t.Fatal("expected an 'event overflow' marker after overflow")
	}
}

func TestPollOnEmptyBusNonBlocking(t *testing.T) {
	b := NewBus()
	if _, ok := b.Poll(); ok {
		t.Fatal("expected no event on empty bus")
	}
}
