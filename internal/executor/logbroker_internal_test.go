package executor

import (
	"testing"
	"time"
)

func TestLogBrokerMarkersExpire(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := NewLogBroker()
	b.now = func() time.Time { return now }

	b.Close("inv-1")
	b.Close("inv-2")
	if b.Markers() != 2 {
		t.Fatalf("Markers() = %d, want 2", b.Markers())
	}

	ch, _ := b.Subscribe("inv-1")
	if _, ok := <-ch; ok {
		t.Error("subscriber to a finished invocation should get a closed channel")
	}

	now = now.Add(closedMarkerTTL + time.Second)
	b.Close("inv-3")
	if b.Markers() != 1 {
		t.Errorf("Markers() = %d, want 1 after expiry", b.Markers())
	}
	if _, ok := b.ended["inv-3"]; !ok {
		t.Error("newest marker was pruned")
	}
}

func TestLogBrokerDoubleCloseKeepsOneMarker(t *testing.T) {
	b := NewLogBroker()
	b.Close("inv-1")
	b.Close("inv-1")
	if len(b.expires) != 1 {
		t.Errorf("len(expires) = %d, want 1", len(b.expires))
	}
}

func TestLogBrokerUnsubscribeDropsIdleTopic(t *testing.T) {
	b := NewLogBroker()
	_, unsub1 := b.Subscribe("inv-1")
	_, unsub2 := b.Subscribe("inv-1")

	unsub1()
	if _, ok := b.live["inv-1"]; !ok {
		t.Fatal("topic removed while a subscriber remains")
	}
	unsub2()
	unsub2()
	if _, ok := b.live["inv-1"]; ok {
		t.Error("topic kept after last unsubscribe")
	}
}
